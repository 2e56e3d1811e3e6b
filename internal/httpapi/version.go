package httpapi

import (
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
)

// Version and BuildTime are injected at build time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// VersionRoute returns version information about the service.
func VersionRoute() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, GetVersionInfo())
	}
}
