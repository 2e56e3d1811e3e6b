package metrics

import "runtime"

// RecordMemoryUsage updates the process memory gauge.
func RecordMemoryUsage() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsageBytes.Set(float64(m.Alloc))
}
