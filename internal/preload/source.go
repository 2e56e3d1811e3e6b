package preload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/stefanpenner/vln-bench/internal/model"
)

// ErrRateLimited marks a 429/503 upstream response; the fetch loop backs
// off and retries instead of failing the item.
var ErrRateLimited = errors.New("preload: rate limited by upstream")

// ErrSourceUnavailable is the per-item terminal error after retry
// exhaustion.
var ErrSourceUnavailable = errors.New("preload: upstream unavailable after retries")

// TileSource provides equirectangular image tiles at (zoom, x, y) for a
// panorama. Implementations own any upstream session token they need.
type TileSource interface {
	Name() string
	FetchTile(ctx context.Context, panoID model.PanoID, zoom, x, y int) ([]byte, error)
}

// MetadataSource provides the location, capture date, center heading and
// adjacency links for a panorama.
type MetadataSource interface {
	Name() string
	FetchMetadata(ctx context.Context, panoID model.PanoID) (model.PanoMetadata, error)
}

// HTTPTileSource fetches 512x512 tiles from a provider that hands out
// short-lived session tokens. The token is created lazily and refreshed
// whenever the provider rejects it.
type HTTPTileSource struct {
	BaseURL string
	APIKey  string
	Client  *http.Client

	mu    sync.Mutex
	token string
}

func NewHTTPTileSource(baseURL, apiKey string) *HTTPTileSource {
	return &HTTPTileSource{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPTileSource) Name() string { return "tiles" }

func (s *HTTPTileSource) session(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}

	url := fmt.Sprintf("%s/v1/createSession?key=%s", s.BaseURL, s.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("preload: create session request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("preload: create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("preload: create session: status %d", resp.StatusCode)
	}

	var body struct {
		Session string `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("preload: decode session: %w", err)
	}
	s.token = body.Session
	return s.token, nil
}

func (s *HTTPTileSource) invalidateSession() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *HTTPTileSource) FetchTile(ctx context.Context, panoID model.PanoID, zoom, x, y int) ([]byte, error) {
	token, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/tiles/%d/%d/%d?session=%s&key=%s&panoId=%s",
		s.BaseURL, zoom, x, y, token, s.APIKey, panoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("preload: tile request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preload: fetch tile: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		// Expired session token; recreate on the next attempt.
		s.invalidateSession()
		return nil, fmt.Errorf("preload: tile %s z%d (%d,%d): session rejected (%d)", panoID, zoom, x, y, resp.StatusCode)
	default:
		return nil, fmt.Errorf("preload: tile %s z%d (%d,%d): status %d", panoID, zoom, x, y, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// HTTPMetadataSource fetches panorama metadata from a JSON endpoint.
type HTTPMetadataSource struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPMetadataSource(baseURL, apiKey string) *HTTPMetadataSource {
	return &HTTPMetadataSource{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPMetadataSource) Name() string { return "metadata" }

// wire shapes for the metadata endpoint.
type metadataResponse struct {
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	CaptureDate   string     `json:"date,omitempty"`
	CenterHeading float64    `json:"heading"`
	Links         []linkWire `json:"links"`
}

type linkWire struct {
	PanoID   string   `json:"panoId"`
	Heading  float64  `json:"heading"`
	Distance *float64 `json:"distanceMeters,omitempty"`
	Virtual  bool     `json:"virtual,omitempty"`
}

func (s *HTTPMetadataSource) FetchMetadata(ctx context.Context, panoID model.PanoID) (model.PanoMetadata, error) {
	url := fmt.Sprintf("%s/v1/metadata?panoId=%s&key=%s", s.BaseURL, panoID, s.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.PanoMetadata{}, fmt.Errorf("preload: metadata request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return model.PanoMetadata{}, fmt.Errorf("preload: fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return model.PanoMetadata{}, ErrRateLimited
	default:
		return model.PanoMetadata{}, fmt.Errorf("preload: metadata %s: status %d", panoID, resp.StatusCode)
	}

	var body metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.PanoMetadata{}, fmt.Errorf("preload: decode metadata %s: %w", panoID, err)
	}

	meta := model.PanoMetadata{
		PanoID: panoID,
		Lat:    body.Lat,
		Lng:    body.Lng,
		// The provider reports headings in viewer space, which is offset
		// 180 degrees from true north. Normalized here, once, so every
		// downstream consumer works in true-north space.
		CenterHeading: normalizeHeading(body.CenterHeading + 180),
		Links:         make([]model.Link, 0, len(body.Links)),
		FetchedAt:     time.Now().UTC(),
		Source:        s.Name(),
	}
	if body.CaptureDate != "" {
		if t, err := time.Parse("2006-01", body.CaptureDate); err == nil {
			meta.CaptureDate = &t
		}
	}
	for _, l := range body.Links {
		meta.Links = append(meta.Links, model.Link{
			Target:         model.PanoID(l.PanoID),
			Heading:        normalizeHeading(l.Heading),
			DistanceMeters: l.Distance,
			Virtual:        l.Virtual,
		})
	}
	return meta, nil
}

func normalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}
