// Package geo fetches static map images for questionnaire locations, used
// by the summary renderer.
package geo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lon float64
	Lat float64
}

// Client talks to a static map rendering service. A zero base URL disables
// map fetching; callers get ErrDisabled and render without a map.
type Client struct {
	baseURL string
	http    *http.Client
}

var ErrDisabled = fmt.Errorf("static maps not configured")

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// StaticMap fetches a rendered map image centered on the marked points.
// The request is bounded by the client timeout on top of ctx.
func (c *Client) StaticMap(ctx context.Context, points []Point, width, height int) ([]byte, error) {
	if c.baseURL == "" {
		return nil, ErrDisabled
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("no points given")
	}
	if width <= 0 {
		width = 500
	}
	if height <= 0 {
		height = 400
	}

	query := url.Values{}
	query.Set("size", fmt.Sprintf("%dx%d", width, height))
	for _, p := range points {
		query.Add("markers", fmt.Sprintf("%f,%f", p.Lon, p.Lat))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build map request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch static map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("static map service returned %d", resp.StatusCode)
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read static map: %w", err)
	}
	return image, nil
}
