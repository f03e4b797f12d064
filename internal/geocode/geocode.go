package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL is the public Nominatim endpoint used when no geocoder
// endpoint is configured.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// Result is the coordinate pair resolved for an address.
type Result struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	FormattedAddress string  `json:"formattedAddress"`
}

// Geocoder resolves a free-form address to coordinates. The name parameter
// carries the location's display name as a disambiguation hint.
type Geocoder interface {
	Geocode(ctx context.Context, address, name string) (*Result, error)
}

// Client talks to a Nominatim-compatible geocoding endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// NewClient returns a geocoding client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "planprep-enrichment/1.0",
	}
}

type searchHit struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode resolves one address. A lookup that matches nothing is an error;
// callers treat any failure as "skip this write", never as fatal.
func (c *Client) Geocode(ctx context.Context, address, name string) (*Result, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	query := address
	if name != "" {
		query = name + ", " + address
	}

	u, err := url.Parse(c.baseURL + "/search")
	if err != nil {
		return nil, fmt.Errorf("invalid geocoder base URL: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var hits []searchHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("failed to decode geocode response: %w", err)
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("no geocoding result for %q", query)
	}

	lat, err := strconv.ParseFloat(hits[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude in geocode response: %w", err)
	}
	lon, err := strconv.ParseFloat(hits[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude in geocode response: %w", err)
	}

	return &Result{
		Latitude:         lat,
		Longitude:        lon,
		FormattedAddress: hits[0].DisplayName,
	}, nil
}
