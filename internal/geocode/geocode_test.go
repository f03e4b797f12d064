package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeocodeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "MIT, 77 Massachusetts Ave", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		io.WriteString(w, `[{"lat":"42.3601","lon":"-71.0942","display_name":"MIT, Cambridge, MA"}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	result, err := c.Geocode(context.Background(), "77 Massachusetts Ave", "MIT")
	require.NoError(t, err)
	assert.InDelta(t, 42.3601, result.Latitude, 0.0001)
	assert.InDelta(t, -71.0942, result.Longitude, 0.0001)
	assert.Equal(t, "MIT, Cambridge, MA", result.FormattedAddress)
}

func TestGeocodeNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Geocode(context.Background(), "nowhere in particular", "")
	assert.Error(t, err)
}

func TestGeocodeEmptyAddress(t *testing.T) {
	c := NewClient("http://unused")
	_, err := c.Geocode(context.Background(), "", "MIT")
	assert.Error(t, err)
}

func TestGeocodeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Geocode(context.Background(), "77 Massachusetts Ave", "MIT")
	assert.Error(t, err)
}
