// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/planprep/enrichment/internal/geocode"
)

// Config holds everything outside the database layer's own configuration.
type Config struct {
	// HTTPAddr is the listen address for the frontend-facing API.
	HTTPAddr string

	// Agent backend selection: "gemini" or "http".
	AgentBackend string
	// AgentEndpoint is the NDJSON analysis endpoint for the http backend.
	AgentEndpoint string
	// GeminiAPIKey and GeminiModel configure the gemini backend.
	GeminiAPIKey string
	GeminiModel  string

	// GeocoderURL is the base URL of a Nominatim-compatible service.
	GeocoderURL string

	// RetryBackoff is the pause between failed chats during batch runs.
	RetryBackoff time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present but its absence is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8081"),
		AgentBackend:  getEnv("AGENT_BACKEND", "http"),
		AgentEndpoint: getEnv("AGENT_ENDPOINT", "http://localhost:9000/analyze"),
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   os.Getenv("GEMINI_MODEL"),
		GeocoderURL:   getEnv("GEOCODER_URL", geocode.DefaultBaseURL),
		RetryBackoff:  2 * time.Second,
	}

	if v := os.Getenv("RETRY_BACKOFF_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BACKOFF_SECONDS %q: %w", v, err)
		}
		cfg.RetryBackoff = time.Duration(secs) * time.Second
	}

	switch cfg.AgentBackend {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("AGENT_BACKEND=gemini requires GEMINI_API_KEY")
		}
	case "http":
	default:
		return nil, fmt.Errorf("unknown AGENT_BACKEND %q (expected gemini or http)", cfg.AgentBackend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
