package database

import (
	"os"
)

// Config holds the database configuration
type Config struct {
	URL              string
	AuthToken        string
	StudentsDir      string
	MultiStudentMode bool
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxIdleSec   int
	ConnMaxLifeSec   int
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	url := os.Getenv("LIBSQL_URL")
	if url == "" {
		url = "file:./enrichment.db"
	}

	cfg := &Config{
		URL:       url,
		AuthToken: os.Getenv("LIBSQL_AUTH_TOKEN"),
	}

	if dir := os.Getenv("STUDENTS_DIR"); dir != "" {
		cfg.StudentsDir = dir
		cfg.MultiStudentMode = true
	}

	return cfg
}
