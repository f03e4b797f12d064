package enrichment

import (
	"github.com/planprep/enrichment/internal/database"
)

// Config exposes a stable wrapper for database configuration in package mode.
// Fields map directly to internal/database.Config.
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

func (c *Config) toInternal() *database.Config {
	return &database.Config{
		URL:              c.URL,
		AuthToken:        c.AuthToken,
		StudentsDir:      c.StudentsDir,
		MultiStudentMode: c.MultiStudentMode,
		MaxOpenConns:     c.MaxOpenConns,
		MaxIdleConns:     c.MaxIdleConns,
		ConnMaxIdleSec:   c.ConnMaxIdleSec,
		ConnMaxLifeSec:   c.ConnMaxLifeSec,
	}
}
