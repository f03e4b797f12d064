// Package buildinfo exposes version metadata stamped at link time.
package buildinfo

// Set via -ldflags "-X github.com/planprep/enrichment/internal/buildinfo.Version=..." at build time.
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildDate = "unknown"
)
