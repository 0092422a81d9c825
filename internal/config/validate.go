package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the configuration required for the given mode
// is present. Modes: "run" (full pipeline), "reindex", "serve",
// "status".
func (c *Config) Validate(mode string) error {
	var missing []string

	need := func(value, name string) {
		if value == "" {
			missing = append(missing, name+" is required")
		}
	}

	switch mode {
	case "run":
		need(c.Store.DatabaseURL, "store.database_url")
		need(c.Snapshot.URL, "snapshot.url")
		need(c.Anthropic.Key, "anthropic.key")
		need(c.Gemini.Key, "gemini.key")
		need(c.Index.Dir, "index.dir")
		if c.Index.Dimension <= 0 {
			missing = append(missing, "index.dimension must be positive")
		}
		if c.Differ.MinSnapshotRatio < 0 || c.Differ.MinSnapshotRatio > 1 {
			missing = append(missing, "differ.min_snapshot_ratio must be in [0, 1]")
		}
	case "reindex":
		need(c.Store.DatabaseURL, "store.database_url")
		need(c.Anthropic.Key, "anthropic.key")
		need(c.Gemini.Key, "gemini.key")
		need(c.Index.Dir, "index.dir")
	case "serve":
		need(c.Store.DatabaseURL, "store.database_url")
		need(c.Index.Dir, "index.dir")
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			missing = append(missing, fmt.Sprintf("server.port %d is invalid", c.Server.Port))
		}
	case "status":
		need(c.Store.DatabaseURL, "store.database_url")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}
