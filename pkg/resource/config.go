// pkg/resource/config.go
package resource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"nodetree/pkg/versioning"
)

// configFileName is the JSON config written into every resource
// directory, the expanded spec's replacement for a relational catalog:
// there are no tables or columns to describe, only the handful of
// knobs a page tree needs to reopen itself the same way it was created.
const configFileName = "resource.json"

// Config is the persisted shape of resource.json.
type Config struct {
	// Name is the resource's directory name, duplicated into the file
	// so a copied-and-renamed directory is still self-describing.
	Name string `json:"name"`

	// ID is a random identifier assigned once at CreateResource and
	// never recomputed, so a resource directory that gets copied or
	// renamed on disk keeps a stable identity for diagnostics and
	// cross-referencing in logs.
	ID string `json:"id"`

	// VersioningPolicy names the versioning.Policy this resource commits
	// under: "FULL", "DIFFERENTIAL", or "INCREMENTAL".
	VersioningPolicy string `json:"versioningPolicy"`

	// RevsToRestore is stored with the resource and defaults to 1. Page
	// transactions opened through a Session do not read it: they overlay
	// up to pagetrx's fixed depth of 64 past revisions.
	RevsToRestore int `json:"revsToRestore"`

	// CachePages caps the shared cache.MemoryBudget's page-byte limit;
	// zero means NODETREE_CACHE_PAGES or the built-in default applies.
	CachePages int64 `json:"cachePages,omitempty"`

	// DeweyIDsEnabled is the default handed to nodetrx.Options for
	// every write transaction opened against this resource.
	DeweyIDsEnabled bool `json:"deweyIdsEnabled"`
}

func defaultConfig(name string) Config {
	return Config{
		Name:             name,
		ID:               uuid.NewString(),
		VersioningPolicy: versioning.Full{}.Name(),
		RevsToRestore:    1,
	}
}

func (c Config) policy(lastFullRevision int64) (versioning.Policy, error) {
	switch c.VersioningPolicy {
	case "", versioning.Full{}.Name():
		return versioning.Full{}, nil
	case versioning.Differential{}.Name():
		return versioning.Differential{LastFullRevision: lastFullRevision}, nil
	case versioning.Incremental{}.Name():
		return versioning.Incremental{LastFullRevision: lastFullRevision}, nil
	default:
		return nil, fmt.Errorf("resource: unknown versioning policy %q", c.VersioningPolicy)
	}
}

func writeConfig(dir string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, configFileName), data, 0644)
}

func readConfig(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("resource: %w: malformed %s", err, configFileName)
	}
	return cfg, nil
}
