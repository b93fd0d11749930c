// Package cache remembers the last operation names seen from the daemon so
// shell completion keeps working while it is offline.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type OperationCache struct {
	path string
}

type cacheFile struct {
	Updated time.Time `json:"updated"`
	Names   []string  `json:"names"`
}

func NewOperationCache(dir string) *OperationCache {
	return &OperationCache{path: filepath.Join(dir, "operations.json")}
}

// DefaultDir is the per-user cache location, empty when it cannot be determined.
func DefaultDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "opreg")
}

func (c *OperationCache) Names() ([]string, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, false
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false
	}
	return f.Names, true
}

func (c *OperationCache) Set(names []string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cacheFile{Updated: time.Now(), Names: names}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}
