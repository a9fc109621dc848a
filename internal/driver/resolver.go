// Package driver locates browser binaries for the session pool. Download
// and caching of binaries belongs to an external manager; this package
// only resolves paths it can already see on disk.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variables honored by the resolver, matching the deployment's
// driver-manager configuration.
const (
	EnvBinaryPath = "HARVESTER_DRIVER_BINARY_PATH"
	EnvCacheDir   = "WDM_LOCAL_CACHE_DIR"
)

// Config controls resolution order.
type Config struct {
	// BinaryPath, when set, is returned as-is after an existence check.
	BinaryPath string
	// CacheDir is scanned for versioned browser binaries when no explicit
	// path is configured.
	CacheDir string
}

// EnvResolver resolves a browser binary from explicit configuration,
// environment variables, or a driver-manager cache directory.
type EnvResolver struct {
	cfg Config
}

// NewEnvResolver builds a resolver, folding in the documented environment
// variables for unset fields.
func NewEnvResolver(cfg Config) *EnvResolver {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = os.Getenv(EnvBinaryPath)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = os.Getenv(EnvCacheDir)
	}
	return &EnvResolver{cfg: cfg}
}

// Resolve returns the path to a browser binary. An explicit path wins;
// otherwise the cache dir is scanned for a directory matching the wanted
// version (or the newest version when browserVersion is empty).
func (r *EnvResolver) Resolve(ctx context.Context, browserVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("resolve driver: %w", err)
	}
	if r.cfg.BinaryPath != "" {
		if err := checkExecutable(r.cfg.BinaryPath); err != nil {
			return "", err
		}
		return r.cfg.BinaryPath, nil
	}
	if r.cfg.CacheDir == "" {
		return "", fmt.Errorf("no driver binary path and no cache dir configured")
	}
	return r.resolveFromCache(browserVersion)
}

func (r *EnvResolver) resolveFromCache(browserVersion string) (string, error) {
	entries, err := os.ReadDir(r.cfg.CacheDir)
	if err != nil {
		return "", fmt.Errorf("read driver cache dir: %w", err)
	}

	var versions []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if browserVersion != "" && !strings.HasPrefix(name, browserVersion) {
			continue
		}
		versions = append(versions, name)
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("no cached driver matches version %q under %s", browserVersion, r.cfg.CacheDir)
	}

	// Lexicographic descending is good enough for dotted version dirs of
	// equal width; the cache manager writes zero-padded components.
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	binary := filepath.Join(r.cfg.CacheDir, versions[0], "chrome")
	if err := checkExecutable(binary); err != nil {
		return "", err
	}
	return binary, nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat driver binary: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("driver binary path %s is a directory", path)
	}
	return nil
}
