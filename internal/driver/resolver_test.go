package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeBinary(t *testing.T, dir, version string) string {
	t.Helper()
	versionDir := filepath.Join(dir, version)
	require.NoError(t, os.MkdirAll(versionDir, 0o750))
	binary := filepath.Join(versionDir, "chrome")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o750))
	return binary
}

func TestResolver_ExplicitPathWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	binary := filepath.Join(dir, "chrome")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o750))

	// The cache dir holds a binary too; the explicit path must win.
	cacheDir := t.TempDir()
	writeBinary(t, cacheDir, "130.0.6723.91")

	r := NewEnvResolver(Config{BinaryPath: binary, CacheDir: cacheDir})
	got, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, binary, got)
}

func TestResolver_ExplicitPathMissingFails(t *testing.T) {
	t.Parallel()

	r := NewEnvResolver(Config{BinaryPath: filepath.Join(t.TempDir(), "nope")})
	_, err := r.Resolve(context.Background(), "")
	require.ErrorContains(t, err, "stat driver binary")
}

func TestResolver_PicksNewestCachedVersion(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	writeBinary(t, cacheDir, "129.0.6668.70")
	newest := writeBinary(t, cacheDir, "130.0.6723.91")

	r := NewEnvResolver(Config{CacheDir: cacheDir})
	got, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, newest, got)
}

func TestResolver_VersionPrefixFilters(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	wanted := writeBinary(t, cacheDir, "129.0.6668.70")
	writeBinary(t, cacheDir, "130.0.6723.91")

	r := NewEnvResolver(Config{CacheDir: cacheDir})
	got, err := r.Resolve(context.Background(), "129")
	require.NoError(t, err)
	require.Equal(t, wanted, got)
}

func TestResolver_NoMatchFails(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	writeBinary(t, cacheDir, "130.0.6723.91")

	r := NewEnvResolver(Config{CacheDir: cacheDir})
	_, err := r.Resolve(context.Background(), "131")
	require.ErrorContains(t, err, "no cached driver matches")
}

func TestResolver_NothingConfiguredFails(t *testing.T) {
	// Not parallel: clears resolver environment variables.
	t.Setenv(EnvBinaryPath, "")
	t.Setenv(EnvCacheDir, "")

	r := NewEnvResolver(Config{})
	_, err := r.Resolve(context.Background(), "")
	require.ErrorContains(t, err, "no driver binary path")
}

func TestResolver_EnvironmentFallback(t *testing.T) {
	cacheDir := t.TempDir()
	binary := writeBinary(t, cacheDir, "130.0.6723.91")
	t.Setenv(EnvBinaryPath, "")
	t.Setenv(EnvCacheDir, cacheDir)

	r := NewEnvResolver(Config{})
	got, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, binary, got)
}

func TestResolver_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewEnvResolver(Config{BinaryPath: "/usr/bin/chrome"})
	_, err := r.Resolve(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
}
