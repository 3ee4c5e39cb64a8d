package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/always-cache/shell-cache/cache"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRegistry(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		provider string
		db       string
	}{
		{"sqlite", filepath.Join(dir, "cache.db")},
		{"sqlite", "memory"},
		{"bolt", filepath.Join(dir, "cache.bolt")},
		{"memory", ""},
	}
	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.db, func(t *testing.T) {
			registry, closer, err := openRegistry(tt.provider, tt.db)
			require.NoError(t, err)
			defer closer.Close()

			_, err = registry.Open(context.Background(), "shell-v1")
			require.NoError(t, err)
			keys, err := registry.Keys(context.Background())
			require.NoError(t, err)
			assert.Contains(t, keys, "shell-v1")
		})
	}
}

func TestOpenRegistryMemoryIsNotSQLite(t *testing.T) {
	registry, _, err := openRegistry("memory", "cache.db")
	require.NoError(t, err)
	assert.IsType(t, &cache.MemRegistry{}, registry)
}

func TestOpenRegistryUnknownProvider(t *testing.T) {
	_, _, err := openRegistry("redis", "")
	require.Error(t, err)
	assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
}
