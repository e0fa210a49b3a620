package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"default", Config{}},
		{"memory", Config{Type: BackendMemory}},
		{"sqlite", Config{Type: BackendSQLite, Path: filepath.Join(dir, "kv.db")}},
		{"badger", Config{Type: BackendBadger, Path: filepath.Join(dir, "badger")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(tt.cfg, nil)
			require.NoError(t, err)
			defer store.Close()

			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "k", "v", time.Hour))
			got, ok, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", got)

			n, err := store.Incr(ctx, "n")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Type: BackendSQLite}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Type: BackendBadger}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Type: "redis"}, nil)
	assert.ErrorContains(t, err, "unknown storage type")
}
