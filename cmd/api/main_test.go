package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treesync/internal/config"
	"treesync/internal/storage"
)

func TestOpenBlobsBackends(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()
	mr := miniredis.RunT(t)

	cases := []struct {
		name string
		cfg  config.Config
	}{
		{"memory", config.Config{BlobBackend: "memory"}},
		{"redis", config.Config{BlobBackend: "redis", RedisURL: "redis://" + mr.Addr()}},
		{"git", config.Config{BlobBackend: "git", GitDir: filepath.Join(t.TempDir(), "data", "snapshots.git")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blobs, closer, err := openBlobs(ctx, tc.cfg, log)
			require.NoError(t, err)
			if closer != nil {
				defer closer.Close()
			}
			require.NoError(t, blobs.Set(ctx, "doc-abc", []byte("x")))
			got, err := blobs.Get(ctx, "doc-abc")
			require.NoError(t, err)
			assert.Equal(t, []byte("x"), got)
		})
	}
}

func TestOpenBlobsRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	_, _, err := openBlobs(ctx, config.Config{BlobBackend: "tape"}, log)
	assert.Error(t, err)

	_, _, err = openBlobs(ctx, config.Config{BlobBackend: "redis"}, log)
	assert.Error(t, err)
}

func TestRedisBackendServesLists(t *testing.T) {
	mr := miniredis.RunT(t)
	blobs, closer, err := openBlobs(context.Background(), config.Config{BlobBackend: "redis", RedisURL: "redis://" + mr.Addr()}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer closer.Close()

	_, ok := blobs.(storage.ListStore)
	assert.True(t, ok)
}
