package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"job-1.zip", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../escape.zip", false},
		{`dir\file.zip`, false},
		{"a/b.zip", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "results")
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "job.zip", strings.NewReader("archive"), 7))

	rc, err := s.Open(ctx, "job.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "archive", string(data))

	// no temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, s.Delete(ctx, "job.zip"))
	_, err = s.Open(ctx, "job.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "job.zip"), "deleting a missing key is fine")
}

func TestLocalStore_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Put(ctx, "../x.zip", strings.NewReader("x"), 1))
	_, err = s.Open(ctx, "../x.zip")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "k.zip", strings.NewReader("first"), -1))
	require.NoError(t, s.Put(ctx, "k.zip", strings.NewReader("second"), -1))

	rc, err := s.Open(ctx, "k.zip")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "second", string(data))
}
