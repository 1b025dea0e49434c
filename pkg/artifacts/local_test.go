package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "local", s.Mode())

	d1 := DeploymentPrefix("t1", "b1", "s1", "d1")
	d10 := DeploymentPrefix("t1", "b1", "s1", "d10")

	files := []string{"index.html", "styles.css", "about/index.html", "about/script.js"}
	for _, f := range files {
		require.NoError(t, s.Put(ctx, Join(d1, f), []byte("body "+f), "text/plain"))
	}
	require.NoError(t, s.Put(ctx, Join(d10, "index.html"), []byte("other"), "text/html"))

	ok, err := s.Exists(ctx, EntryPath(d1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, Join(d1, "missing.html"))
	require.NoError(t, err)
	assert.False(t, ok)

	// a directory is not an object
	ok, err = s.Exists(ctx, Join(d1, "about"))
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.List(ctx, d1)
	require.NoError(t, err)
	assert.Len(t, keys, len(files))
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, d1+"/"), k)
	}

	n, err := s.DeleteAll(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, len(files), n)

	keys, err = s.List(ctx, d1)
	require.NoError(t, err)
	assert.Empty(t, keys)

	ok, err = s.Exists(ctx, EntryPath(d10))
	require.NoError(t, err)
	assert.True(t, ok, "sibling prefix must survive")
}

func TestLocalStoreRefusesUnsafeDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "tenant/t1/keep.txt", []byte("x"), "text/plain"))

	for _, p := range []string{"", "/", "tenant", "tenant/t1"} {
		_, err := s.DeleteAll(ctx, p)
		assert.ErrorIs(t, err, ErrUnsafePrefix)
	}

	_, err = os.Stat(filepath.Join(root, "tenant", "t1", "keep.txt"))
	assert.NoError(t, err)
}

func TestLocalStoreRejectsEscapingPaths(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	err = s.Put(context.Background(), "../outside.txt", []byte("x"), "text/plain")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestLocalStoreSignedURL(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	u, err := s.SignedURL(context.Background(), "a/b/index.html", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "a/b/index.html"))
}

func TestLocalStoreFailedPutLeavesNoTempFile(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	d1 := DeploymentPrefix("t1", "b1", "s1", "d1")
	// a directory in the way makes the final rename fail
	require.NoError(t, s.Put(ctx, Join(d1, "index.html/nested.css"), []byte("x"), "text/css"))
	assert.Error(t, s.Put(ctx, Join(d1, "index.html"), []byte("home"), "text/html"))

	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(d1)))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), e.Name())
	}

	keys, err := s.List(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, []string{Join(d1, "index.html/nested.css")}, keys)
}
