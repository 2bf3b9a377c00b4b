package binding

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "bindings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetReplace(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	rec, err := s.Set(ctx, " qq:123 ", " qq ", " p1 ")
	require.NoError(t, err)
	assert.Equal(t, Record{SessionKey: "qq:123", PlatformID: "qq", PlayerID: "p1", UpdatedAt: time.UnixMilli(1700000000123).UTC()}, rec)

	got, err := s.Get(ctx, "qq:123")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.Set(ctx, "qq:123", "qq", "p2")
	require.NoError(t, err)
	got, err = s.Get(ctx, "qq:123")
	require.NoError(t, err)
	assert.Equal(t, "p2", got.PlayerID)
}

func TestRejectsEmptyValues(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "  ", "qq", "p1")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = s.Set(ctx, "k", "qq", "")
	assert.Error(t, err)
	_, err = s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndList(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for _, k := range []string{"b", "a", "c"} {
		_, err := s.Set(ctx, k, "cli", "player-"+k)
		require.NoError(t, err)
	}

	ok, err := s.Delete(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].SessionKey)
	assert.Equal(t, "player-c", list[1].PlayerID)
}

func TestReopenKeepsBindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Set(context.Background(), "k", "cli", "p1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PlayerID)
}
