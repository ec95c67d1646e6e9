package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "things", "a", sample{Name: "a", Count: 1}, 1000))

	var got sample
	found, err := s.Read(ctx, "things", "a", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sample{Name: "a", Count: 1}, got)
}

func TestReadMissingReturnsFalseNoError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	var got sample
	found, err := s.Read(context.Background(), "things", "missing", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriteKeepsBakShadowOfPreviousPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "things", "a", sample{Name: "a", Count: 1}, 1000))
	require.NoError(t, s.Write(ctx, "things", "a", sample{Name: "a", Count: 2}, 2000))

	var bak sample
	found, err := s.Read(ctx, "things", "a:bak", &bak)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, bak.Count)
}

func TestDeleteRemovesDocument(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "things", "a", sample{Name: "a"}, 1000))
	require.NoError(t, s.Delete(ctx, "things", "a"))

	var got sample
	found, err := s.Read(ctx, "things", "a", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestListIDsExcludesBakEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "things", "a", sample{Name: "a"}, 1000))
	require.NoError(t, s.Write(ctx, "things", "a", sample{Name: "a2"}, 2000))
	require.NoError(t, s.Write(ctx, "things", "b", sample{Name: "b"}, 1000))

	ids, err := s.ListIDs(ctx, "things")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
