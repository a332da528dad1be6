package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Options{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestOpenFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), Options{Addr: addr, DialTimeout: 100 * time.Millisecond}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCreateAndGetDocument(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	doc, err := s.CreateDocument(ctx, "notes", "", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, DefaultAuthor, doc.Author)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, Document{ID: doc.ID, Name: "notes", Author: DefaultAuthor, Created: 1700000000}, got)

	stored, err := mr.Get("texts." + doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored)
	assert.Equal(t, "notes", mr.HGet("documents."+doc.ID, "name"))

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDocuments(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	var ids []string
	for i := 0; i < 3; i++ {
		at := int64(1700000000 + i)
		s.now = func() time.Time { return time.Unix(at, 0) }
		doc, err := s.CreateDocument(ctx, "doc", "ann", "")
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	docs, err = s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, doc := range docs {
		assert.Equal(t, ids[i], doc.ID)
		assert.Equal(t, "ann", doc.Author)
	}
}

func TestDeleteDocument(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	doc, err := s.CreateDocument(ctx, "tmp", "ann", "x")
	require.NoError(t, err)
	require.NoError(t, s.DeleteDocument(ctx, doc.ID))
	assert.False(t, mr.Exists("documents."+doc.ID))
	assert.False(t, mr.Exists("texts."+doc.ID))

	assert.ErrorIs(t, s.DeleteDocument(ctx, doc.ID), ErrNotFound)
}

func TestSaveAndLoadText(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc, err := s.CreateDocument(ctx, "doc", "ann", "v0")
	require.NoError(t, err)

	text, rev, err := s.LoadText(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "v0", text)
	assert.Zero(t, rev)

	require.NoError(t, s.SaveText(ctx, doc.ID, "v5", 5))
	require.NoError(t, s.SaveText(ctx, doc.ID, "v5", 5))
	err = s.SaveText(ctx, doc.ID, "v3", 3)
	assert.ErrorIs(t, err, ErrStaleRevision)

	text, rev, err = s.LoadText(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "v5", text)
	assert.Equal(t, uint64(5), rev)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Revision)

	assert.ErrorIs(t, s.SaveText(ctx, "missing", "x", 1), ErrNotFound)
	_, _, err = s.LoadText(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadTextWithoutTextKey(t *testing.T) {
	s, mr := newTestStore(t)
	mr.HSet("documents.legacy", "id", "legacy", "name", "old", "author", "ann", "revision", "2")

	text, rev, err := s.LoadText(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, uint64(2), rev)
}

func TestNewStoreWrapsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}
