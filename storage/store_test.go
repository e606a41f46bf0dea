package storage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropmesh/dropmesh/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Put(ctx, "drop/abc", []byte("record-1"))
	require.NoError(t, err, "put should succeed")

	got, err := store.Get(ctx, "drop/abc")
	require.NoError(t, err, "get should succeed")
	assert.Equal(t, []byte("record-1"), got, "retrieved record should match")

	_, err = store.Get(ctx, "drop/missing")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "missing key should return not found")
}

func TestMemoryStoreScanAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "frag/d1/0", []byte("a")))
	require.NoError(t, store.Put(ctx, "frag/d1/1", []byte("b")))
	require.NoError(t, store.Put(ctx, "frag/d2/0", []byte("c")))
	require.NoError(t, store.Put(ctx, "drop/d1", []byte("d")))

	records, err := store.Scan(ctx, "frag/d1/")
	require.NoError(t, err, "scan should succeed")
	assert.Len(t, records, 2, "scan should only match the prefix")
	assert.Equal(t, []byte("a"), records["frag/d1/0"])

	require.NoError(t, store.Delete(ctx, "frag/d1/0"))
	require.NoError(t, store.Delete(ctx, "frag/d1/0"), "deleting an absent key should not error")

	records, err = store.Scan(ctx, "frag/d1/")
	require.NoError(t, err)
	assert.Len(t, records, 1, "deleted record should not appear in scan")
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := []byte("original")
	require.NoError(t, store.Put(ctx, "k", record))
	record[0] = 'X'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "store should not alias caller buffers")

	got[0] = 'Y'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again, "returned buffers should be independent")
}

func TestFileStoreRoundtrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err, "store creation should succeed")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "drop/abc", []byte("record-1")))
	require.NoError(t, store.Put(ctx, "frag/abc/0", []byte("record-2")))

	got, err := store.Get(ctx, "drop/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("record-1"), got)

	_, err = store.Get(ctx, "drop/missing")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	records, err := store.Scan(ctx, "frag/")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []byte("record-2"), records["frag/abc/0"])

	require.NoError(t, store.Delete(ctx, "drop/abc"))
	_, err = store.Get(ctx, "drop/abc")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "deleted record should be gone")

	assert.True(t, store.Available(ctx), "store on existing directory should be available")
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, "../escape", []byte("x")), "traversal key should be rejected")
	assert.Error(t, store.Put(ctx, "/absolute", []byte("x")), "absolute key should be rejected")
	assert.Error(t, store.Put(ctx, "", []byte("x")), "empty key should be rejected")
}

func TestStoreFactorySchemes(t *testing.T) {
	factory := NewStoreFactory(testLogger())

	loc, err := interfaces.NewStoreLocation("memory://")
	require.NoError(t, err)
	store, err := factory.StoreFor(loc)
	require.NoError(t, err, "memory scheme should resolve")
	assert.Equal(t, "memory", store.Name())

	loc, err = interfaces.NewStoreLocation("file://" + t.TempDir())
	require.NoError(t, err)
	store, err = factory.StoreFor(loc)
	require.NoError(t, err, "file scheme should resolve")
	assert.Contains(t, store.Name(), "file-")

	_, err = interfaces.NewStoreLocation("gopher://nope")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI, "unknown scheme should be rejected at parse")
}

func TestStoreFactoryS3Location(t *testing.T) {
	factory := NewStoreFactory(testLogger())

	loc, err := interfaces.NewStoreLocation("s3://AKID:SECRET@my-bucket/drops/?region=eu-west-1")
	require.NoError(t, err)

	store, err := factory.StoreFor(loc)
	require.NoError(t, err, "s3 scheme should resolve without contacting AWS")
	assert.Equal(t, "s3-my-bucket", store.Name())
}
