package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.TestWriter{T: t}).With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}

func TestStatusRoundTrip(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("save_and_reload", func(t *testing.T) {
		dir := t.TempDir()
		store := NewStore(dir)
		store.Put(Record{
			Destination:  "/out/svs/svs_a.svs",
			SourceHash:   "hash-a",
			Status:       StatusSuccess,
			MD5:          "d41d8cd98f00b204e9800998ecf8427e",
			UploadStatus: UploadUploaded,
			S3URI:        "s3://bucket/svs_a.svs",
			LocalDeleted: true,
		})
		store.Put(Record{
			Destination:  "/out/svs/svs_b.svs",
			SourceHash:   "hash-b",
			Status:       StatusFailed,
			Error:        "not a TIFF-family file",
			UploadStatus: UploadNotRequested,
		})
		require.NoError(t, store.SaveStatus(ctx))

		fresh := NewStore(dir)
		require.NoError(t, fresh.LoadStatus(ctx))

		recs := fresh.Records()
		require.Len(t, recs, 2)
		assert.Equal(t, "hash-a", recs[0].SourceHash)
		assert.True(t, recs[0].LocalDeleted)
		assert.Equal(t, StatusFailed, recs[1].Status)
		assert.Equal(t, "not a TIFF-family file", recs[1].Error)
		assert.False(t, recs[1].LocalDeleted)

		rec, ok := fresh.Lookup("/out/svs/svs_a.svs")
		require.True(t, ok)
		assert.Equal(t, "s3://bucket/svs_a.svs", rec.S3URI)
	})

	t.Run("missing_file_loads_empty", func(t *testing.T) {
		store := NewStore(t.TempDir())
		require.NoError(t, store.LoadStatus(ctx))
		assert.Empty(t, store.Records())
	})

	t.Run("put_upserts_by_destination", func(t *testing.T) {
		store := NewStore(t.TempDir())
		store.Put(Record{Destination: "/out/svs/svs_a.svs", Status: StatusFailed, Error: "boom"})
		store.Put(Record{Destination: "/out/svs/svs_a.svs", Status: StatusSuccess})

		recs := store.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, StatusSuccess, recs[0].Status)
		assert.Empty(t, recs[0].Error)
	})

	t.Run("unexpected_header_is_rejected", func(t *testing.T) {
		dir := t.TempDir()
		store := NewStore(dir)
		require.NoError(t, os.MkdirAll(filepath.Dir(store.StatusPath()), 0755))
		require.NoError(t, os.WriteFile(store.StatusPath(), []byte("a,b\n1,2\n"), 0644))

		err := store.LoadStatus(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected")
	})

	t.Run("save_leaves_no_temp_file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewStore(dir)
		store.Put(Record{Destination: "/out/svs/svs_a.svs", Status: StatusPlanned})
		require.NoError(t, store.SaveStatus(ctx))

		_, err := os.Stat(store.StatusPath() + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})
}

func TestRemoteManifest(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("round_trip_and_lookup", func(t *testing.T) {
		dir := t.TempDir()
		store := NewStore(dir)
		store.PutRemote(RemoteEntry{LocalPath: "/out/svs/a.svs", S3URI: "s3://b/a.svs"})
		store.PutRemote(RemoteEntry{LocalPath: "/out/svs/c.svs", S3URI: "s3://b/c.svs"})
		require.NoError(t, store.SaveRemoteManifest(ctx))

		fresh := NewStore(dir)
		require.NoError(t, fresh.LoadRemoteManifest(ctx))

		uri, ok := fresh.RemoteURI("/out/svs/a.svs")
		require.True(t, ok)
		assert.Equal(t, "s3://b/a.svs", uri)

		_, ok = fresh.RemoteURI("/out/svs/unknown.svs")
		assert.False(t, ok)
	})

	t.Run("put_remote_upserts_by_local_path", func(t *testing.T) {
		store := NewStore(t.TempDir())
		store.PutRemote(RemoteEntry{LocalPath: "/out/a.svs", S3URI: "s3://b/old"})
		store.PutRemote(RemoteEntry{LocalPath: "/out/a.svs", S3URI: "s3://b/new"})

		uri, ok := store.RemoteURI("/out/a.svs")
		require.True(t, ok)
		assert.Equal(t, "s3://b/new", uri)
	})
}

func TestWriteJournal(t *testing.T) {
	ctx := setupTestLogger(t)

	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.WriteJournal(ctx, Journal{
		Manifest:     "/data/manifest.csv",
		OutDir:       dir,
		S3Bucket:     "bucket",
		ManifestRows: 3,
		Succeeded:    2,
		Failed:       1,
	}))

	raw, err := os.ReadFile(store.JournalPath())
	require.NoError(t, err)

	var journal Journal
	require.NoError(t, json.Unmarshal(raw, &journal))
	assert.Equal(t, JournalVersion, journal.Version)
	assert.NotEmpty(t, journal.GeneratedAt)
	assert.Equal(t, 3, journal.ManifestRows)
	assert.Equal(t, 2, journal.Succeeded)
	assert.Equal(t, 1, journal.Failed)
}
