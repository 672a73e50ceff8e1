package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/slidescrub/pkg/manifest"
)

func setupTestLogger(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.TestWriter{T: t}).With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}

func TestCopyAndStrip(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("failed_source_records_error_and_leaves_no_file", func(t *testing.T) {
		dir := t.TempDir()
		pair := manifest.Pair{
			Source:      filepath.Join(dir, "does-not-exist.svs"),
			Destination: filepath.Join(dir, "out", "svs_x.svs"),
		}
		tracker := NewTracker([]manifest.Pair{pair})

		result := CopyAndStrip(ctx, pair, tracker, 0)
		assert.Equal(t, StatusFailed, result.Status)
		assert.NotEmpty(t, result.Error)

		_, err := os.Stat(pair.Destination)
		assert.True(t, os.IsNotExist(err), "no destination file may remain")

		snap := tracker.Snapshot()
		assert.True(t, snap[0].Done)
		assert.True(t, snap[0].Failed)
		assert.NotEmpty(t, snap[0].FailureMessage)
	})

	t.Run("interrupted_copy_leaves_no_partial_file", func(t *testing.T) {
		dir := t.TempDir()
		source := filepath.Join(dir, "actually-a-directory.svs")
		require.NoError(t, os.MkdirAll(source, 0755))
		pair := manifest.Pair{
			Source:      source,
			Destination: filepath.Join(dir, "out", "svs_x.svs"),
		}
		tracker := NewTracker([]manifest.Pair{pair})

		result := CopyAndStrip(ctx, pair, tracker, 0)
		assert.Equal(t, StatusFailed, result.Status)
		assert.NotEmpty(t, result.Error)

		_, err := os.Stat(pair.Destination)
		assert.True(t, os.IsNotExist(err), "partial copy must be deleted")
	})

	t.Run("invalid_slide_is_cleaned_up_after_copy", func(t *testing.T) {
		dir := t.TempDir()
		source := filepath.Join(dir, "garbage.svs")
		require.NoError(t, os.WriteFile(source, []byte("not a tiff at all"), 0644))
		pair := manifest.Pair{
			Source:      source,
			Destination: filepath.Join(dir, "out", "svs_x.svs"),
		}
		tracker := NewTracker([]manifest.Pair{pair})

		result := CopyAndStrip(ctx, pair, tracker, 0)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Error, "not a TIFF-family file")

		_, err := os.Stat(pair.Destination)
		assert.True(t, os.IsNotExist(err), "partial destination must be deleted")
	})

	t.Run("existing_destination_gets_collision_suffix", func(t *testing.T) {
		dir := t.TempDir()
		destDir := filepath.Join(dir, "out")
		require.NoError(t, os.MkdirAll(destDir, 0755))
		dest := filepath.Join(destDir, "svs_x.svs")
		require.NoError(t, os.WriteFile(dest, []byte("occupied"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(destDir, "svs_x(1).svs"), []byte("also occupied"), 0644))

		got, renamed, err := availableName(dest)
		require.NoError(t, err)
		assert.True(t, renamed)
		assert.Equal(t, filepath.Join(destDir, "svs_x(2).svs"), got)
	})
}

func TestTracker(t *testing.T) {
	t.Run("snapshot_is_isolated_copy", func(t *testing.T) {
		tracker := NewTracker([]manifest.Pair{{Source: "a"}, {Source: "b"}})
		snap := tracker.Snapshot()
		snap[0].Failed = true

		fresh := tracker.Snapshot()
		assert.False(t, fresh[0].Failed, "mutating a snapshot must not leak back")
	})

	t.Run("concurrent_updates_are_serialized", func(t *testing.T) {
		pairs := make([]manifest.Pair, 64)
		tracker := NewTracker(pairs)

		var wg sync.WaitGroup
		for i := range pairs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tracker.Update(i, func(p *Progress) { p.Done = true })
			}(i)
		}
		wg.Wait()

		assert.Equal(t, len(pairs), tracker.DoneCount())
	})

	t.Run("out_of_range_update_is_ignored", func(t *testing.T) {
		tracker := NewTracker(nil)
		tracker.Update(3, func(p *Progress) { p.Done = true })
		assert.Empty(t, tracker.Snapshot())
	})
}
