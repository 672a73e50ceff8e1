package manifest

import (
	"context"
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

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "writing manifest")
	return path
}

const validHeader = "location,rid,specnum_formatted,stain,sample_id\n"

func TestLoad(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("loads_rows_in_order", func(t *testing.T) {
		dir := t.TempDir()
		path := writeManifest(t, dir, validHeader+
			"/data/a.svs,R1,S1,H&E,SA1\n"+
			"/data/b.svs,R2,S2,H&E,SA2\n")

		rows, err := Load(ctx, path, LoadOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "/data/a.svs", rows[0].Location)
		assert.Equal(t, "R1", rows[0].RID)
		assert.Equal(t, "S2", rows[1].Specnum)
		assert.Equal(t, "SA2", rows[1].SampleID)
	})

	t.Run("missing_required_column_is_rejected", func(t *testing.T) {
		dir := t.TempDir()
		path := writeManifest(t, dir, "location,rid,stain,sample_id\n/data/a.svs,R1,H&E,SA1\n")

		_, err := Load(ctx, path, LoadOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "specnum_formatted")
	})

	t.Run("empty_location_rows_dropped_preserving_order", func(t *testing.T) {
		dir := t.TempDir()
		path := writeManifest(t, dir, validHeader+
			"/data/a.svs,R1,S1,H&E,SA1\n"+
			",R2,S2,H&E,SA2\n"+
			"/data/c.svs,R3,S3,H&E,SA3\n")

		rows, err := Load(ctx, path, LoadOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "R1", rows[0].RID)
		assert.Equal(t, "R3", rows[1].RID)
	})

	t.Run("relative_locations_resolve_against_manifest_dir", func(t *testing.T) {
		dir := t.TempDir()
		path := writeManifest(t, dir, validHeader+"slides/a.svs,R1,S1,H&E,SA1\n")

		rows, err := Load(ctx, path, LoadOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, filepath.Join(dir, "slides", "a.svs"), rows[0].Location)
	})

	t.Run("skip_globs_drop_matching_rows", func(t *testing.T) {
		dir := t.TempDir()
		path := writeManifest(t, dir, validHeader+
			"/data/keep/a.svs,R1,S1,H&E,SA1\n"+
			"/data/exclude/b.svs,R2,S2,H&E,SA2\n")

		rows, err := Load(ctx, path, LoadOptions{SkipGlobs: []string{"/data/exclude/**"}})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "R1", rows[0].RID)
	})

	t.Run("empty_manifest_is_rejected", func(t *testing.T) {
		dir := t.TempDir()
		path := writeManifest(t, dir, "")

		_, err := Load(ctx, path, LoadOptions{})
		require.Error(t, err)
	})
}

func TestDestinationBasename(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := DestinationBasename("R1", "S1")
		b := DestinationBasename("R1", "S1")
		assert.Equal(t, a, b)
	})

	t.Run("distinct_inputs_differ", func(t *testing.T) {
		assert.NotEqual(t, DestinationBasename("R1", "S1"), DestinationBasename("R2", "S1"))
		assert.NotEqual(t, DestinationBasename("R1", "S1"), DestinationBasename("R1", "S2"))
	})

	t.Run("shape", func(t *testing.T) {
		name := DestinationBasename("R1", "S1")
		assert.Regexp(t, `^svs_[0-9a-f]{16}\.svs$`, name)
	})
}

func TestPairs(t *testing.T) {
	rows := []Row{
		{Location: "/data/a.svs", RID: "R1", Specnum: "S1"},
		{Location: "/data/b.svs", RID: "R2", Specnum: "S2"},
	}
	pairs := Pairs(rows, "/out")
	require.Len(t, pairs, 2)
	assert.Equal(t, "/data/a.svs", pairs[0].Source)
	assert.Equal(t, filepath.Join("/out", "svs", DestinationBasename("R1", "S1")), pairs[0].Destination)
	assert.NotEqual(t, pairs[0].Destination, pairs[1].Destination)
}
