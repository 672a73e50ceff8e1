package svs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/slidescrub/pkg/svs/svstest"
)

func setupTestLogger(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.TestWriter{T: t}).With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}

func setupTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "slidescrub-svs-test-*")
	require.NoError(t, err, "creating temp dir")
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestOpen(t *testing.T) {
	t.Run("parses_full_chain", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		fx := svstest.Write(t, path, svstest.AperioPages([]byte("label pixels"), []byte("macro pixels")), false)

		f, err := Open(path)
		require.NoError(t, err, "opening fixture")
		defer f.Close()

		pages := f.Pages()
		require.Len(t, pages, 3)
		for i, page := range pages {
			assert.Equal(t, fx.PageOffset[i], page.Offset, "page %d offset", i)
		}
		assert.Equal(t, fx.PageOffset[1], pages[0].NextValue)
		assert.Equal(t, fx.PageOffset[2], pages[1].NextValue)
		assert.Equal(t, int64(0), pages[2].NextValue)
		assert.Contains(t, pages[0].Description, "Aperio Image Library")
		assert.Contains(t, pages[1].Description, "label")
	})

	t.Run("parses_bigtiff_variant", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, svstest.AperioPages([]byte("label pixels"), []byte("macro pixels")), true)

		f, err := Open(path)
		require.NoError(t, err, "opening BigTIFF fixture")
		defer f.Close()
		require.Len(t, f.Pages(), 3)
		assert.Contains(t, f.Pages()[2].Description, "macro")
	})

	t.Run("rejects_non_tiff", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "not-a-slide.svs")
		require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 definitely a zip"), 0644))

		_, err := Open(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a TIFF-family file")
	})

	t.Run("rejects_zero_length_tag_table", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		fx := svstest.Write(t, path, svstest.AperioPages([]byte("l"), []byte("m")), false)

		// Corrupt the first page's tag count.
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[fx.PageOffset[0]] = 0
		raw[fx.PageOffset[0]+1] = 0
		require.NoError(t, os.WriteFile(path, raw, 0644))

		_, err = Open(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "zero-length tag table")
	})
}

func TestLocate(t *testing.T) {
	t.Run("finds_label_and_macro_by_substring", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, svstest.AperioPages([]byte("label pixels"), []byte("macro pixels")), false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		label, err := f.Locate(SlotLabel)
		require.NoError(t, err)
		require.NotNil(t, label.Page)
		assert.Equal(t, 1, label.Page.Index)
		assert.False(t, label.Indeterminate)

		macro, err := f.Locate(SlotMacro)
		require.NoError(t, err)
		require.NotNil(t, macro.Page)
		assert.Equal(t, 2, macro.Page.Index)
	})

	t.Run("absent_slot_returns_nil", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")},
			{Desc: "Aperio Image Library v12.0.15\r\nmacro 1600x542", Strip: []byte("macro pixels")},
		}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		label, err := f.Locate(SlotLabel)
		require.NoError(t, err)
		assert.Nil(t, label.Page)
	})

	t.Run("duplicate_label_is_format_violation", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")},
			{Desc: "Aperio Image Library\r\nlabel 415x422", Strip: []byte("one")},
			{Desc: "Aperio Image Library\r\nlabel 415x422", Strip: []byte("two")},
		}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		_, err = f.Locate(SlotLabel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate associated label images")
	})

	t.Run("gt450_uses_positional_pages", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: svstest.GT450BaseDesc, Strip: []byte("baseline")},
			{Desc: "thumbnail", Strip: []byte("thumb")},
			{Desc: "level 1", Strip: []byte("level")},
			{Desc: "", Strip: []byte("label pixels without marker")},
			{Desc: "", Strip: []byte("macro pixels without marker")},
		}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		require.Equal(t, FamilyGT450, f.DetectFamily())

		label, err := f.Locate(SlotLabel)
		require.NoError(t, err)
		require.NotNil(t, label.Page)
		assert.Equal(t, 3, label.Page.Index)
		assert.False(t, label.Indeterminate)

		macro, err := f.Locate(SlotMacro)
		require.NoError(t, err)
		require.NotNil(t, macro.Page)
		assert.Equal(t, 4, macro.Page.Index)
	})

	t.Run("gt450_extra_pages_are_indeterminate", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		pages := []svstest.PageSpec{{Desc: svstest.GT450BaseDesc, Strip: []byte("baseline")}}
		for i := 0; i < 5; i++ {
			pages = append(pages, svstest.PageSpec{Desc: "", Strip: []byte("page")})
		}
		svstest.Write(t, path, pages, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		label, err := f.Locate(SlotLabel)
		require.NoError(t, err)
		assert.True(t, label.Indeterminate)
		require.NotNil(t, label.Page, "redaction still targets the positional page")
	})
}

func TestRemoveAssociatedImage(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("removes_label_preserving_length_and_survivors", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		labelStrip := []byte("label pixels that must be destroyed")
		fx := svstest.Write(t, path, svstest.AperioPages(labelStrip, []byte("macro pixels")), false)

		before, err := os.ReadFile(path)
		require.NoError(t, err)

		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.RemoveAssociatedImage(ctx, SlotLabel))
		require.NoError(t, f.Close())

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, len(before), len(after), "file length must not change")

		// Label strip bytes zeroed.
		stripRange := after[fx.StripOff[1] : fx.StripOff[1]+int64(len(labelStrip))]
		assert.Equal(t, make([]byte, len(labelStrip)), stripRange, "label strip must be zeroed")

		// Label IFD block zeroed, tag table included.
		ifdLen := int64(2 + 3*12 + 4)
		ifdRange := after[fx.PageOffset[1] : fx.PageOffset[1]+ifdLen]
		assert.Equal(t, make([]byte, ifdLen), ifdRange, "label IFD block must be zeroed")

		// Surviving pages byte-for-byte intact.
		assert.Equal(t,
			before[fx.StripOff[0]:fx.StripOff[0]+10],
			after[fx.StripOff[0]:fx.StripOff[0]+10],
			"baseline strip must survive")
		assert.Equal(t,
			before[fx.StripOff[2]:fx.StripOff[2]+10],
			after[fx.StripOff[2]:fx.StripOff[2]+10],
			"macro strip must survive")

		// A fresh walk never visits the removed page.
		reopened, err := OpenReadOnly(path)
		require.NoError(t, err)
		defer reopened.Close()
		require.Len(t, reopened.Pages(), 2)
		for _, page := range reopened.Pages() {
			assert.NotEqual(t, fx.PageOffset[1], page.Offset)
			assert.NotContains(t, page.Description, "label")
		}
		assert.Equal(t, fx.PageOffset[2], reopened.Pages()[0].NextValue, "predecessor must point past the removed page")
	})

	t.Run("missing_slot_is_noop", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")},
			{Desc: "Aperio Image Library\r\nmacro 1600x542", Strip: []byte("macro pixels")},
		}, false)

		before, err := os.ReadFile(path)
		require.NoError(t, err)

		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.RemoveAssociatedImage(ctx, SlotLabel))
		require.NoError(t, f.Close())

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(before, after), "file must be unchanged")
	})

	t.Run("removal_is_idempotent_after_reopen", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, svstest.AperioPages([]byte("label pixels"), []byte("macro pixels")), false)

		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.RemoveAssociatedImage(ctx, SlotLabel))
		require.NoError(t, f.Close())

		before, err := os.ReadFile(path)
		require.NoError(t, err)

		f, err = Open(path)
		require.NoError(t, err)
		require.NoError(t, f.RemoveAssociatedImage(ctx, SlotLabel))
		require.NoError(t, f.Close())

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(before, after))
	})

	t.Run("tiled_page_is_unsupported", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")},
			{Desc: "Aperio Image Library\r\nlabel 415x422", Strip: []byte("tiles"), Tiled: true},
		}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		err = f.RemoveAssociatedImage(ctx, SlotLabel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported layout")
	})

	t.Run("no_predecessor_is_chain_corruption", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		// The first page matches the slot; nothing points at the 0th IFD.
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: "Aperio Image Library\r\nlabel 415x422", Strip: []byte("label pixels")},
			{Desc: "something else", Strip: []byte("other")},
		}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		err = f.RemoveAssociatedImage(ctx, SlotLabel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no page points to offset")
	})

	t.Run("removes_both_gt450_positional_pages", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{
			{Desc: svstest.GT450BaseDesc, Strip: []byte("baseline")},
			{Desc: "thumbnail", Strip: []byte("thumb")},
			{Desc: "level 1", Strip: []byte("level")},
			{Desc: "", Strip: []byte("label pixels")},
			{Desc: "", Strip: []byte("macro pixels")},
		}, false)

		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.RemoveAssociatedImage(ctx, SlotLabel))
		require.NoError(t, f.RemoveAssociatedImage(ctx, SlotMacro))
		require.NoError(t, f.Close())

		reopened, err := OpenReadOnly(path)
		require.NoError(t, err)
		defer reopened.Close()
		assert.Len(t, reopened.Pages(), 3)
	})
}

func TestScrubFilenames(t *testing.T) {
	ctx := setupTestLogger(t)

	dirtyDesc := "Aperio Image Library v12.0.15\r\n40000x30000|AppMag = 40|Filename = OLD-1234|ImageID = NEW-5678|Date = 01/02/24"

	t.Run("rewrites_filename_in_place", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{{Desc: dirtyDesc, Strip: []byte("baseline")}}, false)

		sizeBefore := fileSize(t, path)

		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.ScrubFilenames(ctx))
		require.NoError(t, f.Close())

		assert.Equal(t, sizeBefore, fileSize(t, path))

		reopened, err := OpenReadOnly(path)
		require.NoError(t, err)
		defer reopened.Close()
		assert.Contains(t, reopened.Pages()[0].Description, "Filename = NEW-5678")
		assert.NotContains(t, reopened.Pages()[0].Description, "OLD-1234")

		clean, present, err := reopened.FilenameClean(&reopened.Pages()[0])
		require.NoError(t, err)
		assert.True(t, present)
		assert.True(t, clean)
	})

	t.Run("already_clean_is_noop", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")}}, false)

		before, err := os.ReadFile(path)
		require.NoError(t, err)

		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.ScrubFilenames(ctx))
		require.NoError(t, f.Close())

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(before, after))
	})

	t.Run("page_without_filename_is_skipped", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{{Desc: "no identity fragments here", Strip: []byte("baseline")}}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, f.ScrubFilenames(ctx))
	})

	t.Run("length_change_is_scrub_failure", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		desc := "Aperio Image Library|Filename = SHORT|ImageID = MUCH-LONGER-ID|x"
		svstest.Write(t, path, []svstest.PageSpec{{Desc: desc, Strip: []byte("baseline")}}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		err = f.ScrubFilenames(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not fit in place")
	})

	t.Run("extra_identity_fragments_are_fatal", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		desc := "Aperio Image Library|Filename = A|ImageID = B|Filename = C|x"
		svstest.Write(t, path, []svstest.PageSpec{{Desc: desc, Strip: []byte("baseline")}}, false)

		f, err := Open(path)
		require.NoError(t, err)
		defer f.Close()

		err = f.ScrubFilenames(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "more than 2")
	})
}

func TestValidate(t *testing.T) {
	ctx := setupTestLogger(t)

	t.Run("clean_file_reports_deidentified", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, []svstest.PageSpec{{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")}}, false)

		f, err := OpenReadOnly(path)
		require.NoError(t, err)
		defer f.Close()

		report, err := f.Validate(ctx)
		require.NoError(t, err)
		assert.True(t, report.CleanFilename)
		assert.True(t, report.NoLabel)
		assert.True(t, report.NoMacro)
		assert.True(t, report.Deidentified())
	})

	t.Run("label_and_macro_pages_are_flagged", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		svstest.Write(t, path, svstest.AperioPages([]byte("l"), []byte("m")), false)

		f, err := OpenReadOnly(path)
		require.NoError(t, err)
		defer f.Close()

		report, err := f.Validate(ctx)
		require.NoError(t, err)
		assert.False(t, report.NoLabel)
		assert.False(t, report.NoMacro)
		assert.False(t, report.Deidentified())
	})

	t.Run("gt450_extra_pages_flag_both_slots", func(t *testing.T) {
		dir := setupTestDir(t)
		path := filepath.Join(dir, "slide.svs")
		pages := []svstest.PageSpec{{Desc: svstest.GT450BaseDesc, Strip: []byte("baseline")}}
		for i := 0; i < 5; i++ {
			pages = append(pages, svstest.PageSpec{Desc: "", Strip: []byte("page")})
		}
		svstest.Write(t, path, pages, false)

		f, err := OpenReadOnly(path)
		require.NoError(t, err)
		defer f.Close()

		report, err := f.Validate(ctx)
		require.NoError(t, err)
		assert.False(t, report.NoLabel)
		assert.False(t, report.NoMacro)
	})
}

func TestImageID(t *testing.T) {
	dir := setupTestDir(t)
	path := filepath.Join(dir, "slide.svs")
	svstest.Write(t, path, []svstest.PageSpec{{Desc: svstest.AperioBaseDesc, Strip: []byte("baseline")}}, false)

	f, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer f.Close()

	id, err := f.ImageID()
	require.NoError(t, err)
	assert.Equal(t, "SRC-0042", id)
	assert.Equal(t, "40", f.AppMag())
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	return st.Size()
}
