// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package submission builds CCDI pathology_file metadata records for
// redacted slides and writes them as submission/submission.csv under the
// output directory.
package submission

import (
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/walteh/slidescrub/pkg/manifest"
	"github.com/walteh/slidescrub/pkg/svs"
	"gitlab.com/tozd/go/errors"
)

// Values fixed across every pathology_file record in the CCDI template.
const (
	recordType             = "pathology_file"
	fileType               = "svs"
	fileMappingLevel       = "sample"
	imageModality          = "Slide Microscopy"
	fileDescription        = "SVS formatted file of H&E-stained WSI"
	licenseValue           = "NA"
	deidentificationMethod = "automatic"
	fixationMethod         = "Formalin fixed paraffin embedded (FFPE)"
)

// Record is one row of the CCDI pathology_file submission template.
type Record struct {
	PathologyFileID string
	FileURLInCDS    string
	StainingMethod  string
	SampleID        string
	FileName        string
	FileSize        int64
	MD5Sum          string
	Magnification   string
}

var header = []string{
	"pathology_file_id", "file_url_in_cds", "staining_method",
	"sample.sample_id", "file_name", "file_size", "md5sum", "magnification",
	"type", "file_type", "file_mapping_level", "image_modality",
	"file_description", "license", "deidentification_method",
	"fixation_embedding_method",
}

func (r Record) row() []string {
	return []string{
		r.PathologyFileID, r.FileURLInCDS, r.StainingMethod,
		r.SampleID, r.FileName, strconv.FormatInt(r.FileSize, 10),
		r.MD5Sum, r.Magnification,
		recordType, fileType, fileMappingLevel, imageModality,
		fileDescription, licenseValue, deidentificationMethod,
		fixationMethod,
	}
}

// Generate builds the record for one redacted slide. The file identity
// comes from the slide's post-scrub ImageID metadata, which matches the
// scrubbed Filename value.
func Generate(ctx context.Context, row manifest.Row, redactedPath string) (Record, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("path", redactedPath).Msg("generating submission metadata record")

	f, err := svs.OpenReadOnly(redactedPath)
	if err != nil {
		return Record{}, errors.Errorf("opening redacted file: %w", err)
	}
	defer f.Close()

	imageID, err := f.ImageID()
	if err != nil {
		return Record{}, errors.Errorf("reading file identity: %w", err)
	}

	st, err := os.Stat(redactedPath)
	if err != nil {
		return Record{}, errors.Errorf("stating redacted file: %w", err)
	}

	checksum, err := md5Checksum(redactedPath)
	if err != nil {
		return Record{}, errors.Errorf("computing checksum: %w", err)
	}

	return Record{
		PathologyFileID: imageID,
		FileURLInCDS:    redactedPath,
		StainingMethod:  row.Stain,
		SampleID:        row.RID,
		FileName:        imageID + ".svs",
		FileSize:        st.Size(),
		MD5Sum:          checksum,
		Magnification:   f.AppMag(),
	}, nil
}

// WriteCSV writes the records to <outDir>/submission/submission.csv.
func WriteCSV(ctx context.Context, outDir string, records []Record) (string, error) {
	dir := filepath.Join(outDir, "submission")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Errorf("creating submission directory: %w", err)
	}
	path := filepath.Join(dir, "submission.csv")

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Errorf("creating submission file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", errors.Errorf("writing submission header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(rec.row()); err != nil {
			return "", errors.Errorf("writing submission record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Errorf("flushing submission records: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("path", path).Int("records", len(records)).Msg("wrote submission metadata")
	return path, nil
}

func md5Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
