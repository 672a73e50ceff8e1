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

// Package config resolves the run configuration from three layers with
// fixed precedence: environment variables, then a config file, then
// command-line flags. Each layer produces an Overlay; Resolve merges
// them over the defaults, later layers winning field by field.
package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Config is the fully resolved run configuration.
type Config struct {
	Manifest string
	OutDir   string

	S3Bucket string
	S3Prefix string
	S3Region string

	LogLevel string
	Workers  int
	MaxFiles int

	DryRun       bool
	AllowPartial bool
	FailFast     bool
	Resume       bool
	KeepLocal    bool

	SkipGlobs []string

	UploadRetries int
	UploadBackoff time.Duration
}

// Defaults returns the baseline configuration that overlays are merged
// over. KeepLocal defaults to true: redacted files stay on disk unless a
// layer explicitly opts into post-upload deletion.
func Defaults() Config {
	return Config{
		LogLevel:      "info",
		Workers:       1,
		KeepLocal:     true,
		UploadRetries: 3,
		UploadBackoff: 2 * time.Second,
	}
}

// Overlay is one layer's partial configuration. Nil fields leave the
// lower layers' values untouched.
type Overlay struct {
	Manifest *string `yaml:"manifest,omitempty" hcl:"manifest,optional"`
	OutDir   *string `yaml:"out_dir,omitempty" hcl:"out_dir,optional"`

	S3Bucket *string `yaml:"s3_bucket,omitempty" hcl:"s3_bucket,optional"`
	S3Prefix *string `yaml:"s3_prefix,omitempty" hcl:"s3_prefix,optional"`
	S3Region *string `yaml:"s3_region,omitempty" hcl:"s3_region,optional"`

	LogLevel *string `yaml:"log_level,omitempty" hcl:"log_level,optional"`
	Workers  *int    `yaml:"workers,omitempty" hcl:"workers,optional"`
	MaxFiles *int    `yaml:"max_files,omitempty" hcl:"max_files,optional"`

	DryRun       *bool `yaml:"dry_run,omitempty" hcl:"dry_run,optional"`
	AllowPartial *bool `yaml:"allow_partial,omitempty" hcl:"allow_partial,optional"`
	FailFast     *bool `yaml:"fail_fast,omitempty" hcl:"fail_fast,optional"`
	Resume       *bool `yaml:"resume,omitempty" hcl:"resume,optional"`
	KeepLocal    *bool `yaml:"keep_local,omitempty" hcl:"keep_local,optional"`

	SkipGlobs []string `yaml:"skip_globs,omitempty" hcl:"skip_globs,optional"`

	UploadRetries        *int `yaml:"upload_retries,omitempty" hcl:"upload_retries,optional"`
	UploadBackoffSeconds *int `yaml:"upload_backoff_seconds,omitempty" hcl:"upload_backoff_seconds,optional"`
}

// Resolve merges the overlays over the defaults, in order, later
// overlays winning. The result is validated before being returned.
func Resolve(ctx context.Context, overlays ...*Overlay) (*Config, error) {
	cfg := Defaults()
	for _, o := range overlays {
		if o == nil {
			continue
		}
		o.apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("manifest", cfg.Manifest).
		Str("out_dir", cfg.OutDir).
		Str("s3_bucket", cfg.S3Bucket).
		Int("workers", cfg.Workers).
		Bool("dry_run", cfg.DryRun).
		Bool("keep_local", cfg.KeepLocal).
		Msg("resolved configuration")
	return &cfg, nil
}

func (o *Overlay) apply(cfg *Config) {
	setString(&cfg.Manifest, o.Manifest)
	setString(&cfg.OutDir, o.OutDir)
	setString(&cfg.S3Bucket, o.S3Bucket)
	setString(&cfg.S3Prefix, o.S3Prefix)
	setString(&cfg.S3Region, o.S3Region)
	setString(&cfg.LogLevel, o.LogLevel)
	setInt(&cfg.Workers, o.Workers)
	setInt(&cfg.MaxFiles, o.MaxFiles)
	setBool(&cfg.DryRun, o.DryRun)
	setBool(&cfg.AllowPartial, o.AllowPartial)
	setBool(&cfg.FailFast, o.FailFast)
	setBool(&cfg.Resume, o.Resume)
	setBool(&cfg.KeepLocal, o.KeepLocal)
	if o.SkipGlobs != nil {
		cfg.SkipGlobs = o.SkipGlobs
	}
	setInt(&cfg.UploadRetries, o.UploadRetries)
	if o.UploadBackoffSeconds != nil {
		cfg.UploadBackoff = time.Duration(*o.UploadBackoffSeconds) * time.Second
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Validate enforces the cross-field rules that no single layer can
// check on its own.
func (cfg *Config) Validate() error {
	if cfg.Manifest == "" {
		return errors.Errorf("manifest path is required")
	}
	if cfg.OutDir == "" {
		return errors.Errorf("output directory is required")
	}
	if cfg.Workers < 1 {
		return errors.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.MaxFiles < 0 {
		return errors.Errorf("max_files must not be negative, got %d", cfg.MaxFiles)
	}
	if !cfg.KeepLocal && cfg.S3Bucket == "" && !cfg.DryRun {
		return errors.Errorf("keep_local=false requires an s3_bucket: refusing to delete files that were never uploaded")
	}
	return nil
}

// Env variable names recognized by FromEnv.
const (
	envManifest     = "SLIDESCRUB_MANIFEST"
	envOutDir       = "SLIDESCRUB_OUT_DIR"
	envS3Bucket     = "SLIDESCRUB_S3_BUCKET"
	envS3Prefix     = "SLIDESCRUB_S3_PREFIX"
	envS3Region     = "SLIDESCRUB_S3_REGION"
	envLogLevel     = "SLIDESCRUB_LOG_LEVEL"
	envWorkers      = "SLIDESCRUB_WORKERS"
	envMaxFiles     = "SLIDESCRUB_MAX_FILES"
	envDryRun       = "SLIDESCRUB_DRY_RUN"
	envAllowPartial = "SLIDESCRUB_ALLOW_PARTIAL"
	envFailFast     = "SLIDESCRUB_FAIL_FAST"
	envResume       = "SLIDESCRUB_RESUME"
	envKeepLocal    = "SLIDESCRUB_KEEP_LOCAL"
)

// FromEnv builds the environment overlay. Unset variables leave their
// fields nil; malformed numeric or boolean values are an error rather
// than a silent default.
func FromEnv(ctx context.Context) (*Overlay, error) {
	o := &Overlay{}

	for _, s := range []struct {
		name string
		dst  **string
	}{
		{envManifest, &o.Manifest},
		{envOutDir, &o.OutDir},
		{envS3Bucket, &o.S3Bucket},
		{envS3Prefix, &o.S3Prefix},
		{envS3Region, &o.S3Region},
		{envLogLevel, &o.LogLevel},
	} {
		if v, ok := os.LookupEnv(s.name); ok {
			value := v
			*s.dst = &value
		}
	}

	for _, s := range []struct {
		name string
		dst  **int
	}{
		{envWorkers, &o.Workers},
		{envMaxFiles, &o.MaxFiles},
	} {
		if v, ok := os.LookupEnv(s.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.Errorf("parsing %s=%q: %w", s.name, v, err)
			}
			*s.dst = &n
		}
	}

	for _, s := range []struct {
		name string
		dst  **bool
	}{
		{envDryRun, &o.DryRun},
		{envAllowPartial, &o.AllowPartial},
		{envFailFast, &o.FailFast},
		{envResume, &o.Resume},
		{envKeepLocal, &o.KeepLocal},
	} {
		if v, ok := os.LookupEnv(s.name); ok {
			b, err := parseBool(v)
			if err != nil {
				return nil, errors.Errorf("parsing %s=%q: %w", s.name, v, err)
			}
			*s.dst = &b
		}
	}

	return o, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, errors.Errorf("not a boolean value")
}
