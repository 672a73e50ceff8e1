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

// Package upload pushes redacted files to S3 with bounded retries.
package upload

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Uploader pushes one local file to a bucket and returns the remote URI.
type Uploader interface {
	Upload(ctx context.Context, localPath, bucket, key string) (string, error)
}

// PutObjectAPI is the slice of the S3 client the uploader needs. Tests
// substitute a fake; production wiring passes *s3.Client.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader retries failed puts with exponential backoff. Each attempt
// reopens the file so a partially consumed body never poisons a retry.
type S3Uploader struct {
	client  PutObjectAPI
	retries int
	backoff time.Duration
}

// Defaults when the caller passes zero values.
const (
	DefaultRetries = 3
	DefaultBackoff = 2 * time.Second
)

// NewS3Uploader builds an uploader from the ambient AWS credential chain.
// An empty region defers to the chain's own resolution.
func NewS3Uploader(ctx context.Context, region string, retries int, backoff time.Duration) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Errorf("loading AWS configuration: %w", err)
	}
	return NewS3UploaderWithClient(s3.NewFromConfig(cfg), retries, backoff), nil
}

// NewS3UploaderWithClient wires an explicit client, mostly for tests.
func NewS3UploaderWithClient(client PutObjectAPI, retries int, backoff time.Duration) *S3Uploader {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &S3Uploader{client: client, retries: retries, backoff: backoff}
}

// Upload puts localPath at s3://bucket/key. The attempt budget is
// retries; the delay before attempt n is backoff doubled n-1 times.
func (u *S3Uploader) Upload(ctx context.Context, localPath, bucket, key string) (string, error) {
	logger := zerolog.Ctx(ctx)
	uri := fmt.Sprintf("s3://%s/%s", bucket, key)

	var lastErr error
	for attempt := 1; attempt <= u.retries; attempt++ {
		if attempt > 1 {
			delay := u.backoff << (attempt - 2)
			logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("uri", uri).
				Msg("retrying upload")
			select {
			case <-ctx.Done():
				return "", errors.Errorf("upload canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = u.put(ctx, localPath, bucket, key)
		if lastErr == nil {
			logger.Info().Str("uri", uri).Msg("upload complete")
			return uri, nil
		}
	}
	return "", errors.Errorf("uploading %s to %s after %d attempts: %w", localPath, uri, u.retries, lastErr)
}

func (u *S3Uploader) put(ctx context.Context, localPath, bucket, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Errorf("opening file for upload: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.Errorf("stating file for upload: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	})
	if err != nil {
		return errors.Errorf("putting object: %w", err)
	}
	return nil
}
