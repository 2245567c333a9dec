// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// Uploader writes one object. *GCSUploader is the production implementation.
type Uploader interface {
	Upload(ctx context.Context, object, contentType string, r io.Reader) error
	Bucket() string
}

// GCSUploader uploads to one Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates an uploader for bucket.
//
// # Inputs
//
//   - ctx: Context for client creation
//   - bucket: Bucket name, without gs://
//   - credentialsFile: Service account key path. Empty uses application
//     default credentials.
func NewGCSUploader(ctx context.Context, bucket, credentialsFile string) (*GCSUploader, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

// Bucket returns the bucket name.
func (u *GCSUploader) Bucket() string {
	return u.bucket
}

// Upload implements Uploader.
func (u *GCSUploader) Upload(ctx context.Context, object, contentType string, r io.Reader) error {
	w := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy export to GCS object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// GCSSink uploads the export as gs://<bucket>/<prefix>/<filename>.
type GCSSink struct {
	Uploader Uploader
	Prefix   string
	Format   capability.Format
}

// Name implements Sink.
func (g *GCSSink) Name() string {
	return "gcs"
}

// Publish implements Sink.
func (g *GCSSink) Publish(ctx context.Context, run *capability.BatchRun, meta capability.Metadata) (string, error) {
	buf, err := render(run, meta, g.Format)
	if err != nil {
		return "", err
	}
	object := path.Join(g.Prefix, capability.Filename(run, meta, g.Format))
	if err := g.Uploader.Upload(ctx, object, g.Format.ContentType(), buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", g.Uploader.Bucket(), object), nil
}
