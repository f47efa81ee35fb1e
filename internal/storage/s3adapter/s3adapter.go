// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package s3adapter implements a storage.LakeAdapter that writes each
// flushed batch as one gzip-compressed JSON-lines object.
package s3adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"github.com/lakesync/gateway/internal/model"
)

// Adapter writes flushed batches to an S3-compatible bucket (AWS S3, or
// any endpoint speaking the same API, per Endpoint below).
type Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

// Options configures Open. Endpoint and Region let the adapter target
// S3-compatible stores (MinIO, etc.) as well as AWS proper.
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func Open(ctx context.Context, opts Options) (*Adapter, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3adapter: load config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Adapter{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// WriteBatch gzip-compresses deltas as JSON-lines and uploads them under
// {prefix}/{table}/{windowStartMs}-{flushID}.jsonl.gz.
func (a *Adapter) WriteBatch(ctx context.Context, table string, windowStartMs int64, flushID string, deltas []model.RowDelta) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, d := range deltas {
		if err := enc.Encode(d); err != nil {
			return "", fmt.Errorf("s3adapter: encode delta %s: %w", d.DeltaID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("s3adapter: close gzip writer: %w", err)
	}

	key := objectKey(a.prefix, table, windowStartMs, flushID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("s3adapter: put object %s: %w", key, err)
	}
	return key, nil
}

func objectKey(prefix, table string, windowStartMs int64, flushID string) string {
	if prefix == "" {
		return fmt.Sprintf("%s/%d-%s.jsonl.gz", table, windowStartMs, flushID)
	}
	return fmt.Sprintf("%s/%s/%d-%s.jsonl.gz", prefix, table, windowStartMs, flushID)
}

// Ping heads a sentinel key so the readiness probe can verify bucket
// reachability without depending on any real data having been written yet.
func (a *Adapter) Ping(ctx context.Context) error {
	key := "_health/ping"
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	// A missing sentinel object is not a reachability failure; anything
	// else (auth, network, bucket) is. Lazily create the sentinel so
	// future pings short-circuit on the HeadObject success path.
	_, putErr := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader([]byte("ok")),
	})
	if putErr != nil {
		return fmt.Errorf("s3adapter: ping: %w", putErr)
	}
	return nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (a *Adapter) Close() error {
	return nil
}
