// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package objectstore wraps the S3-compatible blob store holding the source,
// clean and lake containers.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline/config"
)

var (
	// Error is the default objectstore errs class.
	Error = errs.Class("objectstore")
	// ErrNotFound is returned by Download when the blob does not exist.
	ErrNotFound = errs.Class("object not found")

	mon = monkit.Package()
)

// Tag keys used across the containers. Source and clean blobs carry the
// document id, lake blobs carry the dataset hash they were derived from.
const (
	TagDocumentID  = "document_id"
	TagDatasetHash = "dataset_hash"
)

// Store is a thin client over the three pipeline containers.
type Store struct {
	client *minio.Client

	Source string
	Clean  string
	Lake   string
}

// Open parses the connection string
// (endpoint=...;accessKey=...;secretKey=...;useSSL=...) and connects.
func Open(cfg config.StorageConfig) (*Store, error) {
	endpoint, accessKey, secretKey, useSSL, err := parseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Store{
		client: client,
		Source: cfg.SourceContainer,
		Clean:  cfg.CleanContainer,
		Lake:   cfg.LakeContainer,
	}, nil
}

func parseConnectionString(s string) (endpoint, accessKey, secretKey string, useSSL bool, err error) {
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return "", "", "", false, Error.New("malformed connection string segment %q", part)
		}
		switch key {
		case "endpoint":
			endpoint = value
		case "accessKey":
			accessKey = value
		case "secretKey":
			secretKey = value
		case "useSSL":
			useSSL = value == "true"
		}
	}
	if endpoint == "" {
		return "", "", "", false, Error.New("connection string missing endpoint")
	}
	return endpoint, accessKey, secretKey, useSSL, nil
}

// Upload writes a blob, overwriting any existing object under the key.
func (s *Store) Upload(ctx context.Context, container, key string, data []byte, tags map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = s.client.PutObject(ctx, container, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{UserTags: tags})
	return Error.Wrap(err)
}

// Download reads a blob in full. A missing object yields ErrNotFound.
func (s *Store) Download(ctx context.Context, container, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := s.client.GetObject(ctx, container, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(object.Close())) }()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound.New("%s/%s", container, key)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// Copy performs a server-side copy, replacing tags on the destination.
func (s *Store) Copy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string, tags map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          dstContainer,
			Object:          dstKey,
			UserTags:        tags,
			ReplaceTags:     true,
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{
			Bucket: srcContainer,
			Object: srcKey,
		})
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound.New("%s/%s", srcContainer, srcKey)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Delete removes the given keys in one batched call. Missing keys are not an
// error.
func (s *Store) Delete(ctx context.Context, container string, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)

	var group errs.Group
	for result := range s.client.RemoveObjects(ctx, container, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && !isNoSuchKey(result.Err) {
			group.Add(result.Err)
		}
	}
	return Error.Wrap(group.Err())
}

// ListPrefix returns all object keys under the prefix.
func (s *Store) ListPrefix(ctx context.Context, container, prefix string) (keys []string, err error) {
	defer mon.Task()(&ctx)(&err)

	for object := range s.client.ListObjects(ctx, container, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, Error.Wrap(object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// FindByTag lists objects under the prefix whose tag matches the given value.
// The store has no server-side tag query, so this walks the listing and reads
// each object's tags.
func (s *Store) FindByTag(ctx context.Context, container, prefix, tagKey, tagValue string) (keys []string, err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := s.ListPrefix(ctx, container, prefix)
	if err != nil {
		return nil, err
	}
	for _, key := range all {
		objectTags, err := s.client.GetObjectTagging(ctx, container, key, minio.GetObjectTaggingOptions{})
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return nil, Error.Wrap(err)
		}
		if objectTags.ToMap()[tagKey] == tagValue {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func isNoSuchKey(err error) bool {
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		return response.Code == "NoSuchKey" || response.Code == "NoSuchBucket"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
