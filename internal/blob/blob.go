// Package blob archives analysis results files in a key/value object store.
// The filesystem driver is the default; memory is for tests and s3 targets
// AWS S3 or any S3-compatible endpoint such as MinIO.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Driver identifies a Store implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverMemory     Driver = "memory"
	DriverS3         Driver = "s3"
)

var (
	// ErrExists is returned by Put when the key is already stored. Archived
	// results are never overwritten.
	ErrExists = errors.New("blob already exists")
	// ErrNotFound is returned by Get and Head for an unknown key.
	ErrNotFound = errors.New("blob not found")
)

// PutOptions are optional attributes stored with a blob.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a create-only object store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// Config selects and configures a Store.
type Config struct {
	Driver Driver `yaml:"driver"`

	// Root is the directory of the filesystem driver.
	Root string `yaml:"root"`

	// S3 settings. Credentials fall back to the default AWS chain when the
	// access key is empty.
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"pathStyle"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// Open returns the Store described by cfg. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.Root)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// Archive stores a results file read from r under key.
func Archive(ctx context.Context, s Store, key string, r io.Reader, metadata map[string]string) (Info, error) {
	info, err := s.Put(ctx, key, r, PutOptions{ContentType: "application/x-sqlite3", Metadata: metadata})
	if err != nil {
		return Info{}, fmt.Errorf("archive %s to %s: %w", key, s.Driver(), err)
	}
	return info, nil
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
