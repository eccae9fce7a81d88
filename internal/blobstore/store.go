// Package blobstore is a write-once object archive, backed by S3 or memory,
// used to keep confirmed deposit receipts.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverMemory = "memory"
	DriverS3     = "s3"
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrExists        = errors.New("blobstore: object already exists")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store keeps immutable objects. Put fails with ErrExists when key is taken.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

type Config struct {
	// Driver defaults to DriverMemory.
	Driver string
	// Prefix is prepended to every key, e.g. "solver-vault".
	Prefix string

	Bucket   string
	S3Client S3Client
	// MaxGetSize caps S3 reads. 0 => 1 MiB.
	MaxGetSize int64
}

func New(cfg Config) (Store, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return &memoryStore{prefix: prefix, objects: make(map[string]memoryObject), now: time.Now}, nil
	case DriverS3:
		return newS3Store(cfg, prefix)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// objectKey validates key and returns it with prefix applied. Keys are
// slash-separated and must not contain empty, "." or ".." segments.
func objectKey(prefix, key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsFunc(key, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return "", fmt.Errorf("%w: %q has spaces or control characters", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad segment in %q", ErrInvalidKey, key)
		}
	}
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}
