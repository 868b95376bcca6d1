// Package store persists model artifacts and training run history.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value blob store with "/"-separated keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanKey normalizes key and rejects keys that would escape the store
// root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return cleaned, nil
}

// Options selects and configures an artifact store.
type Options struct {
	// Backend is "local" or "s3".
	Backend string
	Dir     string

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
}

// Open creates the store named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "local":
		s, err := NewLocalStore(opts.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		client, err := NewS3Client(ctx, opts.S3Region, opts.S3Endpoint)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, opts.S3Bucket, opts.S3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", opts.Backend)
	}
}
