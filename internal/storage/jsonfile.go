// internal/storage/jsonfile.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/tradeerr"
)

const defaultWriteTries = 3

// JSONFile persists one value of type T as a JSON document. Saves write a
// temporary file in the same directory and rename it over the target, so a
// crash leaves either the old or the new document.
type JSONFile[T any] struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
	tries  uint
}

// NewJSONFile creates a store for path. The directory is created on first save.
func NewJSONFile[T any](path string, logger *zap.Logger) *JSONFile[T] {
	return &JSONFile[T]{
		path:   path,
		logger: logger.Named("json_store"),
		tries:  defaultWriteTries,
	}
}

// Path returns the document location.
func (s *JSONFile[T]) Path() string {
	return s.path
}

// Load reads the document. A missing file yields the zero value and found=false.
func (s *JSONFile[T]) Load(ctx context.Context) (value T, found bool, err error) {
	if err := ctx.Err(); err != nil {
		return value, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return value, false, nil
	}
	if err != nil {
		return value, false, tradeerr.Wrap(tradeerr.KindPersistence, "storage.load", err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, tradeerr.Wrap(tradeerr.KindPersistence, "storage.load",
			fmt.Errorf("decode %s: %w", s.path, err))
	}
	return value, true, nil
}

// Save replaces the document atomically, retrying transient I/O failures.
func (s *JSONFile[T]) Save(ctx context.Context, value T) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return tradeerr.Wrap(tradeerr.KindPersistence, "storage.save", fmt.Errorf("encode: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Retrying store write",
			zap.String("path", s.path),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, writeAtomic(s.path, data)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.tries),
		backoff.WithNotify(notify))
	if err != nil {
		return tradeerr.Wrap(tradeerr.KindPersistence, "storage.save", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
