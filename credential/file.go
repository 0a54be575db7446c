package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// FileBackend persists values as a single JSON object on disk.
// Every mutation re-reads the file under an exclusive lock file and
// replaces it atomically, so concurrent processes never lose each other's keys.
type FileBackend struct {
	path   string
	logger *zap.Logger
}

// NewFileBackend creates a FileBackend stored at path. A nil logger disables logging.
func NewFileBackend(path string, logger *zap.Logger) *FileBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileBackend{path: path, logger: logger}
}

// Path returns the backing file path.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *FileBackend) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	return pick(values, keys), nil
}

func (f *FileBackend) Set(_ context.Context, values map[string]string) error {
	return f.mutate(func(current map[string]string) {
		for k, v := range values {
			current[k] = v
		}
	})
}

func (f *FileBackend) Delete(_ context.Context, keys ...string) error {
	return f.mutate(func(current map[string]string) {
		for _, k := range keys {
			delete(current, k)
		}
	})
}

func (f *FileBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	return matchPrefix(values, prefix), nil
}

// load reads the file; a missing file is an empty store.
func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	values := map[string]string{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	return values, nil
}

func (f *FileBackend) mutate(apply func(map[string]string)) error {
	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.logger.Warn("failed to release credential file lock",
				zap.String("path", f.path), zap.Error(releaseErr))
		}
	}()

	values, err := f.load()
	if err != nil {
		// If parsing fails, start with an empty map
		f.logger.Warn("discarding unreadable credential file",
			zap.String("path", f.path), zap.Error(err))
		values = map[string]string{}
	}

	apply(values)

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
