package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// StorageConfig represents the config of the persistence layer
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	PersistOnWrite  bool   `yaml:"persist_on_write"`
	RestoreOnAccess bool   `yaml:"restore_on_access"`
	FlushOnShutdown bool   `yaml:"flush_on_shutdown"`
}

// Store persists Aggregators
type Store interface {
	Save(ctx context.Context, a *Aggregator) error
	Load(ctx context.Context, deviceID string) (*Aggregator, error)
}

// FileStore keeps one JSON document per device in a directory
type FileStore struct {
	dir    string
	logger *zap.SugaredLogger
}

// Path returns the location of the document of a device
func (s *FileStore) Path(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".json")
}

// Save writes the document of the Aggregator, replacing the previous one atomically
func (s *FileStore) Save(ctx context.Context, a *Aggregator) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := a.Persist(&buf); err != nil {
		return fmt.Errorf("FileStore: encoding %s: %w", a.DeviceID(), err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("FileStore: %w", err)
	}

	path := s.Path(a.DeviceID())
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("FileStore: writing %s: %w", path, err)
	}

	s.logger.Debugw("saved aggregator", "device_id", a.DeviceID(), "path", path)

	return nil
}

// Load reads the document of a device. ErrNotPersisted is returned when
// no document exists.
func (s *FileStore) Load(ctx context.Context, deviceID string) (*Aggregator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(deviceID)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("FileStore: %s: %w", deviceID, ErrNotPersisted)
	}
	if err != nil {
		return nil, fmt.Errorf("FileStore: %w", err)
	}
	defer f.Close()

	a, err := Restore(f, s.logger)
	if err != nil {
		return nil, fmt.Errorf("FileStore: reading %s: %w: %v", path, ErrCorruptDocument, err)
	}

	if a.DeviceID() != deviceID {
		return nil, fmt.Errorf("FileStore: reading %s: %w: holds device %q", path, ErrCorruptDocument, a.DeviceID())
	}

	s.logger.Debugw("loaded aggregator", "device_id", deviceID, "path", path)

	return a, nil
}

// DeviceIDs lists the devices with a persisted document, sorted
func (s *FileStore) DeviceIDs() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("FileStore: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(match), ".json"))
	}
	sort.Strings(ids)

	return ids, nil
}

// NewFileStore creates a new FileStore
func NewFileStore(dir string, logger *zap.SugaredLogger) *FileStore {
	return &FileStore{
		dir:    dir,
		logger: logger,
	}
}
