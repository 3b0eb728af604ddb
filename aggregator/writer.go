package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriterConfig represents the config of the Writer
type WriterConfig struct {
	Table   string        `yaml:"table"`
	Timeout time.Duration `yaml:"timeout"`
}

// Snapshot is the aggregated state of a device at one point in time
type Snapshot struct {
	DeviceID        string
	CumulativeCount int64
	LatestTimestamp *time.Time
}

// SnapshotOf captures the current state of the Aggregator
func SnapshotOf(a *Aggregator) Snapshot {
	snapshot := Snapshot{
		DeviceID:        a.DeviceID(),
		CumulativeCount: a.CumulativeCount(),
	}

	if latest, ok := a.LatestTimestamp(); ok {
		snapshot.LatestTimestamp = &latest
	}

	return snapshot
}

// Sink receives a Snapshot after every applied batch
type Sink interface {
	Write(ctx context.Context, snapshot Snapshot) error
}

// Writer inserts or updates device snapshots in MySQL
type Writer struct {
	config WriterConfig
	db     *sql.DB
	mu     sync.Mutex
	stmt   *sql.Stmt
	logger *zap.SugaredLogger
}

func (w *Writer) upsertQuery() string {
	return "INSERT INTO `" + w.config.Table + "` (`device_id`, `cumulative_count`, `latest_timestamp`, `modified_at`) " +
		"VALUES (?, ?, ?, NOW()) " +
		"ON DUPLICATE KEY UPDATE " +
		"`cumulative_count` = VALUES(cumulative_count), " +
		"`latest_timestamp` = VALUES(latest_timestamp), " +
		"`modified_at` = VALUES(modified_at)"
}

func (w *Writer) prepareStmt(ctx context.Context) (*sql.Stmt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stmt != nil {
		return w.stmt, nil
	}

	var err error

	w.stmt, err = w.db.PrepareContext(ctx, w.upsertQuery())
	if err != nil {
		return nil, fmt.Errorf("Writer: %w", err)
	}

	return w.stmt, nil
}

// Write inserts or updates the snapshot of a single device
func (w *Writer) Write(ctx context.Context, snapshot Snapshot) error {
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	stmt, err := w.prepareStmt(ctx)
	if err != nil {
		return err
	}

	var latest interface{}
	if snapshot.LatestTimestamp != nil {
		latest = snapshot.LatestTimestamp.UTC()
	}

	if _, err := stmt.ExecContext(ctx, snapshot.DeviceID, snapshot.CumulativeCount, latest); err != nil {
		return fmt.Errorf("Writer: %w", err)
	}

	w.logger.Debugw("wrote snapshot", "device_id", snapshot.DeviceID, "cumulative_count", snapshot.CumulativeCount)

	return nil
}

// Close releases the prepared statement
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stmt == nil {
		return nil
	}

	err := w.stmt.Close()
	w.stmt = nil

	return err
}

// NewWriter creates a new Writer
func NewWriter(config WriterConfig, db *sql.DB, logger *zap.SugaredLogger) *Writer {
	if config.Table == "" {
		config.Table = "device_counter"
	}

	return &Writer{
		config: config,
		db:     db,
		logger: logger,
	}
}
