package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ReservedDeviceID collides with the POST /readings route
const ReservedDeviceID = "reading"

// ValidateDeviceID rejects identifiers that cannot be routed or stored
func ValidateDeviceID(deviceID string) error {
	switch {
	case deviceID == "":
		return validationErrorf("id", "device_id is required")
	case deviceID == ReservedDeviceID:
		return validationErrorf("id", "%q is not a valid device ID", deviceID)
	case deviceID == "." || deviceID == "..":
		return validationErrorf("id", "%q is not a valid device ID", deviceID)
	case strings.ContainsAny(deviceID, `/\`):
		return validationErrorf("id", "device ID must not contain path separators")
	}

	return nil
}

// IngestResult counts what happened to the readings of a batch
type IngestResult struct {
	Added         int
	Ignored       int
	Rejected      int
	LatestUpdated bool
}

type device struct {
	mu         sync.Mutex
	aggregator *Aggregator
}

// Registry maps device identifiers to their Aggregator, creating them on
// first access. Access to a single Aggregator is serialized.
type Registry struct {
	config  StorageConfig
	store   Store
	sinks   []Sink
	metrics *Metrics
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	devices map[string]*device
}

// get returns the device entry, restoring or creating its Aggregator.
// The store is read without holding the registry lock; when two callers
// restore the same device concurrently the first one to insert wins.
func (r *Registry) get(ctx context.Context, deviceID string) (*device, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	d, ok := r.devices[deviceID]
	r.mu.Unlock()
	if ok {
		return d, nil
	}

	a, err := r.restore(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[deviceID]; ok {
		return d, nil
	}

	d = &device{aggregator: a}
	r.devices[deviceID] = d
	r.metrics.Devices.Set(float64(len(r.devices)))

	return d, nil
}

func (r *Registry) restore(ctx context.Context, deviceID string) (*Aggregator, error) {
	logger := r.logger.With("component", "aggregator")

	if r.store == nil || !r.config.RestoreOnAccess {
		return NewAggregator(deviceID, logger), nil
	}

	a, err := r.store.Load(ctx, deviceID)
	if errors.Is(err, ErrNotPersisted) {
		r.logger.Debugw("creating aggregator", "device_id", deviceID)

		return NewAggregator(deviceID, logger), nil
	}
	if err != nil {
		return nil, fmt.Errorf("Registry: restoring %s: %w", deviceID, err)
	}

	a.logger = logger
	r.logger.Infow("restored aggregator", "device_id", deviceID, "readings", a.Len())

	return a, nil
}

// Ingest applies a validated batch to the Aggregator of its device. A batch
// that would overflow the cumulative count is rejected before any reading
// is applied.
func (r *Registry) Ingest(ctx context.Context, source string, batch Batch) (IngestResult, error) {
	var result IngestResult

	d, err := r.get(ctx, batch.DeviceID)
	if err != nil {
		return result, err
	}

	snapshot, err := func() (Snapshot, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if err := d.aggregator.CheckReadings(batch.Readings); err != nil {
			return Snapshot{}, err
		}

		for _, reading := range batch.Readings {
			outcome := d.aggregator.AddReading(reading)
			r.metrics.Readings.WithLabelValues(outcome.String()).Inc()

			switch outcome {
			case OutcomeIgnored:
				result.Ignored++
			case OutcomeRejected:
				result.Rejected++
			case OutcomeAddedLatest:
				result.LatestUpdated = true
				result.Added++
			default:
				result.Added++
			}
		}

		if result.Added > 0 && r.store != nil && r.config.PersistOnWrite {
			if err := r.store.Save(ctx, d.aggregator); err != nil {
				r.metrics.PersistErrors.Inc()

				return Snapshot{}, fmt.Errorf("Registry: persisting %s: %w", batch.DeviceID, err)
			}
		}

		return SnapshotOf(d.aggregator), nil
	}()
	if err != nil {
		return result, err
	}

	r.metrics.Batches.WithLabelValues(source).Inc()

	if result.Added > 0 {
		r.notify(ctx, snapshot)
	}

	return result, nil
}

func (r *Registry) notify(ctx context.Context, snapshot Snapshot) {
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, snapshot); err != nil {
			r.metrics.SinkErrors.Inc()
			r.logger.Warnw("sink write failed", "device_id", snapshot.DeviceID, "error", err)
		}
	}
}

// Latest returns the latest reading of a device or ErrNoReadings
func (r *Registry) Latest(ctx context.Context, deviceID string) (Reading, error) {
	d, err := r.get(ctx, deviceID)
	if err != nil {
		return Reading{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	reading, ok := d.aggregator.LatestReading()
	if !ok {
		return Reading{}, ErrNoReadings
	}

	return reading, nil
}

// CumulativeCount returns the cumulative count of a device, 0 for a new one
func (r *Registry) CumulativeCount(ctx context.Context, deviceID string) (int64, error) {
	d, err := r.get(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.aggregator.CumulativeCount(), nil
}

// Verify compares the stored state of a device with a recomputation.
// With repair set the recomputed state replaces the stored one and is
// persisted.
func (r *Registry) Verify(ctx context.Context, deviceID string, repair bool) ([]Discrepancy, error) {
	d, err := r.get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !repair {
		return d.aggregator.Verify(), nil
	}

	discrepancies := d.aggregator.Repair()
	if len(discrepancies) > 0 && r.store != nil {
		if err := r.store.Save(ctx, d.aggregator); err != nil {
			r.metrics.PersistErrors.Inc()

			return discrepancies, fmt.Errorf("Registry: persisting %s: %w", deviceID, err)
		}
	}

	return discrepancies, nil
}

// Devices returns the identifiers of all known devices, sorted
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Flush persists every device held by the registry
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	var err error
	for _, id := range r.Devices() {
		r.mu.Lock()
		d := r.devices[id]
		r.mu.Unlock()

		d.mu.Lock()
		saveErr := r.store.Save(ctx, d.aggregator)
		d.mu.Unlock()

		if saveErr != nil {
			r.metrics.PersistErrors.Inc()
			err = multierr.Append(err, saveErr)
		}
	}

	return err
}

// Close flushes the registry when configured to do so
func (r *Registry) Close(ctx context.Context) error {
	r.logger.Info("Registry: shutting down")

	if !r.config.FlushOnShutdown {
		return nil
	}

	if err := r.Flush(ctx); err != nil {
		return fmt.Errorf("Registry: flush: %w", err)
	}

	r.logger.Infow("Registry: flushed", "devices", len(r.Devices()))

	return nil
}

// NewRegistry creates a new Registry. store may be nil to keep state in memory only.
func NewRegistry(config StorageConfig, store Store, sinks []Sink, metrics *Metrics, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		config:  config,
		store:   store,
		sinks:   sinks,
		metrics: metrics,
		logger:  logger,
		devices: make(map[string]*device),
	}
}
