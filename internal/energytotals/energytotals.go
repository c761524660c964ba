// Package energytotals persists the per-alias, per-field accumulators that
// back total_increasing sensors (energy, amp-hours) across restarts. A
// single writer goroutine coalesces updates so the JSON file on disk is
// touched at most once per flush interval, per §3/§5's single-writer,
// coalescing-interval policy.
package energytotals

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MinFlushInterval is the floor the spec places on the coalescing writer
// (§3: "at most one disk write per N seconds, N >= 60").
const MinFlushInterval = 60 * time.Second

// FieldTotal is one (alias, field) accumulator record, matching §6's
// on-disk shape exactly: {"total": ..., "last_value": ..., "last_timestamp": ...}.
type FieldTotal struct {
	Total         float64 `json:"total"`
	LastValue     float64 `json:"last_value"`
	LastTimestamp int64   `json:"last_timestamp"`
}

// Store is the in-memory, periodically-flushed view of energy_totals.json.
type Store struct {
	mu    sync.Mutex
	path  string
	data  map[string]map[string]FieldTotal
	dirty bool

	interval time.Duration
	logger   *logrus.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open loads path if it exists, or starts with an empty store if it does
// not (the file is created lazily on first flush — a missing totals file
// is not a startup error, unlike a missing configuration file).
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Store{
		path:     path,
		data:     make(map[string]map[string]FieldTotal),
		interval: MinFlushInterval,
		logger:   logger.WithField("component", "energytotals").Logger,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("energytotals: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("energytotals: parsing %s: %w", path, err)
	}
	return s, nil
}

// SetFlushInterval overrides the default coalescing interval. Values below
// MinFlushInterval are clamped up to it.
func (s *Store) SetFlushInterval(d time.Duration) {
	if d < MinFlushInterval {
		d = MinFlushInterval
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// Accumulate applies §3's monotonic-total invariant plus SPEC_FULL's
// counter-reset supplement: a new reading >= the last recorded value adds
// the delta to the running total; a reading < the last value (a counter
// reset, e.g. device reboot) adds the full new value instead of going
// negative. It returns the updated running total.
func (s *Store) Accumulate(alias, field string, value float64, at time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.data[alias]
	if !ok {
		fields = make(map[string]FieldTotal)
		s.data[alias] = fields
	}

	prev, hasPrev := fields[field]
	var next FieldTotal
	switch {
	case !hasPrev:
		next = FieldTotal{Total: value, LastValue: value, LastTimestamp: at.Unix()}
	case value >= prev.LastValue:
		next = FieldTotal{Total: prev.Total + (value - prev.LastValue), LastValue: value, LastTimestamp: at.Unix()}
	default:
		next = FieldTotal{Total: prev.Total + value, LastValue: value, LastTimestamp: at.Unix()}
	}

	fields[field] = next
	s.dirty = true
	return next.Total
}

// Snapshot returns a deep copy of the current totals, keyed by alias then
// field.
func (s *Store) Snapshot() map[string]map[string]FieldTotal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]FieldTotal, len(s.data))
	for alias, fields := range s.data {
		copied := make(map[string]FieldTotal, len(fields))
		for field, total := range fields {
			copied[field] = total
		}
		out[alias] = copied
	}
	return out
}

// Run starts the coalescing flush loop; it returns once ctx is cancelled,
// after performing one final flush if dirty.
func (s *Store) Run(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	defer close(s.doneCh)

	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.WithError(err).Warn("final energy-totals flush failed")
			}
			return
		case <-s.stopCh:
			if err := s.Flush(); err != nil {
				s.logger.WithError(err).Warn("final energy-totals flush failed")
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.WithError(err).Warn("energy-totals flush failed")
			}
		}
	}
}

// Stop requests the flush loop exit and waits for its final flush.
func (s *Store) Stop() {
	if s.stopCh == nil {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
}

// Flush writes the current totals to disk if dirty, atomically via a
// temp-file rename.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("energytotals: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".energy_totals-*.tmp")
	if err != nil {
		return fmt.Errorf("energytotals: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("energytotals: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("energytotals: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("energytotals: renaming into place: %w", err)
	}
	return nil
}
