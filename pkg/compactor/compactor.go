package compactor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/changelog"
	"github.com/Skelf-Research/ormdb/pkg/columnar"
	"github.com/Skelf-Research/ormdb/pkg/constraint"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/metrics"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

const (
	// DefaultInterval between compaction cycles.
	DefaultInterval = 5 * time.Minute
	// DefaultTombstoneRetention before a tombstone is removable.
	DefaultTombstoneRetention = time.Hour
)

// Options tunes the compactor.
type Options struct {
	Interval           time.Duration
	TombstoneRetention time.Duration
}

// Report summarizes one compaction run.
type Report struct {
	VersionsRemoved   int
	TombstonesRemoved int
	BytesReclaimed    int64
	DurationMS        int64
}

// Compactor periodically removes expired tombstones without live incoming
// references, prunes version history past the retention bound, and trims
// the change log.
type Compactor struct {
	cat         *catalog.Catalog
	rows        *rowstore.Store
	cols        *columnar.Store
	clog        *changelog.Log
	constraints *constraint.Engine
	opts        Options

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a compactor.
func New(cat *catalog.Catalog, rows *rowstore.Store, cols *columnar.Store, clog *changelog.Log, constraints *constraint.Engine, opts Options) *Compactor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = DefaultTombstoneRetention
	}
	return &Compactor{
		cat:         cat,
		rows:        rows,
		cols:        cols,
		clog:        clog,
		constraints: constraints,
		opts:        opts,
		logger:      log.WithComponent("compactor"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the compaction loop.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop stops the compactor.
func (c *Compactor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Compactor) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.opts.Interval).Msg("compactor started")
	for {
		select {
		case <-ticker.C:
			if report, err := c.RunOnce(); err != nil {
				// Log and keep going; the next cycle retries.
				c.logger.Error().Err(err).Msg("compaction cycle failed")
			} else if report.TombstonesRemoved > 0 || report.VersionsRemoved > 0 {
				c.logger.Info().
					Int("tombstones_removed", report.TombstonesRemoved).
					Int("versions_removed", report.VersionsRemoved).
					Int64("bytes_reclaimed", report.BytesReclaimed).
					Int64("duration_ms", report.DurationMS).
					Msg("compaction cycle completed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("compactor stopped")
			return
		}
	}
}

// RunOnce performs one compaction cycle.
func (c *Compactor) RunOnce() (*Report, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CompactionDuration)
		metrics.CompactionCyclesTotal.Inc()
	}()
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &Report{}
	now := time.Now()
	cutoff := now.Add(-c.opts.TombstoneRetention).UnixMicro()
	view := c.cat.Snapshot()

	for _, entity := range view.Entities() {
		if err := c.compactEntity(view, entity, cutoff, report); err != nil {
			return nil, err
		}
	}

	if _, err := c.clog.Trim(now); err != nil {
		return nil, err
	}

	report.DurationMS = timer.Duration().Milliseconds()
	metrics.TombstonesRemoved.Add(float64(report.TombstonesRemoved))
	metrics.VersionsRemoved.Add(float64(report.VersionsRemoved))
	return report, nil
}

func (c *Compactor) compactEntity(view *catalog.View, entity string, cutoff int64, report *Report) error {
	ent, err := view.Entity(entity)
	if err != nil {
		return err
	}

	// Collect candidates under a read snapshot, act under the write tx.
	var expired []types.ID
	var all []types.ID
	err = c.rows.Scan(entity, func(rec *types.Record) error {
		all = append(all, rec.ID)
		if !rec.Live() && rec.DeletedAt < cutoff {
			expired = append(expired, rec.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.rows.DB().Update(func(tx *bolt.Tx) error {
		for _, id := range expired {
			rec, err := c.rows.GetTx(tx, entity, id)
			if err != nil {
				return err
			}
			// Re-check under the write lock: resurrection or late references
			// make the tombstone unremovable this cycle.
			if rec == nil || rec.Live() || rec.DeletedAt >= cutoff {
				continue
			}
			referenced, err := c.constraints.HasLiveReferences(tx, view, ent, rec)
			if err != nil {
				return err
			}
			if referenced {
				continue
			}
			freed, err := c.rows.RemoveTx(tx, entity, id)
			if err != nil {
				return err
			}
			report.TombstonesRemoved++
			report.BytesReclaimed += freed
			c.cols.Remove(entity, id)
		}

		for _, id := range all {
			removed, freed, err := c.rows.PruneHistoryCountTx(tx, entity, id)
			if err != nil {
				return err
			}
			report.VersionsRemoved += removed
			report.BytesReclaimed += freed
		}
		return nil
	})
}
