package petrel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petreldb/petrel/block"
	"github.com/petreldb/petrel/bloom"
	"github.com/petreldb/petrel/sstable"
)

const (
	// compactionInitialDelay is how long after Start the first periodic
	// check runs.
	compactionInitialDelay = 10 * time.Second

	// compactionInterval is the delay between periodic checks.
	compactionInterval = 30 * time.Second

	// compactionStopTimeout bounds the graceful shutdown wait before
	// Stop gives up on the worker.
	compactionStopTimeout = 60 * time.Second
)

// CompactionStats summarizes the compactor's lifetime work.
type CompactionStats struct {
	TotalCompactions    uint64
	TotalBytesCompacted uint64
}

// Compactor is the single background worker that merges sorted runs
// downward through the levels. It wakes on a fixed schedule and on
// manual triggers, compacts at most one level per pass to bound work
// and lock-hold time, and shuts down cooperatively.
type Compactor struct {
	opts   *Options
	levels *LevelManager
	logger *slog.Logger

	// structural, when set, is the engine's write lock; it is held for
	// the level-structure swap (never for the merge itself) so readers
	// inside the engine's read path don't race the swap.
	structural sync.Locker

	running atomic.Bool
	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	// fileSeq disambiguates output files created within the same
	// millisecond.
	fileSeq atomic.Uint64

	totalCompactions    atomic.Uint64
	totalBytesCompacted atomic.Uint64
}

// NewCompactor creates a stopped compactor over the level manager.
func NewCompactor(opts *Options, levels *LevelManager, logger *slog.Logger) *Compactor {
	return &Compactor{
		opts:    opts,
		levels:  levels,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the background worker. Calling Start on a running
// compactor does nothing.
func (c *Compactor) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.run()
	c.logger.Info("compactor started")
}

// Stop asks the worker to exit and waits up to a minute for it. A
// worker stuck in a long merge is abandoned with a warning; it will
// notice the stop signal at its next check.
func (c *Compactor) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.done)

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.logger.Info("compactor stopped")
	case <-time.After(compactionStopTimeout):
		c.logger.Warn("compactor did not stop within timeout")
	}
}

// TriggerCompaction submits one immediate check to the worker.
// Multiple pending triggers coalesce.
func (c *Compactor) TriggerCompaction() error {
	if !c.running.Load() {
		return ErrCompactorStopped
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns the lifetime compaction counters.
func (c *Compactor) Stats() CompactionStats {
	return CompactionStats{
		TotalCompactions:    c.totalCompactions.Load(),
		TotalBytesCompacted: c.totalBytesCompacted.Load(),
	}
}

func (c *Compactor) run() {
	defer c.wg.Done()

	timer := time.NewTimer(compactionInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
			c.checkOnce()
			timer.Reset(compactionInterval)
		case <-c.trigger:
			c.checkOnce()
		}
	}
}

// checkOnce walks the levels from the top and compacts the first one
// over budget. One level per pass.
func (c *Compactor) checkOnce() {
	for level := 0; level < c.opts.MaxLevel-1; level++ {
		if !c.levels.NeedsCompaction(level) {
			continue
		}
		start := time.Now()
		if err := c.compactLevel(level); err != nil {
			c.logger.Error("compaction failed", "level", level, "error", err)
			return
		}
		c.logger.Info("compaction completed",
			"level", level, "duration", time.Since(start))
		return
	}
}

// compactLevel merges the selected runs of a level into its successor.
// Level 0 candidates may overlap, so the merge deduplicates with
// newest-wins; deeper levels are disjoint and the merge degenerates to
// an ordered concatenation. The level structure is only swapped after
// every output file is durably in place, and old files are deleted
// last, so a failure at any point leaves the previous structure
// intact.
func (c *Compactor) compactLevel(level int) error {
	candidates := c.levels.SelectCompactionCandidates(level)
	if len(candidates) == 0 {
		return nil
	}
	dstLevel := level + 1

	// Absorb the destination runs the candidates overlap, so the
	// destination level stays key-disjoint after the swap. They merge
	// as the oldest sources: anything at dstLevel predates the
	// candidates above it.
	minKey, maxKey := candidates[0].MinKey(), candidates[0].MaxKey()
	for _, r := range candidates[1:] {
		if r.MinKey() < minKey {
			minKey = r.MinKey()
		}
		if r.MaxKey() > maxKey {
			maxKey = r.MaxKey()
		}
	}
	absorbed := c.levels.OverlappingRuns(dstLevel, minKey, maxKey)

	sources := make([]*sstable.SSTable, 0, len(absorbed)+len(candidates))
	sources = append(sources, absorbed...)
	sources = append(sources, candidates...)

	outputs, err := c.mergeRuns(sources, dstLevel)
	if err != nil {
		// Undo any outputs already written; the level structure was
		// never touched.
		for _, out := range outputs {
			if rmErr := out.Remove(); rmErr != nil {
				c.logger.Warn("failed to remove abandoned compaction output",
					"path", out.Path(), "error", rmErr)
			}
		}
		return err
	}

	if c.structural != nil {
		c.structural.Lock()
	}
	err = c.levels.ApplyCompaction(level, candidates, dstLevel, absorbed, outputs)
	if c.structural != nil {
		c.structural.Unlock()
	}
	if err != nil {
		for _, out := range outputs {
			out.Remove()
		}
		return err
	}

	var reclaimed uint64
	for _, old := range sources {
		reclaimed += uint64(old.Size())
		if err := old.Remove(); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to delete compacted run", "path", old.Path(), "error", err)
		}
	}

	c.totalCompactions.Add(1)
	c.totalBytesCompacted.Add(reclaimed)
	metricCompactions.Inc()
	metricCompactionBytes.Add(int(reclaimed))

	c.logger.Info("merged sorted runs",
		"src_level", level, "sources", len(candidates),
		"dst_level", dstLevel, "outputs", len(outputs),
		"bytes", reclaimed)
	return nil
}

// mergeRuns k-way merges the candidate runs and splits the result into
// output runs bounded by the destination level's per-file target.
func (c *Compactor) mergeRuns(candidates []*sstable.SSTable, dstLevel int) ([]*sstable.SSTable, error) {
	targetFileSize := c.opts.LevelMaxBytes(dstLevel) / int64(c.opts.LevelMultiplier)
	if targetFileSize <= 0 {
		targetFileSize = c.opts.Level1MaxSize
	}

	var outputs []*sstable.SSTable
	var pending []block.Entry
	var pendingBytes int64

	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		out, err := c.writeRun(pending, dstLevel)
		if err != nil {
			return err
		}
		outputs = append(outputs, out)
		pending = nil
		pendingBytes = 0
		return nil
	}

	for it := newMergeIterator(candidates); it.Valid(); it.Next() {
		entrySize := int64(8 + len(it.Key()) + len(it.Value()))
		if pendingBytes > 0 && pendingBytes+entrySize > targetFileSize {
			if err := flushPending(); err != nil {
				return outputs, err
			}
		}
		pending = append(pending, block.Entry{Key: it.Key(), Value: it.Value()})
		pendingBytes += entrySize
	}
	if err := flushPending(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

// writeRun builds one output run under level_<dstLevel>/ from sorted
// entries.
func (c *Compactor) writeRun(entries []block.Entry, dstLevel int) (*sstable.SSTable, error) {
	builder := block.NewBuilder(c.opts.BlockSize)
	filter := bloom.New(len(entries), c.opts.BloomFilterFPP)
	for _, e := range entries {
		builder.Add(e.Key, e.Value)
		filter.Add(e.Key)
	}

	name := sstable.Filename(time.Now().UnixMilli(), c.fileSeq.Add(1))
	path := filepath.Join(c.levels.levelDir(dstLevel), name)
	out, err := sstable.Build(path, dstLevel, builder.Build(), filter)
	if err != nil {
		return nil, fmt.Errorf("failed to write compaction output %s: %w", path, err)
	}
	return out, nil
}
