package petrel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/petreldb/petrel/keys"
	"github.com/petreldb/petrel/sstable"
)

// LevelManager owns the set of sorted runs per level, routes reads
// through them, and decides when a level needs compacting.
//
// Level 0 holds runs in flush order and their key ranges may overlap,
// so reads check them newest first. Levels 1+ keep runs key-disjoint
// and sorted by min key, which lets reads binary-search for the single
// candidate run.
type LevelManager struct {
	mu     sync.RWMutex
	opts   *Options
	logger *slog.Logger

	levels [][]*sstable.SSTable
	limits []int64
}

// NewLevelManager creates an empty level structure for opts.MaxLevel
// levels.
func NewLevelManager(opts *Options, logger *slog.Logger) *LevelManager {
	limits := make([]int64, opts.MaxLevel)
	for i := range limits {
		limits[i] = opts.LevelMaxBytes(i)
	}
	return &LevelManager{
		opts:   opts,
		logger: logger,
		levels: make([][]*sstable.SSTable, opts.MaxLevel),
		limits: limits,
	}
}

// levelDir returns the directory that holds runs of the given level.
// Level-0 flush output lives at the data directory root; compaction
// output goes under level_<i>.
func (lm *LevelManager) levelDir(level int) string {
	return filepath.Join(lm.opts.DataDir, fmt.Sprintf("level_%d", level))
}

// Add registers a run at a level. Level 0 appends (time order); deeper
// levels insert in min-key order to keep the list binary-searchable.
func (lm *LevelManager) Add(run *sstable.SSTable, level int) error {
	if level >= lm.opts.MaxLevel {
		return fmt.Errorf("%w: level %d with max %d", ErrLevelOutOfRange, level, lm.opts.MaxLevel)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.addLocked(run, level)
	return nil
}

func (lm *LevelManager) addLocked(run *sstable.SSTable, level int) {
	if level == 0 {
		lm.levels[0] = append(lm.levels[0], run)
	} else {
		runs := lm.levels[level]
		i := sort.Search(len(runs), func(i int) bool {
			return keys.Compare(runs[i].MinKey(), run.MinKey()) > 0
		})
		runs = append(runs, nil)
		copy(runs[i+1:], runs[i:])
		runs[i] = run
		lm.levels[level] = runs
	}
	lm.logger.Debug("added sorted run",
		"level", level, "path", run.Path(), "files", len(lm.levels[level]))
}

// Get walks the levels top-down: level-0 runs newest first (bloom
// filter gated), then one binary-searched candidate per deeper level.
// The first hit wins.
func (lm *LevelManager) Get(key string) ([]byte, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	l0 := lm.levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		if !l0[i].MightContain(key) {
			continue
		}
		if v, ok := l0[i].Get(key); ok {
			return v, true
		}
	}

	for level := 1; level < len(lm.levels); level++ {
		runs := lm.levels[level]
		if len(runs) == 0 {
			continue
		}
		i := sort.Search(len(runs), func(i int) bool {
			return keys.Compare(runs[i].MaxKey(), key) >= 0
		})
		if i == len(runs) || !runs[i].KeyInRange(key) {
			continue
		}
		if v, ok := runs[i].Get(key); ok {
			return v, true
		}
	}

	return nil, false
}

// NeedsCompaction reports whether a level is over budget: file count
// at level 0, total bytes elsewhere.
func (lm *LevelManager) NeedsCompaction(level int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	runs := lm.levels[level]
	if len(runs) == 0 {
		return false
	}
	if level == 0 {
		return len(runs) >= lm.opts.Level0FileThreshold
	}
	return lm.totalSizeLocked(level) > lm.limits[level]
}

// SelectCompactionCandidates picks the runs to merge out of a level:
// everything at level 0 (ranges may overlap), the largest single run
// elsewhere.
func (lm *LevelManager) SelectCompactionCandidates(level int) []*sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	runs := lm.levels[level]
	if len(runs) == 0 {
		return nil
	}

	if level == 0 {
		out := make([]*sstable.SSTable, len(runs))
		copy(out, runs)
		return out
	}

	largest := runs[0]
	for _, r := range runs[1:] {
		if r.Size() > largest.Size() {
			largest = r
		}
	}
	return []*sstable.SSTable{largest}
}

// ReplaceFiles atomically removes oldRuns from srcLevel and adds
// newRuns to dstLevel. Readers either see the old structure or the new
// one, never a mix.
func (lm *LevelManager) ReplaceFiles(srcLevel int, oldRuns []*sstable.SSTable, dstLevel int, newRuns []*sstable.SSTable) error {
	return lm.ApplyCompaction(srcLevel, oldRuns, dstLevel, nil, newRuns)
}

// ApplyCompaction is the full form of ReplaceFiles: it additionally
// removes dstOld from the destination level, for merges that absorbed
// overlapping destination runs. The whole swap happens under one
// write-lock acquisition.
func (lm *LevelManager) ApplyCompaction(srcLevel int, srcOld []*sstable.SSTable, dstLevel int, dstOld, newRuns []*sstable.SSTable) error {
	if dstLevel >= lm.opts.MaxLevel {
		return fmt.Errorf("%w: level %d with max %d", ErrLevelOutOfRange, dstLevel, lm.opts.MaxLevel)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.removeLocked(srcLevel, srcOld)
	lm.removeLocked(dstLevel, dstOld)
	for _, r := range newRuns {
		lm.addLocked(r, dstLevel)
	}

	lm.logger.Info("replaced sorted runs",
		"src_level", srcLevel, "removed", len(srcOld)+len(dstOld),
		"dst_level", dstLevel, "added", len(newRuns))
	return nil
}

func (lm *LevelManager) removeLocked(level int, runs []*sstable.SSTable) {
	if len(runs) == 0 {
		return
	}
	old := make(map[*sstable.SSTable]bool, len(runs))
	for _, r := range runs {
		old[r] = true
	}
	kept := lm.levels[level][:0]
	for _, r := range lm.levels[level] {
		if !old[r] {
			kept = append(kept, r)
		}
	}
	lm.levels[level] = kept
}

// OverlappingRuns returns the runs at a level whose key ranges
// intersect [minKey, maxKey].
func (lm *LevelManager) OverlappingRuns(level int, minKey, maxKey string) []*sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var out []*sstable.SSTable
	for _, r := range lm.levels[level] {
		if keys.Compare(r.MaxKey(), minKey) < 0 || keys.Compare(r.MinKey(), maxKey) > 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// LoadExisting rebuilds the level structure from disk at open. Runs at
// the data directory root are level-0 flush output and are loaded in
// file-name timestamp order so the newest-first read path survives a
// restart; level_<i> directories hold compaction output. A run that
// fails to open is skipped with a warning rather than failing the
// whole open.
func (lm *LevelManager) LoadExisting() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rootFiles, err := filepath.Glob(filepath.Join(lm.opts.DataDir, "sstable_*.dat"))
	if err != nil {
		return err
	}
	sort.Slice(rootFiles, func(i, j int) bool {
		mi, si, oki := sstable.ParseFilename(filepath.Base(rootFiles[i]))
		mj, sj, okj := sstable.ParseFilename(filepath.Base(rootFiles[j]))
		if !oki || !okj {
			return rootFiles[i] < rootFiles[j]
		}
		if mi != mj {
			return mi < mj
		}
		return si < sj
	})
	for _, path := range rootFiles {
		run, err := sstable.Open(path, 0)
		if err != nil {
			lm.logger.Warn("skipping unreadable sorted run", "path", path, "error", err)
			continue
		}
		lm.addLocked(run, 0)
	}

	for level := 1; level < lm.opts.MaxLevel; level++ {
		dir := lm.levelDir(level)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, "*.dat"))
		if err != nil {
			return err
		}
		for _, path := range files {
			run, err := sstable.Open(path, level)
			if err != nil {
				lm.logger.Warn("skipping unreadable sorted run", "path", path, "error", err)
				continue
			}
			lm.addLocked(run, level)
		}
	}

	total := 0
	for _, runs := range lm.levels {
		total += len(runs)
	}
	lm.logger.Info("loaded existing sorted runs", "count", total)
	return nil
}

// FileCount returns the number of runs at a level.
func (lm *LevelManager) FileCount(level int) int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.levels[level])
}

// TotalSize returns the combined file size of a level in bytes.
func (lm *LevelManager) TotalSize(level int) int64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.totalSizeLocked(level)
}

func (lm *LevelManager) totalSizeLocked(level int) int64 {
	var total int64
	for _, r := range lm.levels[level] {
		total += r.Size()
	}
	return total
}

// MaxLevel returns the configured level count.
func (lm *LevelManager) MaxLevel() int {
	return lm.opts.MaxLevel
}
