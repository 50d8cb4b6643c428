// Package level manages the sequence of on-disk levels an LSM tree
// keeps runs in: level 0 holds unmerged, possibly overlapping flush
// output; levels 1..N hold the result of leveled compaction, each with
// a capacity SizeRatio times its predecessor's.
package level

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/run"
	"github.com/vyknight/kvdb/storage/buffer"
)

// Level holds the runs currently resident at one level, oldest first
// for level 0 (so reverse-chronological scans start from the back).
type Level struct {
	ID      int
	Dir     string
	Max     int
	Runs    []*run.Reader
	nextSeq uint64
}

func (l *Level) Size() int { return len(l.Runs) }

// Options configures a Manager. Narrowed from config.Options the same
// way storage/buffer.Options is, to avoid a dependency cycle.
type Options struct {
	Level0MaxRuns int
	SizeRatio     int
	MaxLevels     int
	Logger        *logrus.Logger
}

// Manager owns every level's directory and run list.
type Manager struct {
	mu     sync.RWMutex
	baseDir string
	pool   *buffer.Pool
	cfg    Options
	levels []*Level
	log    *logrus.Logger
}

const filenamePattern = "run_%d.sst"

// Open scans baseDir for existing level_<i> subdirectories (creating
// them if absent) and loads every *.sst file found, sorted by the
// sequence number encoded in its filename.
func Open(baseDir string, pool *buffer.Pool, cfg Options) (*Manager, error) {
	m := &Manager{baseDir: baseDir, pool: pool, cfg: cfg, log: cfg.Logger}

	for i := 0; i < cfg.MaxLevels; i++ {
		dir := filepath.Join(baseDir, fmt.Sprintf("level_%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, kverrors.Wrap("level.Open", kverrors.Io, err)
		}
		lvl := &Level{ID: i, Dir: dir, Max: capacityFor(i, cfg)}
		if err := m.loadLevel(lvl); err != nil {
			return nil, err
		}
		m.levels = append(m.levels, lvl)
	}
	return m, nil
}

func capacityFor(i int, cfg Options) int {
	if i == 0 {
		return cfg.Level0MaxRuns
	}
	cap := cfg.Level0MaxRuns
	for j := 0; j < i; j++ {
		cap *= cfg.SizeRatio
	}
	return cap
}

func (m *Manager) loadLevel(lvl *Level) error {
	entries, err := os.ReadDir(lvl.Dir)
	if err != nil {
		return kverrors.Wrap("level.loadLevel", kverrors.Io, err)
	}
	type seqFile struct {
		seq  uint64
		path string
	}
	var files []seqFile
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".sst") {
			continue
		}
		seq, ok := parseSequence(de.Name())
		if !ok {
			continue
		}
		files = append(files, seqFile{seq: seq, path: filepath.Join(lvl.Dir, de.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	for _, f := range files {
		r, err := run.Open(f.path, m.pool)
		if err != nil {
			if m.log != nil {
				m.log.WithError(err).WithField("path", f.path).Warn("level: skipping unreadable run on startup")
			}
			continue
		}
		lvl.Runs = append(lvl.Runs, r)
		if f.seq >= lvl.nextSeq {
			lvl.nextSeq = f.seq + 1
		}
	}
	return nil
}

func parseSequence(name string) (uint64, bool) {
	var seq uint64
	_, err := fmt.Sscanf(name, filenamePattern, &seq)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// IngestLevel0 installs a newly flushed run (written at tmpPath by the
// memtable flush path) into level 0 under its canonical filename.
func (m *Manager) IngestLevel0(tmpPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl := m.levels[0]
	seq := lvl.nextSeq
	lvl.nextSeq++
	dest := filepath.Join(lvl.Dir, fmt.Sprintf(filenamePattern, seq))
	if err := os.Rename(tmpPath, dest); err != nil {
		return kverrors.Wrap("level.IngestLevel0", kverrors.Io, err)
	}
	r, err := run.Open(dest, m.pool)
	if err != nil {
		return err
	}
	lvl.Runs = append(lvl.Runs, r)
	if m.log != nil {
		m.log.WithFields(logrus.Fields{"path": dest, "level0_runs": len(lvl.Runs)}).
			Debug("level: ingested new level-0 run")
	}
	return nil
}

// CompactionTask describes a compaction the store should run.
type CompactionTask struct {
	SourceLevel int
	TargetLevel int
	Inputs      []*run.Reader
	// Terminal reports whether TargetLevel is the last level, meaning
	// tombstones may be dropped permanently.
	Terminal bool
}

// NextCompaction reports the next compaction to run, if any level is
// over capacity. Level 0 is checked first; higher levels are checked
// in ascending order. Leveling policy: every run in the source level
// is compacted, moving it to the next level down.
func (m *Manager) NextCompaction() (CompactionTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lvl0 := m.levels[0]
	if lvl0.Size() >= lvl0.Max {
		return m.buildTask(0), true
	}
	for i := 1; i < len(m.levels)-1; i++ {
		if m.levels[i].Size() > m.levels[i].Max {
			return m.buildTask(i), true
		}
	}
	return CompactionTask{}, false
}

func (m *Manager) buildTask(sourceLevel int) CompactionTask {
	target := sourceLevel + 1
	if target >= len(m.levels) {
		target = len(m.levels) - 1
	}
	inputs := make([]*run.Reader, len(m.levels[sourceLevel].Runs))
	copy(inputs, m.levels[sourceLevel].Runs)
	return CompactionTask{
		SourceLevel: sourceLevel,
		TargetLevel: target,
		Inputs:      inputs,
		Terminal:    target == len(m.levels)-1,
	}
}

// InstallCompaction atomically removes the task's input runs from the
// source level (runs added to it after the task was built stay) and
// appends the compaction's output runs to the target level, sorted by
// min key. The superseded source readers
// are retired rather than deleted outright: a reader a foreground
// Get/Scan is still holding (via Acquire) keeps its backing file alive
// until that caller Releases it, so a reader never observes a file
// out from under a retired run it is actively reading.
func (m *Manager) InstallCompaction(task CompactionTask, outputs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.levels[task.TargetLevel]
	for _, path := range outputs {
		r, err := run.Open(path, m.pool)
		if err != nil {
			return err
		}
		target.Runs = append(target.Runs, r)
	}
	sort.Slice(target.Runs, func(i, j int) bool {
		return string(target.Runs[i].MinKey()) < string(target.Runs[j].MinKey())
	})

	source := m.levels[task.SourceLevel]
	removed := make(map[string]bool, len(task.Inputs))
	for _, in := range task.Inputs {
		removed[in.Path()] = true
	}
	kept := source.Runs[:0]
	for _, r := range source.Runs {
		if !removed[r.Path()] {
			kept = append(kept, r)
		}
	}
	source.Runs = kept

	pool := m.pool
	log := m.log
	for _, in := range task.Inputs {
		path := in.Path()
		in.Retire(func() {
			if err := pool.RemoveFile(path); err != nil && log != nil {
				log.WithError(err).WithField("path", path).Warn("level: failed to remove superseded run")
			}
		})
	}
	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"source": task.SourceLevel, "target": task.TargetLevel, "outputs": len(outputs),
		}).Info("level: compaction installed")
	}
	return nil
}

// NextOutputPath returns a fresh path for a compaction output destined
// for targetLevel, reserving the sequence number so concurrent
// compactions never collide.
func (m *Manager) NextOutputPath(targetLevel int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl := m.levels[targetLevel]
	seq := lvl.nextSeq
	lvl.nextSeq++
	return filepath.Join(lvl.Dir, fmt.Sprintf(filenamePattern, seq))
}

// FindPoint returns, in newest-to-oldest order, the runs that might
// contain key: level 0 is scanned in full (reverse chronological,
// since any overlapping run might be newer), higher levels narrow to
// at most one run via binary search on key ranges. Every returned
// Reader is Acquire'd on the caller's behalf; the caller must Release
// each one once it is done reading, so a concurrent compaction cannot
// delete the underlying file out from under an in-flight read.
func (m *Manager) FindPoint(key []byte) []*run.Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Reader
	lvl0 := m.levels[0]
	for i := len(lvl0.Runs) - 1; i >= 0; i-- {
		r := lvl0.Runs[i]
		if string(key) >= string(r.MinKey()) && string(key) <= string(r.MaxKey()) {
			r.Acquire()
			out = append(out, r)
		}
	}
	for i := 1; i < len(m.levels); i++ {
		runs := m.levels[i].Runs
		idx := sort.Search(len(runs), func(j int) bool {
			return string(runs[j].MaxKey()) >= string(key)
		})
		if idx < len(runs) && string(key) >= string(runs[idx].MinKey()) {
			runs[idx].Acquire()
			out = append(out, runs[idx])
		}
	}
	return out
}

// FindRange returns every run across every level whose key range
// overlaps [start, end]. As with FindPoint, every returned Reader is
// Acquire'd on the caller's behalf and must be Release'd when the
// caller is done reading it.
func (m *Manager) FindRange(start, end []byte) []*run.Reader {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Reader
	for _, lvl := range m.levels {
		for _, r := range lvl.Runs {
			if r.Len() == 0 {
				continue
			}
			if string(r.MaxKey()) < string(start) || (end != nil && string(r.MinKey()) > string(end)) {
				continue
			}
			r.Acquire()
			out = append(out, r)
		}
	}
	return out
}

// Levels returns a read-only snapshot of level sizes, used by Stats.
func (m *Manager) Levels() []Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Level, len(m.levels))
	for i, l := range m.levels {
		out[i] = Level{ID: l.ID, Dir: l.Dir, Max: l.Max, Runs: l.Runs}
	}
	return out
}

// GenerateFilename is exposed for tests/tools that want the manager's
// canonical naming scheme without going through IngestLevel0.
func GenerateFilename(seq uint64) string {
	return fmt.Sprintf(filenamePattern, seq)
}

// SequenceOf parses the monotonic install-order sequence encoded in a
// run's filename, used by the compactor to break ties between
// duplicate keys across inputs. It returns 0, the lowest possible
// priority, if the filename does not match the canonical pattern.
func SequenceOf(r *run.Reader) uint64 {
	seq, _ := parseSequence(filepath.Base(r.Path()))
	return seq
}
