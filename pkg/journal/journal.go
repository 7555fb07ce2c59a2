// Package journal persists the diagnostic events of each run.
//
// Every run gets a random UUID. Its events are stored under the run id
// with a big-endian sequence number, so iterating a run's prefix yields
// them in emission order. A run record holds the program name, the start
// and finish times, the exit code, and the event count.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/fortiblox/greenrt/pkg/diag"
)

// MemoryPath selects an in-memory journal.
const MemoryPath = ":memory:"

var (
	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")

	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrFinished is returned when finishing a run twice.
	ErrFinished = errors.New("run already finished")
)

// Key prefixes.
var (
	prefixRun   = []byte("r/")
	prefixEvent = []byte("e/")
)

func runKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), prefixRun...), id[:]...)
}

func eventPrefix(id uuid.UUID) []byte {
	return append(append([]byte(nil), prefixEvent...), id[:]...)
}

func eventKey(id uuid.UUID, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(eventPrefix(id), seq)
}

// Config configures a Journal.
type Config struct {
	// Path is the database directory.
	Path string

	// InMemory keeps everything in memory. Path is ignored.
	InMemory bool

	// SyncWrites syncs every write to disk.
	SyncWrites bool

	// Logger receives badger's own log output. Nil disables it.
	Logger badger.Logger
}

// DefaultConfig returns the default configuration for path. MemoryPath
// selects an in-memory journal.
func DefaultConfig(path string) Config {
	if path == MemoryPath {
		return Config{InMemory: true}
	}
	return Config{Path: path}
}

// RunInfo describes a journaled run.
type RunInfo struct {
	ID       uuid.UUID `cbor:"-"`
	Program  string    `cbor:"1,keyasint"`
	Started  int64     `cbor:"2,keyasint"` // unix nanoseconds
	Finished int64     `cbor:"3,keyasint"` // 0 while running
	Exit     int       `cbor:"4,keyasint"`
	Events   uint64    `cbor:"5,keyasint"`
}

// Done reports whether the run has finished.
func (r RunInfo) Done() bool {
	return r.Finished != 0
}

// Duration returns how long the run took, or zero while it is running.
func (r RunInfo) Duration() time.Duration {
	if !r.Done() {
		return 0
	}
	return time.Duration(r.Finished - r.Started)
}

// Journal is a BadgerDB-backed run journal.
type Journal struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open opens or creates a journal.
func Open(cfg Config) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithValueLogFileSize(16 << 20).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Journal{db: db}, nil
}

// Begin starts a new run of the named program.
func (j *Journal) Begin(program string) (*Run, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	r := &Run{
		j: j,
		info: RunInfo{
			ID:      uuid.New(),
			Program: program,
			Started: time.Now().UnixNano(),
		},
	}
	if err := j.putRun(&r.info); err != nil {
		return nil, err
	}
	r.batch = j.db.NewWriteBatch()
	return r, nil
}

func (j *Journal) putRun(info *RunInfo) error {
	data, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(info.ID), data)
	})
}

// Run returns the record of a run.
func (j *Journal) Run(id uuid.UUID) (RunInfo, error) {
	var info RunInfo
	if j.closed.Load() {
		return info, ErrClosed
	}

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &info)
		})
	})
	info.ID = id
	return info, err
}

// Runs returns every journaled run, oldest first.
func (j *Journal) Runs() ([]RunInfo, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}

	var runs []RunInfo
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRun
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(prefixRun)+16 {
				continue
			}

			var info RunInfo
			err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &info)
			})
			if err != nil {
				return fmt.Errorf("decode run %x: %w", key[len(prefixRun):], err)
			}
			copy(info.ID[:], key[len(prefixRun):])
			runs = append(runs, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(a, b int) bool {
		return runs[a].Started < runs[b].Started
	})
	return runs, nil
}

// Events returns the events of a run in emission order. Events of a run
// that has not finished may be missing.
func (j *Journal) Events(id uuid.UUID) ([]diag.Event, error) {
	if _, err := j.Run(id); err != nil {
		return nil, err
	}

	var events []diag.Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e diag.Event
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// Close closes the journal.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}

// Run records the events of one run. It implements diag.Sink.
type Run struct {
	j     *Journal
	batch *badger.WriteBatch

	mu       sync.Mutex
	info     RunInfo
	err      error
	finished bool
}

// ID returns the run id.
func (r *Run) ID() uuid.UUID {
	return r.info.ID
}

// Emit implements diag.Sink. The first write error is kept and returned
// by Finish.
func (r *Run) Emit(e diag.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.err != nil {
		return
	}

	data, err := cbor.Marshal(&e)
	if err == nil {
		err = r.batch.Set(eventKey(r.info.ID, r.info.Events), data)
	}
	if err != nil {
		r.err = fmt.Errorf("journal event %d: %w", r.info.Events, err)
		return
	}
	r.info.Events++
}

// Finish flushes the run's events and records its exit code. The run is
// marked finished even when its events could not be written; that error is
// returned.
func (r *Run) Finish(code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	r.finished = true

	err := r.err
	if err != nil {
		r.batch.Cancel()
		r.info.Events = 0
	} else if ferr := r.batch.Flush(); ferr != nil {
		err = fmt.Errorf("flush events: %w", ferr)
		r.info.Events = 0
	}

	r.info.Exit = code
	r.info.Finished = time.Now().UnixNano()
	if perr := r.j.putRun(&r.info); perr != nil && err == nil {
		err = perr
	}
	return err
}
