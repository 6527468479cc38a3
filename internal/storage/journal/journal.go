// ============================================================================
// evtc-relay Journal - Append-only Transition Log
// ============================================================================
//
// Package: internal/storage/journal
// File: journal.go
// Function: Persists every stage transition as one JSON line with a sequence
//           number and a CRC32 checksum
//
// Format (one entry per line):
//   {"seq":1,"session":"...","job_id":0,"location":"...","stage":"report",
//    "from":"active","to":"retry","detail":"...","at":"...","checksum":123}
//
// Write path:
//   Record only pushes the transition onto an in-memory queue and never
//   waits for the disk. A journal goroutine drains the queue, numbers and
//   checksums the entries, and buffers them. The buffer is flushed when it is
//   full, when the flush interval has passed, or when an entry ends a stage
//   (done, skipped, error). Flush encodes the buffer and fsyncs.
//
//   ┌────────────┐  Push   ┌───────┐  Drain  ┌──────────────────────────┐
//   │ Record     │ ──────> │ queue │ ──────> │ journal goroutine        │
//   │ (caller)   │         └───────┘         │ buffer, encode, fsync,   │
//   └────────────┘                           │ rotate                   │
//                                            └──────────────────────────┘
//
//   Close stops intake, writes whatever is still queued and joins the
//   goroutine.
//
// Rotation:
//   When the file grows past MaxBytes it is renamed with a timestamp suffix,
//   gzip-compressed in place, and a fresh file is started. Sequence numbers
//   keep counting across rotations.
//
// The journal is history only. Nothing is replayed into the pipeline on start.
//
// ============================================================================

package journal

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/evtc-relay/internal/worker"
	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// Entry is one persisted transition.
type Entry struct {
	Seq uint64 `json:"seq"` // monotonically increasing within a file lineage
	types.Transition
	Checksum uint32 `json:"checksum"` // CRC32 of the other fields
}

// Options tune buffering and rotation. Zero values take defaults.
type Options struct {
	BufferSize    int           // entries held before a forced flush
	FlushInterval time.Duration // maximum age of a buffered entry
	MaxBytes      int64         // rotate past this size, zero disables rotation
	SyncOnRecord  bool          // flush every entry
	Logger        *slog.Logger
}

const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = time.Second
)

// Journal is an append-only transition log. Safe for concurrent use.
type Journal struct {
	in   *worker.Queue[types.Transition] // pending transitions, filled by Record
	done chan struct{}                   // closed when the journal goroutine exits

	mu       sync.Mutex // guards everything below, held across disk writes
	file     *os.File
	path     string
	seq      uint64 // last sequence number buffered
	size     int64  // bytes in the current file
	closed   bool
	writeErr error // first failed write, reported by Flush and Close
	opts     Options
	log      *slog.Logger
	syncFile func(*os.File) error

	buffer        []Entry
	lastFlushTime time.Time
}

// Open creates or opens the journal at path. An existing file is scanned for
// its last valid sequence number so numbering continues.
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	var seq uint64
	last, err := LastEntry(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		opts.Logger.Warn("journal tail unreadable, numbering from last good entry", "path", path, "error", err)
	}
	if last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	j := &Journal{
		in:            worker.NewQueue[types.Transition](),
		done:          make(chan struct{}),
		file:          file,
		path:          path,
		seq:           seq,
		size:          stat.Size(),
		opts:          opts,
		log:           opts.Logger.With("component", "journal"),
		syncFile:      (*os.File).Sync,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}
	go j.run()
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// LastSeq returns the last sequence number handed out.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Record queues a transition for the journal goroutine. It does not wait for
// the write; a write failure is logged and reported by Flush or Close.
func (j *Journal) Record(t types.Transition) error {
	if err := j.in.Push(t); err != nil {
		return ErrClosed
	}
	return nil
}

// Flush writes everything recorded so far and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.bufferLocked(j.in.Drain())
	if err := j.flushLocked(); err != nil {
		j.failLocked(err)
	}
	return j.writeErr
}

// Close stops intake, writes the queued transitions and closes the file.
// Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.bufferLocked(j.in.Close())
	if err := j.flushLocked(); err != nil {
		j.failLocked(err)
	}
	closeErr := j.file.Close()
	writeErr := j.writeErr
	j.mu.Unlock()

	<-j.done
	if closeErr != nil {
		return fmt.Errorf("close journal: %w", closeErr)
	}
	return writeErr
}

// ============================================================================
// Journal goroutine
// ============================================================================

func (j *Journal) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.in.Ready():
			j.write()
			if j.in.Closed() {
				return
			}
		case <-ticker.C:
			j.flushIfStale()
		}
	}
}

// write moves queued transitions into the buffer and flushes when one of the
// flush conditions holds. Draining under mu keeps Flush and Close in order.
func (j *Journal) write() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	force := j.bufferLocked(j.in.Drain())
	if force || len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) >= j.opts.FlushInterval {
		if err := j.flushLocked(); err != nil {
			j.failLocked(err)
		}
	}
}

func (j *Journal) flushIfStale() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || len(j.buffer) == 0 || time.Since(j.lastFlushTime) < j.opts.FlushInterval {
		return
	}
	if err := j.flushLocked(); err != nil {
		j.failLocked(err)
	}
}

// bufferLocked numbers and buffers batch. It reports whether the batch
// must be flushed right away.
func (j *Journal) bufferLocked(batch []types.Transition) bool {
	force := false
	for _, t := range batch {
		j.seq++
		e := Entry{Seq: j.seq, Transition: t}
		e.Checksum = Checksum(e)
		j.buffer = append(j.buffer, e)
		force = force || j.opts.SyncOnRecord || t.To.Terminal()
	}
	return force
}

func (j *Journal) failLocked(err error) {
	j.log.Error("journal write failed", "seq", j.seq, "error", err)
	if j.writeErr == nil {
		j.writeErr = err
	}
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	cw := &countingWriter{w: j.file}
	enc := json.NewEncoder(cw)
	for _, e := range j.buffer {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write journal entry %d: %w", e.Seq, err)
		}
	}
	j.size += cw.n
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.syncFile(j.file); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	if j.opts.MaxBytes > 0 && j.size >= j.opts.MaxBytes {
		return j.rotateLocked()
	}
	return nil
}

// rotateLocked moves the current file aside, compresses it and starts a new one.
func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal for rotation: %w", err)
	}

	backup := j.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(j.path, backup); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	if err := compressFile(backup, backup+".gz"); err != nil {
		j.log.Warn("journal compression failed, keeping plain file", "path", backup, "error", err)
	} else if err := os.Remove(backup); err != nil {
		j.log.Warn("remove rotated journal", "path", backup, "error", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	j.size = 0
	j.log.Info("journal rotated", "archive", backup+".gz", "seq", j.seq)
	return nil
}

func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
