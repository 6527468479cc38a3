package journal

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// maxLine bounds one encoded entry; details carry redacted error text only.
const maxLine = 1 << 20

// Handler receives entries during replay. Returning an error stops the replay.
type Handler func(e Entry) error

// Replay reads every entry of the journal at path in order. Files ending in
// .gz are decompressed. Replay stops at the first undecodable line or
// checksum mismatch.
func Replay(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		defer zr.Close()
		r = zr
	}
	return ReplayReader(r, handler)
}

// ReplayReader is Replay over an already opened stream.
func ReplayReader(r io.Reader, handler Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := Verify(e); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// LastEntry returns the last valid entry of the journal, or nil for an empty
// file. When a corrupted entry is hit the last good entry is returned with the
// error.
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := Replay(path, func(e Entry) error {
		last = &e
		return nil
	})
	return last, err
}

// Summary describes the contents of a journal file.
type Summary struct {
	Entries   int                     // valid entries read
	Sessions  []string                // session ids in order of first appearance
	ByState   map[types.StepState]int // entries by target state
	FirstSeq  uint64
	LastSeq   uint64
	TimeRange [2]time.Time // earliest and latest transition time
	Corrupted bool         // reading stopped at a bad entry
}

// Summarize reads a journal file and aggregates it. A corrupted tail is
// reported through Summary.Corrupted, not as an error.
func Summarize(path string) (*Summary, error) {
	s := &Summary{ByState: make(map[types.StepState]int)}
	seen := make(map[string]bool)

	err := Replay(path, func(e Entry) error {
		if s.Entries == 0 {
			s.FirstSeq = e.Seq
			s.TimeRange[0] = e.At
		}
		s.Entries++
		s.LastSeq = e.Seq
		s.ByState[e.To]++
		if e.At.Before(s.TimeRange[0]) {
			s.TimeRange[0] = e.At
		}
		if e.At.After(s.TimeRange[1]) {
			s.TimeRange[1] = e.At
		}
		if !seen[e.Session] {
			seen[e.Session] = true
			s.Sessions = append(s.Sessions, e.Session)
		}
		return nil
	})
	if errors.Is(err, ErrCorrupted) || errors.Is(err, ErrChecksumMismatch) {
		s.Corrupted = true
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
