// Package evtc reads the parts of arcdps combat logs the pipeline needs:
// the header, the player roster, the recording player and the kill flag.
//
// Layout of an uncompressed log (all integers little endian):
//
//	header   16 bytes  "EVTC" + build date[8], revision u8, species id u16, pad u8
//	agents   u32 count, then count * 96 bytes
//	skills   u32 count, then count * 68 bytes
//	events   64 bytes each until EOF (revision 1)
//
// A .zevtc file is a zip archive holding one uncompressed log.
package evtc

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

var (
	ErrBadMagic     = errors.New("not an evtc log")
	ErrTruncated    = errors.New("log is truncated")
	ErrEmptyArchive = errors.New("archive holds no log")
	ErrTooLarge     = errors.New("log exceeds the size limit")
)

const (
	headerSize = 16
	agentSize  = 96
	skillSize  = 68
	eventSize  = 64

	// maxAgents guards against garbage counts in corrupt headers.
	maxAgents = 1 << 16
	maxSkills = 1 << 20

	// ctxCheckEvents is how many events are scanned between context checks.
	ctxCheckEvents = 1024

	eliteGadget = 0xFFFFFFFF

	stateChangePOV    = 13
	stateChangeReward = 17
)

// MaxArchiveEntry caps the decompressed size of a .zevtc entry when no
// max size is configured.
const MaxArchiveEntry = 512 << 20

// Parser reads logs from disk.
type Parser struct {
	maxSize    int64 // refuse files larger than this, zero for no limit
	entryLimit int64 // decompressed archive entry cap
}

// NewParser returns a parser. maxSize limits the uncompressed log size in
// bytes; zero disables the limit for plain logs and leaves archives capped at
// MaxArchiveEntry.
func NewParser(maxSize int64) *Parser {
	limit := maxSize
	if limit <= 0 {
		limit = MaxArchiveEntry
	}
	return &Parser{maxSize: maxSize, entryLimit: limit}
}

// ParseFile reads and parses the log at path. ctx is checked while reading,
// so a parse timeout interrupts large logs.
func (p *Parser) ParseFile(ctx context.Context, path string) (types.Encounter, error) {
	if err := ctx.Err(); err != nil {
		return types.Encounter{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return types.Encounter{}, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return types.Encounter{}, err
	}

	if !isZip(f) {
		if p.maxSize > 0 && stat.Size() > p.maxSize {
			return types.Encounter{}, fmt.Errorf("%w: %d bytes, limit is %d", ErrTooLarge, stat.Size(), p.maxSize)
		}
		return ParseContext(ctx, f)
	}

	zr, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return types.Encounter{}, fmt.Errorf("open archive: %w", err)
	}
	if len(zr.File) == 0 {
		return types.Encounter{}, fmt.Errorf("open archive: %w", ErrEmptyArchive)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return types.Encounter{}, fmt.Errorf("open archive: %w", err)
	}
	defer rc.Close()
	return ParseContext(ctx, &capReader{r: rc, left: p.entryLimit})
}

func isZip(r io.ReaderAt) bool {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return bytes.Equal(magic[:], []byte("PK\x03\x04"))
}

// capReader fails with ErrTooLarge once more than left bytes were read.
type capReader struct {
	r    io.Reader
	left int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrTooLarge
	}
	return n, err
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// agent is a decoded roster entry.
type agent struct {
	addr    uint64
	prof    uint32
	elite   uint32
	player  types.Player
	isHuman bool
}

// Parse decodes an uncompressed log.
func Parse(r io.Reader) (types.Encounter, error) {
	return ParseContext(context.Background(), r)
}

// ParseContext decodes an uncompressed log and gives up with ctx.Err() once
// ctx is done.
func ParseContext(ctx context.Context, r io.Reader) (types.Encounter, error) {
	br := bufio.NewReaderSize(ctxReader{ctx: ctx, r: r}, 64*1024)
	var enc types.Encounter

	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return enc, fmt.Errorf("header: %w", truncated(err))
	}
	if string(hdr[:4]) != "EVTC" {
		return enc, ErrBadMagic
	}
	enc.BuildAt = strings.TrimRight(string(hdr[4:12]), "\x00")
	enc.Revision = hdr[12]
	enc.Category = binary.LittleEndian.Uint16(hdr[13:15])
	enc.Boss = BossName(enc.Category)

	agents, err := readAgents(br)
	if err != nil {
		return enc, err
	}
	if err := skipSkills(br); err != nil {
		return enc, err
	}

	byAddr := make(map[uint64]*agent, len(agents))
	for i := range agents {
		a := &agents[i]
		if a.isHuman {
			enc.Players = append(enc.Players, a.player)
			byAddr[a.addr] = a
		}
	}

	if enc.Revision >= 1 {
		pov, success, err := scanEvents(ctx, br)
		if err != nil {
			return enc, err
		}
		enc.Success = success
		if a, ok := byAddr[pov]; ok {
			enc.Account = a.player.Account
		}
	}
	if enc.Account == "" && len(enc.Players) > 0 {
		enc.Account = enc.Players[0].Account
	}
	return enc, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func readCount(r io.Reader, what string, limit uint32) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("%s count: %w", what, truncated(err))
	}
	if n > limit {
		return 0, fmt.Errorf("%s count %d exceeds %d", what, n, limit)
	}
	return n, nil
}

func readAgents(r io.Reader) ([]agent, error) {
	n, err := readCount(r, "agent", maxAgents)
	if err != nil {
		return nil, err
	}
	out := make([]agent, 0, n)
	var buf [agentSize]byte
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("agent %d: %w", i, truncated(err))
		}
		out = append(out, decodeAgent(buf[:]))
	}
	return out, nil
}

// decodeAgent reads one 96 byte agent record. Player names are packed as
// "character\x00:account\x00subgroup\x00".
func decodeAgent(b []byte) agent {
	a := agent{
		addr:  binary.LittleEndian.Uint64(b[0:8]),
		prof:  binary.LittleEndian.Uint32(b[8:12]),
		elite: binary.LittleEndian.Uint32(b[12:16]),
	}
	name := b[28 : 28+64]
	parts := bytes.SplitN(name, []byte{0}, 4)

	if a.elite == eliteGadget || a.prof>>16 == 0xFFFF || len(parts) < 3 {
		return a
	}
	account := strings.TrimPrefix(string(parts[1]), ":")
	if account == "" {
		return a
	}
	a.isHuman = true
	a.player = types.Player{
		Character:  string(parts[0]),
		Account:    account,
		Profession: a.prof,
		EliteSpec:  a.elite,
		Subgroup:   string(parts[2]),
	}
	return a
}

func skipSkills(r io.Reader) error {
	n, err := readCount(r, "skill", maxSkills)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(io.Discard, r, int64(n)*skillSize); err != nil {
		return fmt.Errorf("skills: %w", truncated(err))
	}
	return nil
}

// scanEvents walks the revision 1 event stream looking for the point of view
// and reward state changes. A partial trailing record ends the scan.
func scanEvents(ctx context.Context, r io.Reader) (pov uint64, success bool, err error) {
	var buf [eventSize]byte
	for n := 1; ; n++ {
		if n%ctxCheckEvents == 0 {
			if err := ctx.Err(); err != nil {
				return pov, success, err
			}
		}
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return pov, success, nil
			}
			return pov, success, fmt.Errorf("events: %w", err)
		}
		switch buf[56] {
		case stateChangePOV:
			pov = binary.LittleEndian.Uint64(buf[8:16])
		case stateChangeReward:
			success = true
		}
	}
}
