package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum computes the CRC32 of an entry's content. The Checksum field itself
// is not covered.
func Checksum(e Entry) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	for _, s := range []string{
		e.Session,
		strconv.Itoa(int(e.JobID)),
		e.Location,
		string(e.Stage),
		string(e.From),
		string(e.To),
		e.Detail,
		strconv.FormatInt(e.At.UnixNano(), 10),
	} {
		b.WriteByte(0)
		b.WriteString(s)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify checks an entry against its stored checksum.
func Verify(e Entry) error {
	if want := Checksum(e); want != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
	}
	return nil
}
