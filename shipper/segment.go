package shipper

import (
	"bytes"
	"compress/gzip"
	"time"
)

// segment is the in-progress, not-yet-uploaded log file. It is owned
// exclusively by the shipper's write path and replaced on rotation.
type segment struct {
	buf       bytes.Buffer
	createdAt time.Time
}

func newSegment() *segment {
	return &segment{createdAt: time.Now()}
}

func (s *segment) write(p []byte) {
	s.buf.Write(p)
}

func (s *segment) size() int64 {
	return int64(s.buf.Len())
}

// uploadTask is a sealed segment awaiting transfer. The payload is the raw
// segment body; compression happens in the upload worker so the write path
// never pays for it.
type uploadTask struct {
	key        string
	payload    []byte
	compressed bool
	attempt    int
}

func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(p); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
