package blockio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tracereplay/rrtrace/slices"
)

// Reader is a sequential, block-compressed substream reader with explicit
// checkpoint/rollback support. Look-ahead (peeking at the next record to
// see whether it belongs to the current frame, then putting it back) is
// implemented entirely against Reader's own buffer via SaveState /
// RestoreState / DiscardState — never via a file-descriptor seek, since the
// underlying stream is compressed and has no meaningful byte offsets from
// the caller's point of view.
type Reader struct {
	path  string
	codec Codec

	f       *os.File
	counter *countingReader
	dec     io.ReadCloser

	buf    []byte
	pos    int
	saved  []int
	eof    bool
	err    error

	uncompressedBytes uint64
	totalRead         uint64
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// NewReader opens path for sequential decompressed reading with codec.
func NewReader(path string, codec Codec) (*Reader, error) {
	r := &Reader{path: path, codec: codec}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("blockio: opening %q: %w", r.path, err)
	}
	cr := &countingReader{r: f}
	dec, err := r.codec.NewDecoder(cr)
	if err != nil {
		f.Close()
		return fmt.Errorf("blockio: creating decoder for %q: %w", r.path, err)
	}
	r.f = f
	r.counter = cr
	r.dec = dec
	r.buf = nil
	r.pos = 0
	r.saved = nil
	r.eof = false
	r.err = nil
	r.totalRead = 0
	return nil
}

// Good reports whether the reader has not yet encountered an unexpected
// I/O error (reaching end of stream is not itself an error).
func (r *Reader) Good() bool {
	return r.err == nil
}

// ensure grows buf until at least n unread bytes are available starting at
// pos, or the underlying decoder is exhausted.
func (r *Reader) ensure(n int) error {
	for len(r.buf)-r.pos < n && !r.eof {
		chunk := make([]byte, 64*1024)
		m, err := r.dec.Read(chunk)
		if m > 0 {
			r.buf = append(r.buf, chunk[:m]...)
			r.uncompressedBytes += uint64(m)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				break
			}
			r.err = err
			return err
		}
	}
	return nil
}

// AtEnd reports whether the substream has no more bytes to read.
func (r *Reader) AtEnd() bool {
	if r.err != nil {
		return true
	}
	r.ensure(1)
	return len(r.buf)-r.pos == 0
}

// Read fills p entirely from the substream, like io.ReadFull, consuming
// the buffer and advancing past any outstanding SaveState checkpoints.
func (r *Reader) Read(p []byte) error {
	if r.err != nil {
		return r.err
	}
	if err := r.ensure(len(p)); err != nil {
		return err
	}
	if len(r.buf)-r.pos < len(p) {
		return io.ErrUnexpectedEOF
	}
	copy(p, r.buf[r.pos:r.pos+len(p)])
	r.pos += len(p)
	r.totalRead += uint64(len(p))
	r.compact()
	return nil
}

// ReadByte reads and consumes a single byte, for varint decoding.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	if err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUvarint decodes a binary.Uvarint-encoded value one byte at a time.
func (r *Reader) ReadUvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			if i > 9 || (i == 9 && b > 1) {
				return 0, fmt.Errorf("blockio: uvarint overflow")
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

// Peek returns the next n bytes without consuming them. The returned
// slice aliases the reader's internal buffer and is only valid until the
// next call that mutates it.
func (r *Reader) Peek(n int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := r.ensure(n); err != nil {
		return nil, err
	}
	if len(r.buf)-r.pos < n {
		return nil, io.ErrUnexpectedEOF
	}
	return r.buf[r.pos : r.pos+n], nil
}

// SaveState pushes the current read position as a checkpoint.
func (r *Reader) SaveState() {
	r.saved = append(r.saved, r.pos)
}

// RestoreState pops the most recent checkpoint and rewinds to it.
func (r *Reader) RestoreState() {
	pos, rest, ok := slices.Pop(r.saved)
	if !ok {
		panic("blockio: RestoreState without a matching SaveState")
	}
	r.totalRead -= uint64(r.pos - pos)
	r.pos = pos
	r.saved = rest
}

// DiscardState pops the most recent checkpoint, committing to every read
// performed since the matching SaveState.
func (r *Reader) DiscardState() {
	_, rest, ok := slices.Pop(r.saved)
	if !ok {
		panic("blockio: DiscardState without a matching SaveState")
	}
	r.saved = rest
	r.compact()
}

// compact drops buffered bytes that can no longer be rewound to, bounding
// memory use once there's nothing left to roll back to.
func (r *Reader) compact() {
	if len(r.saved) > 0 {
		return
	}
	if r.pos == 0 {
		return
	}
	r.buf = append([]byte(nil), r.buf[r.pos:]...)
	r.pos = 0
}

// Clone returns an independent Reader over the same path, positioned at the
// same logical offset as r: the same number of uncompressed bytes already
// consumed. The underlying compressed stream has no addressable offset a
// second decoder could seek to directly, so the clone decodes from scratch
// and fast-forwards past the bytes r has already delivered to its caller.
// Any outstanding SaveState checkpoints on r are not carried over; Clone is
// meant to be called between reads, not mid-lookahead.
func (r *Reader) Clone() (*Reader, error) {
	if r.err != nil {
		return nil, r.err
	}
	clone := &Reader{path: r.path, codec: r.codec}
	if err := clone.open(); err != nil {
		return nil, err
	}
	var scratch [64 * 1024]byte
	remaining := r.totalRead
	for remaining > 0 {
		n := uint64(len(scratch))
		if n > remaining {
			n = remaining
		}
		if err := clone.Read(scratch[:n]); err != nil {
			clone.Close()
			return nil, fmt.Errorf("blockio: cloning %q: replaying %d bytes: %w", r.path, r.totalRead, err)
		}
		remaining -= n
	}
	return clone, nil
}

// Rewind resets the substream to its beginning, discarding all buffered
// state and checkpoints.
func (r *Reader) Rewind() error {
	if r.dec != nil {
		r.dec.Close()
	}
	if r.f != nil {
		r.f.Close()
	}
	return r.open()
}

// UncompressedBytes returns the number of decompressed bytes produced by
// the decoder so far.
func (r *Reader) UncompressedBytes() uint64 { return r.uncompressedBytes }

// CompressedBytes returns the number of bytes read from the underlying
// file so far.
func (r *Reader) CompressedBytes() uint64 { return r.counter.n }

// Close releases the decoder and underlying file.
func (r *Reader) Close() error {
	var err error
	if r.dec != nil {
		err = r.dec.Close()
	}
	if cerr := r.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
