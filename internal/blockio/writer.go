package blockio

import (
	"fmt"
	"io"
	"os"
)

// Writer is an append-only, block-compressed substream writer. Bytes
// handed to Write are buffered up to blockSize before being pushed through
// the Codec's encoder, so the encoder (and, for codecs like zstd that
// support it, its background worker pool) sees work in blockSize-ish
// chunks rather than one byte at a time.
type Writer struct {
	f       *os.File
	counter *countingWriter
	enc     io.WriteCloser

	blockSize int
	pending   []byte

	uncompressedBytes uint64

	err error
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// NewWriter creates (truncating) path and returns a Writer that compresses
// everything written to it with codec, using the given block size and
// worker-thread count.
func NewWriter(path string, codec Codec, blockSize, threads int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockio: opening %q: %w", path, err)
	}
	cw := &countingWriter{w: f}
	enc, err := codec.NewEncoder(cw, threads)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockio: creating encoder for %q: %w", path, err)
	}
	return &Writer{
		f:         f,
		counter:   cw,
		enc:       enc,
		blockSize: blockSize,
	}, nil
}

// Good reports whether the writer has not yet encountered an I/O error.
func (w *Writer) Good() bool {
	return w.err == nil
}

// Write buffers p and flushes complete blocks to the underlying encoder.
// A short write anywhere in the chain is treated as fatal by the caller
// (see trace.Writer); Write itself just reports the error.
func (w *Writer) Write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	w.uncompressedBytes += uint64(len(p))
	w.pending = append(w.pending, p...)
	for len(w.pending) >= w.blockSize {
		if err := w.flushBlock(w.pending[:w.blockSize]); err != nil {
			w.err = err
			return err
		}
		w.pending = w.pending[w.blockSize:]
	}
	return nil
}

func (w *Writer) flushBlock(block []byte) error {
	n, err := w.enc.Write(block)
	if err != nil {
		return err
	}
	if n != len(block) {
		return fmt.Errorf("blockio: short write: wrote %d of %d bytes", n, len(block))
	}
	return nil
}

// UncompressedBytes returns the number of logical bytes written so far.
func (w *Writer) UncompressedBytes() uint64 { return w.uncompressedBytes }

// CompressedBytes returns the number of bytes written to the underlying
// file so far (i.e. after compression). The final value is only accurate
// once Close has been called, since compressors buffer internally.
func (w *Writer) CompressedBytes() uint64 { return w.counter.n }

// Close flushes any buffered bytes, closes the encoder (which drains its
// worker pool), and closes the underlying file.
func (w *Writer) Close() error {
	if w.err == nil && len(w.pending) > 0 {
		if err := w.flushBlock(w.pending); err != nil {
			w.err = err
		}
		w.pending = nil
	}
	if err := w.enc.Close(); err != nil && w.err == nil {
		w.err = err
	}
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
