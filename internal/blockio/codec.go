// Package blockio implements the substream block-compression layer that
// TraceWriter and TraceReader build on. It is deliberately substitutable:
// the compressed-block format is just "some sequence of bytes produced by
// an Encoder and understood by the matching Decoder", so a substream can
// be written with one compressor and, in principle, read back with any
// Codec that understands the bytes it actually contains.
//
// The default Codec (Zstd) compresses blocks across a pool of background
// worker goroutines sized per substream; a lighter-weight Codec (Snappy)
// is also provided for substreams where entropy is low enough that zstd's
// ratio advantage isn't worth its extra CPU.
package blockio

import (
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec names a compression scheme usable for a substream file.
type Codec interface {
	// NewEncoder wraps w, compressing everything written to the returned
	// WriteCloser. threads bounds the size of the codec's background
	// worker pool; codecs that don't support parallel compression may
	// ignore it.
	NewEncoder(w io.Writer, threads int) (io.WriteCloser, error)
	// NewDecoder wraps r, decompressing everything read from the
	// returned ReadCloser.
	NewDecoder(r io.Reader) (io.ReadCloser, error)
}

// Zstd is the default Codec: github.com/klauspost/compress/zstd, which
// maintains its own pool of worker goroutines for block compression when
// given a concurrency hint greater than one.
var Zstd Codec = zstdCodec{}

// Snappy is a lighter secondary Codec, provided so substreams with small,
// low-entropy records (e.g. GENERIC side-channel payloads) can trade zstd's
// better ratio for snappy's lower CPU cost without touching the rest of the
// substream plumbing.
var Snappy Codec = snappyCodec{}

type zstdCodec struct{}

func (zstdCodec) NewEncoder(w io.Writer, threads int) (io.WriteCloser, error) {
	if threads < 1 {
		threads = 1
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(threads))
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (zstdCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type snappyCodec struct{}

type snappyWriteCloser struct {
	*snappy.Writer
}

func (s snappyWriteCloser) Close() error {
	return s.Writer.Close()
}

func (snappyCodec) NewEncoder(w io.Writer, _ int) (io.WriteCloser, error) {
	return snappyWriteCloser{snappy.NewBufferedWriter(w)}, nil
}

type snappyReadCloser struct {
	*snappy.Reader
}

func (snappyReadCloser) Close() error { return nil }

func (snappyCodec) NewDecoder(r io.Reader) (io.ReadCloser, error) {
	return snappyReadCloser{snappy.NewReader(r)}, nil
}
