package blockio

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeAndClose(t *testing.T, path string, codec Codec, blockSize, threads int, chunks ...[]byte) {
	t.Helper()
	w, err := NewWriter(path, codec, blockSize, threads)
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, w.Write(c))
	}
	require.NoError(t, w.Close())
}

func TestWriterReaderRoundTripZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")
	writeAndClose(t, path, Zstd, 16, 1, []byte("hello, "), []byte("world"), []byte("!"))

	r, err := NewReader(path, Zstd)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, len("hello, world!"))
	require.NoError(t, r.Read(got))
	require.Equal(t, "hello, world!", string(got))
	require.True(t, r.AtEnd())
}

func TestWriterReaderRoundTripSnappy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")
	writeAndClose(t, path, Snappy, 16, 1, []byte("small side-channel payload"))

	r, err := NewReader(path, Snappy)
	require.NoError(t, err)
	defer r.Close()

	got := make([]byte, len("small side-channel payload"))
	require.NoError(t, r.Read(got))
	require.Equal(t, "small side-channel payload", string(got))
}

func TestReaderSaveRestoreState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")
	writeAndClose(t, path, Zstd, 64, 1, []byte("ABCDEFGHIJ"))

	r, err := NewReader(path, Zstd)
	require.NoError(t, err)
	defer r.Close()

	first := make([]byte, 3)
	require.NoError(t, r.Read(first))
	require.Equal(t, "ABC", string(first))

	r.SaveState()
	peeked := make([]byte, 3)
	require.NoError(t, r.Read(peeked))
	require.Equal(t, "DEF", string(peeked))
	r.RestoreState()

	again := make([]byte, 3)
	require.NoError(t, r.Read(again))
	require.Equal(t, "DEF", string(again), "RestoreState must roll the cursor back to before the peeked read")

	rest := make([]byte, 4)
	require.NoError(t, r.Read(rest))
	require.Equal(t, "GHIJ", string(rest))
}

func TestReaderDiscardStateCommitsRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")
	writeAndClose(t, path, Zstd, 64, 1, []byte("0123456789"))

	r, err := NewReader(path, Zstd)
	require.NoError(t, err)
	defer r.Close()

	r.SaveState()
	buf := make([]byte, 5)
	require.NoError(t, r.Read(buf))
	require.Equal(t, "01234", string(buf))
	r.DiscardState()

	rest := make([]byte, 5)
	require.NoError(t, r.Read(rest))
	require.Equal(t, "56789", string(rest))
}

func TestReaderPeekDoesNotConsume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")
	writeAndClose(t, path, Zstd, 64, 1, []byte("peekme"))

	r, err := NewReader(path, Zstd)
	require.NoError(t, err)
	defer r.Close()

	peeked, err := r.Peek(4)
	require.NoError(t, err)
	require.Equal(t, "peek", string(peeked))

	buf := make([]byte, 6)
	require.NoError(t, r.Read(buf))
	require.Equal(t, "peekme", string(buf))
}

func TestReaderRewind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")
	writeAndClose(t, path, Zstd, 64, 1, []byte("rewindable"))

	r, err := NewReader(path, Zstd)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 10)
	require.NoError(t, r.Read(buf))
	require.True(t, r.AtEnd())

	require.NoError(t, r.Rewind())
	require.False(t, r.AtEnd())
	require.NoError(t, r.Read(buf))
	require.Equal(t, "rewindable", string(buf))
}

func TestUvarintRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")

	w, err := NewWriter(path, Zstd, 64, 1)
	require.NoError(t, err)
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(buf[:], v)
		require.NoError(t, w.Write(buf[:n]))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(path, Zstd)
	require.NoError(t, err)
	defer r.Close()

	for _, want := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		got, err := r.ReadUvarint()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
