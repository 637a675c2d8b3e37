// Package trace implements the trace stream subsystem: a multi-substream,
// compressed, structured container that a recorder writes frame-by-frame
// and a replayer reads back in the same order. See Writer and Reader.
package trace

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/tracereplay/rrtrace/internal/blockio"
)

// Substream identifies one of the fixed set of files that make up a trace
// directory. Order matters: it's the enum numbering referenced throughout
// the format.
type Substream int

const (
	Events Substream = iota
	RawDataHeader
	RawDataStream
	MMaps
	Tasks
	Generic

	substreamCount
)

func (s Substream) String() string {
	switch s {
	case Events:
		return "events"
	case RawDataHeader:
		return "data_header"
	case RawDataStream:
		return "data"
	case MMaps:
		return "mmaps"
	case Tasks:
		return "tasks"
	case Generic:
		return "generic"
	default:
		return fmt.Sprintf("Substream(%d)", int(s))
	}
}

type substreamInfo struct {
	name      string
	blockSize int
	codec     blockio.Codec
	threads   int
}

var rawDataThreads = sync.OnceValue(func() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
})

// substream returns the fixed per-substream configuration: file name,
// block size, worker count, and the codec used for that substream's
// compressed blocks. RAW_DATA scales its worker count to min(8, NumCPU);
// the rest use a single worker. GENERIC uses snappy rather than zstd: its
// records are small, time-tagged, low-entropy side-channel payloads where
// zstd's background worker pool buys little over snappy's lower per-call
// overhead.
func substream(s Substream) substreamInfo {
	switch s {
	case Events:
		return substreamInfo{"events", 1024 * 1024, blockio.Zstd, 1}
	case RawDataHeader:
		return substreamInfo{"data_header", 1024 * 1024, blockio.Zstd, 1}
	case RawDataStream:
		return substreamInfo{"data", 1024 * 1024, blockio.Zstd, rawDataThreads()}
	case MMaps:
		return substreamInfo{"mmaps", 64 * 1024, blockio.Zstd, 1}
	case Tasks:
		return substreamInfo{"tasks", 64 * 1024, blockio.Zstd, 1}
	case Generic:
		return substreamInfo{"generic", 64 * 1024, blockio.Snappy, 1}
	default:
		panic(fmt.Sprintf("trace: unknown substream %d", int(s)))
	}
}

// FrameTime is the monotonically increasing counter that ties every
// substream's records back to the EVENTS frame they belong to. It is the
// join key across substreams: the I/O layer gives no cross-file ordering
// guarantee, so every cross-stream read compares FrameTime values, never
// file offsets.
type FrameTime int64

// Stream is the state shared by Writer and Reader: the trace directory and
// the current frame clock. Two Streams never share mutable substream
// state — Writer and Reader each own their own file handles.
type Stream struct {
	dir        string
	globalTime FrameTime
}

// Dir returns the trace directory. The path is not canonicalized: a
// Writer's is built under tracedir.Root(), and a Reader's is the path
// passed to NewReader (or, when that is empty, the resolved latest-trace
// symlink), so it may be relative or contain symlinks.
func (s *Stream) Dir() string { return s.dir }

// Time returns the current frame clock value.
func (s *Stream) Time() FrameTime { return s.globalTime }

// Path returns the path of substream s within this trace directory.
func (s *Stream) Path(sub Substream) string {
	return filepath.Join(s.dir, substream(sub).name)
}

// VersionPath returns the path of the version/header file.
func (s *Stream) VersionPath() string {
	return filepath.Join(s.dir, "version")
}

func (s *Stream) tick() {
	s.globalTime++
}

// CloneDataFileName builds the path rr uses to store a clone of a file's
// data, keyed by the task that mapped it and a per-task serial number
// (TaskUid in the original). It lives here rather than on MappingClassifier
// because it's purely a naming convention over the trace directory, with
// no decision logic attached.
func (s *Stream) CloneDataFileName(tid int32, serial uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("cloned_data_%d_%d", tid, serial))
}
