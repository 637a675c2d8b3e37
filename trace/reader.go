package trace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tracereplay/rrtrace/container"
	"github.com/tracereplay/rrtrace/internal/blockio"
	"github.com/tracereplay/rrtrace/tracedir"
)

// Reader reads back a trace directory written by a Writer, substream by
// substream, in the same order it was recorded. A Reader owns its own
// substream file handles independently of any Writer or other Reader, so a
// replayer can open several Readers over the same trace directory (e.g.
// one rewound to an earlier point) without interfering with each other.
type Reader struct {
	Stream

	readers [substreamCount]*blockio.Reader

	header Header
}

// NewReader opens dir for reading. If dir is empty, it resolves to the
// trace root's "latest-trace" symlink, matching how a replayer normally
// finds the trace to continue from without being told its name.
func NewReader(dir string) (*Reader, error) {
	if dir == "" {
		link := tracedir.LatestSymlinkPath()
		resolved, err := filepath.EvalSymlinks(link)
		if err != nil {
			return nil, dataErrorf("trace: resolving latest trace symlink %q: %w", link, err)
		}
		dir = resolved
	}

	r := &Reader{Stream: Stream{dir: dir, globalTime: 0}}

	versionFile, err := os.Open(r.VersionPath())
	if err != nil {
		return nil, dataErrorf("trace: opening %s: %w", r.VersionPath(), err)
	}
	defer versionFile.Close()

	header, err := readVersionFile(versionFile)
	if err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return nil, &DataError{err: err}
		}
		return nil, dataErrorf("trace: reading header from %s: %w", r.VersionPath(), err)
	}
	r.header = header

	for s := Substream(0); s < substreamCount; s++ {
		info := substream(s)
		br, err := blockio.NewReader(r.Path(s), info.codec)
		if err != nil {
			return nil, dataErrorf("trace: opening substream %s: %w", s, err)
		}
		r.readers[s] = br
	}

	return r, nil
}

// BindToCPU returns the CPU the recording was pinned to, if any.
func (r *Reader) BindToCPU() container.Option[int32] { return r.header.BindToCPU }

// HasCPUIDFaulting reports whether the recording captured CPUID via
// faulting emulation rather than direct execution.
func (r *Reader) HasCPUIDFaulting() bool { return r.header.HasCPUIDFaulting }

// CPUIDRecords returns the CPUID leaf samples captured at record time.
func (r *Reader) CPUIDRecords() []CPUIDRecord { return r.header.CPUIDRecords }

// UUID returns the random identifier recorded in this trace's header.
func (r *Reader) UUID() [16]byte { return r.header.UUID }

// Good reports whether every substream reader is still healthy.
func (r *Reader) Good() bool {
	for _, br := range r.readers {
		if !br.Good() {
			return false
		}
	}
	return true
}

// ReadFrame reads the next EVENTS record, advances the frame clock, and
// asserts that the clock's new value matches the frame's recorded time —
// mirroring the writer, which ticks only after a frame is durably
// appended, the reader ticks before comparing against the frame it just
// decoded.
func (r *Reader) ReadFrame() (TraceFrame, error) {
	frame, err := readFrame(r.readers[Events])
	if err != nil {
		return TraceFrame{}, fmt.Errorf("trace: reading frame %d: %w", r.globalTime, err)
	}
	r.tick()
	if frame.Time != r.globalTime {
		return TraceFrame{}, fmt.Errorf("trace: frame at position %d has time %d", r.globalTime, frame.Time)
	}
	return frame, nil
}

// PeekFrame reports the next EVENTS record without advancing the frame
// clock or consuming it from the substream: on return the reader's cursor
// and Time() are byte-identical to before the call. found is false when
// EVENTS is exhausted.
func (r *Reader) PeekFrame() (frame TraceFrame, found bool, err error) {
	events := r.readers[Events]
	if events.AtEnd() {
		return TraceFrame{}, false, nil
	}
	events.SaveState()
	frame, err = readFrame(events)
	events.RestoreState()
	if err != nil {
		return TraceFrame{}, false, fmt.Errorf("trace: peeking frame %d: %w", r.globalTime, err)
	}
	return frame, true, nil
}

// ReadTaskEvent returns the next TASKS record, or ok=false once the
// substream is exhausted.
func (r *Reader) ReadTaskEvent() (TraceTaskEvent, bool, error) {
	e, ok, err := readTaskEvent(r.readers[Tasks])
	if err != nil {
		return TraceTaskEvent{}, false, fmt.Errorf("trace: reading task event: %w", err)
	}
	return e, ok, nil
}

// ReadMappedRegion reads the next MMAPS record unconditionally, regardless
// of which frame it belongs to. validate controls whether a SourceFile
// backing is stat'd and compared against its recorded (inode, mode, uid,
// gid, size, mtime).
func (r *Reader) ReadMappedRegion(validate ValidateSourceFile) (KernelMapping, MappedData, bool, error) {
	km, data, ok, err := readMappedRegion(r.readers[MMaps], r.dir, r.globalTime, AnyTime, validate)
	if err != nil {
		return KernelMapping{}, MappedData{}, false, fmt.Errorf("trace: reading mapped region: %w", err)
	}
	return km, data, ok, nil
}

// ReadMappedRegionForCurrentFrame reads the next MMAPS record only if it
// belongs to the reader's current frame time; otherwise it leaves the
// substream cursor untouched and reports found=false.
func (r *Reader) ReadMappedRegionForCurrentFrame(validate ValidateSourceFile) (KernelMapping, MappedData, bool, error) {
	km, data, ok, err := readMappedRegion(r.readers[MMaps], r.dir, r.globalTime, CurrentTimeOnly, validate)
	if err != nil {
		return KernelMapping{}, MappedData{}, false, fmt.Errorf("trace: reading mapped region: %w", err)
	}
	return km, data, ok, nil
}

// ReadRawData reads the next RAW_DATA record unconditionally.
func (r *Reader) ReadRawData() (RawData, error) {
	d, err := readRaw(r.readers[RawDataHeader], r.readers[RawDataStream], r.globalTime)
	if err != nil {
		return RawData{}, fmt.Errorf("trace: reading raw data: %w", err)
	}
	return d, nil
}

// ReadRawDataForFrame reads the next RAW_DATA record only if it's tagged
// with frame.Time; otherwise nothing is consumed and ok is false.
func (r *Reader) ReadRawDataForFrame(frame TraceFrame) (RawData, bool, error) {
	d, ok, err := readRawForFrame(r.readers[RawDataHeader], r.readers[RawDataStream], frame)
	if err != nil {
		return RawData{}, false, fmt.Errorf("trace: reading raw data for frame %d: %w", frame.Time, err)
	}
	return d, ok, nil
}

// ReadGeneric reads the next GENERIC record unconditionally.
func (r *Reader) ReadGeneric() ([]byte, error) {
	b, err := readGeneric(r.readers[Generic], r.globalTime)
	if err != nil {
		return nil, fmt.Errorf("trace: reading generic payload: %w", err)
	}
	return b, nil
}

// ReadGenericForFrame reads the next GENERIC record only if it's tagged
// with frame.Time.
func (r *Reader) ReadGenericForFrame(frame TraceFrame) ([]byte, bool, error) {
	b, ok, err := readGenericForFrame(r.readers[Generic], frame)
	if err != nil {
		return nil, false, fmt.Errorf("trace: reading generic payload for frame %d: %w", frame.Time, err)
	}
	return b, ok, nil
}

// Rewind resets every substream to its beginning and the frame clock back
// to 0, so the reader can be replayed from scratch (the next ReadFrame
// yields time 1).
func (r *Reader) Rewind() error {
	for s, br := range r.readers {
		if err := br.Rewind(); err != nil {
			return fmt.Errorf("trace: rewinding substream %s: %w", Substream(s), err)
		}
	}
	r.globalTime = 0
	return nil
}

// Copy returns an independent Reader over the same trace directory,
// positioned at the same frame as r: each substream decoder is duplicated
// with its own cursor state rather than reopened from scratch. Substream
// state (buffers, checkpoints, decoders) is never shared between the two
// afterward: advancing one has no effect on the other. This is the
// replayer's way of branching execution to explore an alternative
// continuation from here without losing the original reader's position.
func (r *Reader) Copy() (*Reader, error) {
	nr := &Reader{
		Stream: Stream{dir: r.dir, globalTime: r.globalTime},
		header: r.header,
	}
	for s, br := range r.readers {
		clone, err := br.Clone()
		if err != nil {
			return nil, fmt.Errorf("trace: copying substream %s: %w", Substream(s), err)
		}
		nr.readers[s] = clone
	}
	return nr, nil
}

// UncompressedBytes sums the decompressed byte counts read so far across
// every substream.
func (r *Reader) UncompressedBytes() uint64 {
	var total uint64
	for _, br := range r.readers {
		total += br.UncompressedBytes()
	}
	return total
}

// CompressedBytes sums the on-disk byte counts read so far across every
// substream.
func (r *Reader) CompressedBytes() uint64 {
	var total uint64
	for _, br := range r.readers {
		total += br.CompressedBytes()
	}
	return total
}

// Close releases every substream reader's file handle.
func (r *Reader) Close() error {
	var firstErr error
	for _, br := range r.readers {
		if err := br.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
