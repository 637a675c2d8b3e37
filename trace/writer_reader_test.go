package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracereplay/rrtrace/container"
)

// newTestWriter opens a Writer rooted at a temp directory, bypassing
// tracedir's trace-root resolution so tests don't touch $HOME or
// $_RR_TRACE_DIR.
func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("_RR_TRACE_DIR", dir)
	w, err := NewWriter(filepath.Join(dir, "exe"), container.Some(int32(0)), false, WriterOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func openTestReader(t *testing.T, w *Writer) *Reader {
	t.Helper()
	require.NoError(t, w.Close())
	r, err := NewReader(w.Dir())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWriterReaderRoundTripFrames(t *testing.T) {
	w := newTestWriter(t)

	frames := []TraceFrame{
		{Tid: 100, Event: EncodedEvent{Type: EventSched}, Ticks: 10, MonotonicSec: 1.5},
		{Tid: 100, Event: EncodedEvent{Type: EventSyscall, Aux: 60}, Ticks: 20, MonotonicSec: 1.6},
		{
			Tid: 100, Event: EncodedEvent{Type: EventExec, HasExecInfo: true}, Ticks: 30, MonotonicSec: 1.7,
			Exec: &ExecInfo{Arch: ArchX86_64, Registers: make([]byte, 216)},
		},
	}
	for i := range frames {
		frames[i].Time = FrameTime(i + 1)
		require.NoError(t, w.WriteFrame(frames[i]))
	}

	r := openTestReader(t, w)
	for _, want := range frames {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, want.Time, got.Time)
		require.Equal(t, want.Tid, got.Tid)
		require.Equal(t, want.Event, got.Event)
		require.Equal(t, want.Ticks, got.Ticks)
		require.Equal(t, want.MonotonicSec, got.MonotonicSec)
		if want.Exec != nil {
			require.NotNil(t, got.Exec)
			require.Equal(t, want.Exec.Arch, got.Exec.Arch)
			require.Equal(t, want.Exec.Registers, got.Exec.Registers)
		}
	}
}

func TestPeekFrameDoesNotAdvanceClock(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 5, Event: EncodedEvent{Type: EventSched}}))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 2, Tid: 5, Event: EncodedEvent{Type: EventSched}}))

	r := openTestReader(t, w)

	timeBefore := r.Time()
	peeked, found, err := r.PeekFrame()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, timeBefore, r.Time())

	again, found, err := r.PeekFrame()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, peeked, again)

	got, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, peeked, got)
	require.Equal(t, timeBefore+1, r.Time())
}

func TestWriterReaderRoundTripTaskEvents(t *testing.T) {
	w := newTestWriter(t)

	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSched}}))
	require.NoError(t, w.WriteTaskEvent(TraceTaskEvent{
		Tid: 42, Type: TaskEventClone,
		Clone: TaskEventClonePayload{ParentTid: 1, OwnNsTid: 42, Flags: 0x00010000},
	}))
	require.NoError(t, w.WriteTaskEvent(TraceTaskEvent{
		Tid: 42, Type: TaskEventExec,
		Exec: TaskEventExecPayload{FileName: "/bin/ls\x00embedded", CmdLine: []string{"ls", "-la", "héllo"}},
	}))
	require.NoError(t, w.WriteTaskEvent(TraceTaskEvent{
		Tid: 42, Type: TaskEventExit,
		Exit: TaskEventExitPayload{ExitStatus: 0},
	}))

	r := openTestReader(t, w)

	clone, ok, err := r.ReadTaskEvent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TaskEventClone, clone.Type)
	require.EqualValues(t, 42, clone.Tid)
	require.EqualValues(t, 1, clone.Clone.ParentTid)

	exec, ok, err := r.ReadTaskEvent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/bin/ls\x00embedded", exec.Exec.FileName)
	require.Equal(t, []string{"ls", "-la", "héllo"}, exec.Exec.CmdLine)

	exit, ok, err := r.ReadTaskEvent()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, exit.Exit.ExitStatus)

	_, ok, err = r.ReadTaskEvent()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteTaskEventRejectsInvalidTid(t *testing.T) {
	w := newTestWriter(t)
	err := w.WriteTaskEvent(TraceTaskEvent{Tid: 0, Type: TaskEventExit})
	require.Error(t, err)
}

func TestWriterReaderRoundTripRawAndGeneric(t *testing.T) {
	w := newTestWriter(t)

	// Raw/generic side-channel data captured during a step is tagged with
	// the clock value the upcoming frame will carry, so it must be written
	// before WriteFrame ticks the clock past it.
	require.NoError(t, w.WriteRaw(1, 0x1000, []byte("hello raw bytes")))
	require.NoError(t, w.WriteGeneric([]byte("side channel payload")))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSyscall}}))

	r := openTestReader(t, w)
	frame, err := r.ReadFrame()
	require.NoError(t, err)

	raw, ok, err := r.ReadRawDataForFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello raw bytes", string(raw.Data))
	require.EqualValues(t, 0x1000, raw.Addr)

	generic, ok, err := r.ReadGenericForFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "side channel payload", string(generic))
}

func TestUnconditionalReadRawAndGenericFollowTheCurrentFrame(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.WriteRaw(1, 0x1000, []byte("hello raw bytes")))
	require.NoError(t, w.WriteGeneric([]byte("side channel payload")))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSyscall}}))

	r := openTestReader(t, w)
	_, err := r.ReadFrame()
	require.NoError(t, err)

	raw, err := r.ReadRawData()
	require.NoError(t, err)
	require.Equal(t, "hello raw bytes", string(raw.Data))
	require.EqualValues(t, 0x1000, raw.Addr)

	generic, err := r.ReadGeneric()
	require.NoError(t, err)
	require.Equal(t, "side channel payload", string(generic))
}

func TestRawDataForFrameDoesNotConsumeFutureRecord(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSyscall}}))
	require.NoError(t, w.WriteRaw(2, 0x2000, []byte("frame two data")))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 2, Tid: 1, Event: EncodedEvent{Type: EventSyscall}}))

	r := openTestReader(t, w)
	frameOne, err := r.ReadFrame()
	require.NoError(t, err)

	_, ok, err := r.ReadRawDataForFrame(frameOne)
	require.NoError(t, err)
	require.False(t, ok, "raw data tagged for frame 2 must not be consumed while reading frame 1")

	frameTwo, err := r.ReadFrame()
	require.NoError(t, err)
	raw, ok, err := r.ReadRawDataForFrame(frameTwo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "frame two data", string(raw.Data))
}

func TestCopyProducesIndependentReader(t *testing.T) {
	w := newTestWriter(t)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.WriteFrame(TraceFrame{Time: FrameTime(i), Tid: 1, Event: EncodedEvent{Type: EventSched}}))
	}

	r := openTestReader(t, w)
	_, err := r.ReadFrame()
	require.NoError(t, err)

	r2, err := r.Copy()
	require.NoError(t, err)
	t.Cleanup(func() { r2.Close() })

	require.Equal(t, r.Time(), r2.Time())
	require.Equal(t, FrameTime(1), r2.Time())

	f2, err := r2.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameTime(2), f2.Time)

	f1, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameTime(2), f1.Time)

	// Advancing r2 after the branch point must not affect r, and vice versa.
	require.Equal(t, FrameTime(2), r.Time())
	require.Equal(t, FrameTime(2), r2.Time())
}

func TestRewindResetsClockAndSubstreams(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSched}}))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 2, Tid: 1, Event: EncodedEvent{Type: EventSched}}))

	r := openTestReader(t, w)
	_, err := r.ReadFrame()
	require.NoError(t, err)
	_, err = r.ReadFrame()
	require.NoError(t, err)

	require.NoError(t, r.Rewind())
	require.Equal(t, FrameTime(0), r.Time())

	first, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameTime(1), first.Time)
}

func TestNewReaderRejectsVersionMismatch(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Close())

	versionPath := filepath.Join(w.Dir(), "version")
	data, err := os.ReadFile(versionPath)
	require.NoError(t, err)

	patched := append([]byte{}, data...)
	// Corrupt the version digits in place ("85\n" -> "12\n"), leaving the
	// newline and the packed header bytes that follow untouched.
	require.Equal(t, byte('\n'), patched[2], "version line is expected to be two digits plus a newline")
	patched[0] = '1'
	patched[1] = '2'
	require.NoError(t, os.WriteFile(versionPath, patched, 0o600))

	_, err = NewReader(w.Dir())
	require.Error(t, err)

	var dataErr *DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestNewReaderFollowsLatestTraceSymlink(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSched}}))
	require.NoError(t, w.MakeLatestTrace())
	dir := w.Dir()
	require.NoError(t, w.Close())

	r, err := NewReader("")
	require.NoError(t, err)
	defer r.Close()

	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, wantDir, r.Dir())
}

func TestHeaderBindToCPURoundTrips(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, w.Close())

	r, err := NewReader(w.Dir())
	require.NoError(t, err)
	defer r.Close()

	cpu, ok := r.BindToCPU().Get()
	require.True(t, ok)
	require.EqualValues(t, 0, cpu)
}
