package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWriteAndReadMappedRegionRoundTrip(t *testing.T) {
	w := newTestWriter(t)

	// A backing path that can't be cloned, hardlinked, or found (it
	// doesn't need to exist — NoValidate below means nothing ever stats
	// it) so the classifier deterministically falls back to referencing
	// the original path by name.
	const backing = "/usr/lib/definitely-not-a-real-library.so.1"
	km := KernelMapping{
		Start: 0x400000, End: 0x401000,
		Fsname: backing, Device: 1, Inode: 55,
		Prot: 0x1, Flags: 0x02,
	}
	stat := RegionStat{Size: 4096}

	recordInTrace, err := w.WriteMappedRegion(km, stat, OriginSyscall)
	require.NoError(t, err)
	require.Equal(t, DontRecordInTrace, recordInTrace)

	r := openTestReader(t, w)
	gotKM, data, ok, err := r.ReadMappedRegion(NoValidate)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, km.Start, gotKM.Start)
	require.Equal(t, km.End, gotKM.End)
	require.Equal(t, SourceFile, data.Source)
	require.Equal(t, backing, data.FileName)
	require.Equal(t, stat.Size, data.FileSizeBytes)
}

func TestReadMappedRegionValidateWarnsOnSizeMismatchButDoesNotError(t *testing.T) {
	w := newTestWriter(t)

	backing := filepath.Join(w.Dir(), "mapped_file")
	require.NoError(t, os.WriteFile(backing, []byte("mapped contents"), 0o600))

	var st unix.Stat_t
	require.NoError(t, unix.Stat(backing, &st))

	km := KernelMapping{Fsname: backing, Device: 1, Inode: st.Ino, Prot: 0x1, Flags: 0x02}
	// Populate a real mode/uid/gid/mtime so validation actually runs, but
	// record a size that deliberately doesn't match the file on disk, to
	// exercise the mismatch-warning path without it becoming an error.
	stat := RegionStat{
		Mode: uint32(st.Mode), UID: st.Uid, GID: st.Gid, Mtime: int64(st.Mtim.Sec),
		Size: 999,
	}

	// Bypass the classifier and write the MMAPS record directly: the backing
	// lives under the test's temp directory, which should_copy_mmap_region's
	// heuristics would otherwise route into RAW_DATA as SourceTrace.
	region := TraceMappedRegion{FrameTime: 1, KernelMapping: km, Stat: stat, Source: SourceFile, BackingFileName: backing}
	require.NoError(t, writeMappedRegion(w.writers[MMaps], region))

	r := openTestReader(t, w)
	_, data, ok, err := r.ReadMappedRegion(Validate)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SourceFile, data.Source)
	require.Equal(t, int64(999), data.FileSizeBytes)
}

func TestReadMappedRegionValidateReturnsErrorWhenBackingFileIsMissing(t *testing.T) {
	w := newTestWriter(t)

	backing := filepath.Join(t.TempDir(), "will-be-removed")
	require.NoError(t, os.WriteFile(backing, []byte("x"), 0o600))
	var st unix.Stat_t
	require.NoError(t, unix.Stat(backing, &st))
	require.NoError(t, os.Remove(backing))

	// Bypass the classifier and construct the MMAPS record directly, so the
	// backing reference is exactly what this test needs regardless of
	// should_copy_mmap_region's heuristics.
	region := TraceMappedRegion{
		FrameTime:     1,
		KernelMapping: KernelMapping{Fsname: backing, Inode: st.Ino},
		Stat: RegionStat{
			Mode: uint32(st.Mode), UID: st.Uid, GID: st.Gid, Mtime: int64(st.Mtim.Sec),
			Size: 1,
		},
		Source:          SourceFile,
		BackingFileName: backing,
	}
	require.NoError(t, writeMappedRegion(w.writers[MMaps], region))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSched}}))

	r := openTestReader(t, w)
	_, _, _, err := r.ReadMappedRegion(Validate)
	require.Error(t, err, "a missing backing file must fail validation fatally, not just warn")
}

func TestReadMappedRegionValidateSkipsCloneNamedBacking(t *testing.T) {
	w := newTestWriter(t)

	// A clone-named backing is never stat-validated, even if the path
	// doesn't exist: the classifier only produces this name after already
	// successfully reflinking the file, so by construction it can't be
	// stale, and re-stating that here would defeat the whole point of
	// recognizing the name.
	region := TraceMappedRegion{
		FrameTime:       1,
		KernelMapping:   KernelMapping{Fsname: "/original/path/lib.so"},
		Stat:            RegionStat{Mode: 0o644, Size: 123},
		Source:          SourceFile,
		BackingFileName: "mmap_clone_0_lib.so",
	}
	require.NoError(t, writeMappedRegion(w.writers[MMaps], region))
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSched}}))

	r := openTestReader(t, w)
	_, data, ok, err := r.ReadMappedRegion(Validate)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, filepath.Join(w.Dir(), "mmap_clone_0_lib.so"), data.FileName)
}

func TestWriteMappedRegionZeroSourceNeedsNoBackingFile(t *testing.T) {
	w := newTestWriter(t)

	recordInTrace, err := w.WriteMappedRegion(KernelMapping{}, RegionStat{}, OriginRemap)
	require.NoError(t, err)
	require.Equal(t, DontRecordInTrace, recordInTrace)

	r := openTestReader(t, w)
	_, data, ok, err := r.ReadMappedRegion(NoValidate)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SourceZero, data.Source)
}

func TestReadMappedRegionForCurrentFrameRespectsTimeConstraint(t *testing.T) {
	w := newTestWriter(t)

	// Record one mapping at time 1, advance the frame clock, then record a
	// second mapping at time 2 followed by the frame it belongs to.
	_, err := w.WriteMappedRegion(KernelMapping{}, RegionStat{}, OriginRRBuffer)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 1, Tid: 1, Event: EncodedEvent{Type: EventSched}}))
	_, err = w.WriteMappedRegion(KernelMapping{}, RegionStat{}, OriginRRBuffer)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(TraceFrame{Time: 2, Tid: 1, Event: EncodedEvent{Type: EventSched}}))

	// The reader's clock starts at 0; reading frame 1 moves it to 1.
	r := openTestReader(t, w)
	_, err = r.ReadFrame()
	require.NoError(t, err)

	_, _, ok, err := r.ReadMappedRegionForCurrentFrame(NoValidate)
	require.NoError(t, err)
	require.True(t, ok, "the first mapping was recorded at the reader's current frame time")

	_, _, ok, err = r.ReadMappedRegionForCurrentFrame(NoValidate)
	require.NoError(t, err)
	require.False(t, ok, "the second mapping belongs to the next frame and must not be consumed yet")

	_, err = r.ReadFrame()
	require.NoError(t, err)

	_, _, ok, err = r.ReadMappedRegionForCurrentFrame(NoValidate)
	require.NoError(t, err)
	require.True(t, ok)
}
