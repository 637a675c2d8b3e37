package trace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tracereplay/rrtrace/container"
	"github.com/tracereplay/rrtrace/internal/blockio"
	"github.com/tracereplay/rrtrace/internal/rrlog"
	"github.com/tracereplay/rrtrace/tracedir"
)

// RecordInTrace tells the caller of WriteMappedRegion whether the
// recorder must follow up by dumping the mapped region's bytes into
// RAW_DATA.
type RecordInTrace bool

const (
	DontRecordInTrace RecordInTrace = false
	MustRecordInTrace RecordInTrace = true
)

// WriterOptions configures a Writer beyond the fields the original's
// constructor took directly.
type WriterOptions struct {
	// UseFileCloning enables the MappingClassifier's attempts to reflink
	// backing files into the trace directory. Mirrors the original's
	// per-session use_file_cloning flag (§4.2).
	UseFileCloning bool
	// CPUIDRecords are the CPU identification samples to persist in the
	// header (§4.5). Capturing them is the job of the CPU-handling
	// collaborator (§1); the writer just stores whatever it's given.
	CPUIDRecords []CPUIDRecord
}

// Writer opens all six substreams of a fresh trace directory for append
// and exposes the record-ing operations the recorder drives it with. A
// Writer exclusively owns its directory and every substream writer handle
// for its process lifetime.
type Writer struct {
	Stream

	writers [substreamCount]*blockio.Writer

	bindToCPU               container.Option[int32]
	hasCPUIDFaulting        bool
	uuid                    [16]byte
	supportsFileDataCloning bool

	classifier *MappingClassifier
	mmapCount  int

	versionFile *os.File
}

// NewWriter creates a new trace directory for a recording of the
// executable at exePath and opens every substream for append, following
// the construction sequence in spec.md §4.2.
func NewWriter(exePath string, bindToCPU container.Option[int32], hasCPUIDFaulting bool, opts WriterOptions) (*Writer, error) {
	dir, err := tracedir.MakeTraceDir(exePath)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		Stream:           Stream{dir: dir, globalTime: 1},
		bindToCPU:        bindToCPU,
		hasCPUIDFaulting: hasCPUIDFaulting,
	}

	for s := Substream(0); s < substreamCount; s++ {
		info := substream(s)
		bw, err := blockio.NewWriter(w.Path(s), info.codec, info.blockSize, info.threads)
		if err != nil {
			return nil, fmt.Errorf("trace: opening substream %s: %w", s, err)
		}
		w.writers[s] = bw
	}

	w.uuid, err = newTraceUUID()
	if err != nil {
		return nil, err
	}

	versionFile, err := os.OpenFile(w.VersionPath(), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("trace: unable to create %s: %w", w.VersionPath(), err)
	}
	w.versionFile = versionFile
	header := Header{
		BindToCPU:        bindToCPU,
		HasCPUIDFaulting: hasCPUIDFaulting,
		CPUIDRecords:     opts.CPUIDRecords,
		UUID:             w.uuid,
	}
	if err := writeVersionFile(versionFile, header); err != nil {
		return nil, fmt.Errorf("trace: unable to write %s: %w", w.VersionPath(), err)
	}

	w.supportsFileDataCloning = probeFileDataCloning(dir, versionFile)
	w.classifier = newMappingClassifier(dir, opts.UseFileCloning, w.supportsFileDataCloning)

	if probablyInteractive(os.Stdout.Fd()) {
		rrlog.Logger().Info("saving execution to trace directory", "dir", dir)
	}

	return w, nil
}

// probeFileDataCloning tests whether the trace directory's filesystem
// supports range-cloning by cloning a byte range out of the just-written
// version file into a throwaway "tmp_clone" file, per spec.md §4.2 step 5.
// The probe file never persists past this call.
func probeFileDataCloning(dir string, versionFile *os.File) bool {
	probePath := dir + "/tmp_clone"
	probe, err := os.OpenFile(probePath, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return false
	}
	defer func() {
		probe.Close()
		os.Remove(probePath)
	}()

	offset, err := versionFile.Seek(0, os.SEEK_END)
	if err != nil || offset <= 0 {
		return false
	}
	rng := unix.FileCloneRange{
		Src_fd:      int64(versionFile.Fd()),
		Src_offset:  0,
		Src_length:  uint64(offset),
		Dest_offset: 0,
	}
	return unix.IoctlFileCloneRange(int(probe.Fd()), &rng) == nil
}

// probablyInteractive reports whether fd looks like an interactive
// terminal, gating the "saving execution to ..." announcement.
func probablyInteractive(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}

// SupportsFileDataCloning reports whether the trace directory's
// filesystem supports the range-clone ioctl MappingClassifier uses to
// reflink mapped files into the trace.
func (w *Writer) SupportsFileDataCloning() bool { return w.supportsFileDataCloning }

// UUID returns the random identifier recorded in this trace's header.
func (w *Writer) UUID() [16]byte { return w.uuid }

// BindToCPU returns the CPU this recording is pinned to, if any.
func (w *Writer) BindToCPU() container.Option[int32] { return w.bindToCPU }

// Good reports whether every substream writer is still healthy.
func (w *Writer) Good() bool {
	for _, bw := range w.writers {
		if !bw.Good() {
			return false
		}
	}
	return true
}

// WriteFrame appends frame to the EVENTS substream (and, if it carries
// exec info, the register snapshot that follows it) and advances the
// frame clock. Any short write is fatal.
func (w *Writer) WriteFrame(frame TraceFrame) error {
	if err := writeFrame(w.writers[Events], frame); err != nil {
		return err
	}
	w.tick()
	return nil
}

// WriteTaskEvent encodes event into the TASKS substream. The frame time
// recorded is the writer's current global time, overriding whatever the
// caller put in event.FrameTime — it must always be "now", per §4.2.
func (w *Writer) WriteTaskEvent(event TraceTaskEvent) error {
	event.FrameTime = w.globalTime
	body, err := event.encode()
	if err != nil {
		return err
	}
	if err := writeTaskEvent(w.writers[Tasks], body); err != nil {
		return fmt.Errorf("trace: unable to write tasks: %w", err)
	}
	return nil
}

// WriteMappedRegion classifies the mapping's backing via
// MappingClassifier, emits an MMAPS record, and reports whether the
// recorder must additionally dump the region's bytes into RAW_DATA.
func (w *Writer) WriteMappedRegion(km KernelMapping, stat RegionStat, origin MappingOrigin) (RecordInTrace, error) {
	source, backingFileName, recordInTrace, err := w.classifier.Classify(km, stat, origin, w.mmapCount)
	if err != nil {
		return false, err
	}

	region := TraceMappedRegion{
		FrameTime:       w.globalTime,
		KernelMapping:   km,
		Stat:            stat,
		Source:          source,
		BackingFileName: backingFileName,
	}
	if err := writeMappedRegion(w.writers[MMaps], region); err != nil {
		return false, fmt.Errorf("trace: unable to write mmaps: %w", err)
	}
	w.mmapCount++
	return RecordInTrace(recordInTrace), nil
}

// WriteMappedRegionTo writes an MMap record for data/km to an arbitrary
// substream writer rather than this trace's own MMAPS stream — used by a
// replayer patching in synthetic mappings (§9 of SPEC_FULL).
func (w *Writer) WriteMappedRegionTo(mmaps *blockio.Writer, data MappedData, km KernelMapping) error {
	region := TraceMappedRegion{
		FrameTime:     data.Time,
		KernelMapping: km,
		Stat:          RegionStat{Size: data.FileSizeBytes},
		Source:        data.Source,
	}
	if data.Source == SourceFile {
		region.BackingFileName = data.FileName
	}
	return writeMappedRegion(mmaps, region)
}

// WriteRaw appends a raw memory payload captured at addr in tid.
func (w *Writer) WriteRaw(tid int32, addr uint64, data []byte) error {
	return writeRaw(w.writers[RawDataHeader], w.writers[RawDataStream], w.globalTime, tid, addr, data)
}

// WriteGeneric appends an opaque side-channel payload.
func (w *Writer) WriteGeneric(data []byte) error {
	return writeGeneric(w.writers[Generic], w.globalTime, data)
}

// Close flushes and closes every substream writer and the version file.
func (w *Writer) Close() error {
	var firstErr error
	for _, bw := range w.writers {
		if err := bw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.versionFile != nil {
		if err := w.versionFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MakeLatestTrace repoints the trace root's "latest-trace" symlink at this
// trace's directory. See tracedir.UpdateLatestSymlink for the race policy.
func (w *Writer) MakeLatestTrace() error {
	return tracedir.UpdateLatestSymlink(w.dir)
}

