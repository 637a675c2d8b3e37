package trace

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tracereplay/rrtrace/internal/blockio"
	"github.com/tracereplay/rrtrace/internal/rrlog"
)

// MappingSource says how an MMAP record's bytes are recovered at replay
// time: synthesized zeros, stored inline in RAW_DATA, or read back from a
// file copied, cloned, or hardlinked into (or referenced from) the trace.
// The three variants are mutually exclusive.
type MappingSource int

const (
	SourceZero MappingSource = iota
	SourceTrace
	SourceFile
)

func (s MappingSource) String() string {
	switch s {
	case SourceZero:
		return "zero"
	case SourceTrace:
		return "trace"
	case SourceFile:
		return "file"
	default:
		return fmt.Sprintf("MappingSource(%d)", int(s))
	}
}

// MappingOrigin is why write_mapped_region is being called: what triggered
// the recorder to notice this mapping.
type MappingOrigin int

const (
	OriginSyscall MappingOrigin = iota
	OriginRRBuffer
	OriginRemap
	OriginPatch
	OriginExec
)

// RegionStat is the subset of a backing file's stat(2) result that's worth
// persisting: enough to detect whether the file changed between recording
// and replay.
type RegionStat struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	Mtime int64
}

// KernelMapping describes a memory mapping as the kernel reported it.
type KernelMapping struct {
	Start, End      uint64
	Fsname          string
	Device          uint64
	Inode           uint64
	Prot            uint32
	Flags           uint32
	FileOffsetBytes int64
}

const mapPrivate = 0x02 // MAP_PRIVATE, matching mmap(2) on Linux

// TraceMappedRegion is the on-disk representation of one MMAPS record.
type TraceMappedRegion struct {
	FrameTime       FrameTime
	KernelMapping   KernelMapping
	Stat            RegionStat
	Source          MappingSource
	BackingFileName string // meaningful only when Source == SourceFile
}

func (m TraceMappedRegion) encode() []byte {
	var e encoder
	e.putVarint(int64(m.FrameTime))
	e.putUvarint(m.KernelMapping.Start)
	e.putUvarint(m.KernelMapping.End)
	e.putString(m.KernelMapping.Fsname)
	e.putUvarint(m.KernelMapping.Device)
	e.putUvarint(m.KernelMapping.Inode)
	e.putUvarint(uint64(m.KernelMapping.Prot))
	e.putUvarint(uint64(m.KernelMapping.Flags))
	e.putVarint(m.KernelMapping.FileOffsetBytes)
	e.putUvarint(uint64(m.Stat.Mode))
	e.putUvarint(uint64(m.Stat.UID))
	e.putUvarint(uint64(m.Stat.GID))
	e.putVarint(m.Stat.Size)
	e.putVarint(m.Stat.Mtime)
	e.putByte(byte(m.Source))
	if m.Source == SourceFile {
		e.putString(m.BackingFileName)
	}
	return e.Bytes()
}

func decodeMappedRegion(b []byte) (TraceMappedRegion, error) {
	var m TraceMappedRegion
	d := newDecoder(b)

	ft, err := d.getVarint()
	if err != nil {
		return m, err
	}
	m.FrameTime = FrameTime(ft)

	if m.KernelMapping.Start, err = d.getUvarint(); err != nil {
		return m, err
	}
	if m.KernelMapping.End, err = d.getUvarint(); err != nil {
		return m, err
	}
	if m.KernelMapping.Fsname, err = d.getString(); err != nil {
		return m, err
	}
	if m.KernelMapping.Device, err = d.getUvarint(); err != nil {
		return m, err
	}
	if m.KernelMapping.Inode, err = d.getUvarint(); err != nil {
		return m, err
	}
	prot, err := d.getUvarint()
	if err != nil {
		return m, err
	}
	m.KernelMapping.Prot = uint32(prot)
	flags, err := d.getUvarint()
	if err != nil {
		return m, err
	}
	m.KernelMapping.Flags = uint32(flags)
	if m.KernelMapping.FileOffsetBytes, err = d.getVarint(); err != nil {
		return m, err
	}
	mode, err := d.getUvarint()
	if err != nil {
		return m, err
	}
	m.Stat.Mode = uint32(mode)
	uid, err := d.getUvarint()
	if err != nil {
		return m, err
	}
	m.Stat.UID = uint32(uid)
	gid, err := d.getUvarint()
	if err != nil {
		return m, err
	}
	m.Stat.GID = uint32(gid)
	if m.Stat.Size, err = d.getVarint(); err != nil {
		return m, err
	}
	if m.Stat.Mtime, err = d.getVarint(); err != nil {
		return m, err
	}
	tag, err := d.getByte()
	if err != nil {
		return m, err
	}
	m.Source = MappingSource(tag)
	switch m.Source {
	case SourceZero, SourceTrace:
		// no further fields
	case SourceFile:
		if m.BackingFileName, err = d.getString(); err != nil {
			return m, err
		}
	default:
		return m, fmt.Errorf("trace: unknown mapping source %d", tag)
	}
	return m, nil
}

func writeMappedRegion(mmaps *blockio.Writer, m TraceMappedRegion) error {
	return writeRecord(mmaps, m.encode())
}

// TimeConstraint governs whether ReadMappedRegion should reject a record
// that doesn't belong to the current frame.
type TimeConstraint int

const (
	AnyTime TimeConstraint = iota
	CurrentTimeOnly
)

// ValidateSourceFile governs whether ReadMappedRegion stats a SourceFile
// backing to detect divergence between recording and replay.
type ValidateSourceFile int

const (
	NoValidate ValidateSourceFile = iota
	Validate
)

// MappedData is what ReadMappedRegion reports about a mapping's backing,
// beyond the KernelMapping geometry itself.
type MappedData struct {
	Time            FrameTime
	DataOffsetBytes int64
	FileSizeBytes   int64
	Source          MappingSource
	FileName        string // resolved against the trace directory if relative
}

// readMappedRegion reads the next MMAPS record. If timeConstraint is
// CurrentTimeOnly, a record whose FrameTime doesn't match currentTime is
// not consumed: the substream cursor is rolled back via SaveState /
// RestoreState (never a file seek — mmaps is compressed) and found=false
// is returned.
//
// If validate is Validate and the record's backing is a SourceFile, the
// resolved file is stat'd: a missing or inaccessible backing is a fatal
// error, and any divergence in (inode, mode, uid, gid, size, mtime) from
// what was recorded is logged as a warning — the file may have changed
// since it was recorded, which replay has no way to correct for, only
// report.
func readMappedRegion(mmaps *blockio.Reader, dir string, currentTime FrameTime, timeConstraint TimeConstraint, validate ValidateSourceFile) (KernelMapping, MappedData, bool, error) {
	if mmaps.AtEnd() {
		return KernelMapping{}, MappedData{}, false, nil
	}

	if timeConstraint == CurrentTimeOnly {
		mmaps.SaveState()
	}
	body, err := readRecord(mmaps)
	if err != nil {
		return KernelMapping{}, MappedData{}, false, err
	}
	m, err := decodeMappedRegion(body)
	if err != nil {
		return KernelMapping{}, MappedData{}, false, err
	}

	if timeConstraint == CurrentTimeOnly {
		if m.FrameTime != currentTime {
			mmaps.RestoreState()
			return KernelMapping{}, MappedData{}, false, nil
		}
		mmaps.DiscardState()
	}

	if m.FrameTime <= 0 {
		return KernelMapping{}, MappedData{}, false, fmt.Errorf("trace: invalid frame time %d in mmap record", m.FrameTime)
	}

	data := MappedData{
		Time:          m.FrameTime,
		FileSizeBytes: m.Stat.Size,
		Source:        m.Source,
	}
	if m.Source == SourceFile {
		if m.Stat.Size < 0 {
			return KernelMapping{}, MappedData{}, false, fmt.Errorf("trace: invalid stat size %d", m.Stat.Size)
		}
		if m.KernelMapping.FileOffsetBytes < 0 {
			return KernelMapping{}, MappedData{}, false, fmt.Errorf("trace: invalid file offset %d", m.KernelMapping.FileOffsetBytes)
		}
		data.FileName = m.BackingFileName
		if !filepath.IsAbs(data.FileName) {
			data.FileName = filepath.Join(dir, data.FileName)
		}
		data.DataOffsetBytes = m.KernelMapping.FileOffsetBytes

		if validate == Validate {
			if err := validateBackingFile(data.FileName, m.KernelMapping, m.Stat); err != nil {
				return KernelMapping{}, MappedData{}, false, err
			}
		}
	}

	return m.KernelMapping, data, true, nil
}

// isCloneNamedBacking reports whether path was produced by
// MappingClassifier.tryCloneFile: a reflinked copy the classifier itself
// made at record time, which by construction already matches the mapping
// it backs and so is never worth stat-validating against it.
func isCloneNamedBacking(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "mmap_clone_")
}

// validateBackingFile stats a SourceFile mapping's backing on disk and
// compares it against the (inode, mode, uid, gid, size, mtime) tuple
// recorded at write_mapped_region time, the signal that the file changed
// between recording and replay. A missing or inaccessible backing file is
// fatal: replay has no bytes to map in and cannot proceed. A tuple that
// merely disagrees is only a warning — the bytes it pointed to changed,
// but the file is still there for a best-effort continuation.
//
// Validation is skipped entirely for clone-named backings (the
// classifier's own reflinked copy, never stale by construction) and when
// the recorded stat block was never meaningfully populated by the caller
// (mode, uid, gid, and mtime all zero — size is deliberately excluded from
// that check since a genuinely empty file has size zero too).
func validateBackingFile(path string, km KernelMapping, stat RegionStat) error {
	if isCloneNamedBacking(path) {
		return nil
	}
	if stat.Mode == 0 && stat.UID == 0 && stat.GID == 0 && stat.Mtime == 0 {
		return nil
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("trace: mapped region backing file %q is missing or inaccessible: %w", path, err)
	}

	var mismatches []string
	if st.Ino != km.Inode {
		mismatches = append(mismatches, "inode")
	}
	if uint32(st.Mode) != stat.Mode {
		mismatches = append(mismatches, "mode")
	}
	if st.Uid != stat.UID {
		mismatches = append(mismatches, "uid")
	}
	if st.Gid != stat.GID {
		mismatches = append(mismatches, "gid")
	}
	if st.Size != stat.Size {
		mismatches = append(mismatches, "size")
	}
	if int64(st.Mtim.Sec) != stat.Mtime {
		mismatches = append(mismatches, "mtime")
	}
	if len(mismatches) > 0 {
		rrlog.Logger().Warn("mapped region backing file has changed since it was recorded",
			"path", path, "fields", mismatches)
	}
	return nil
}
