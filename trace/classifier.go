package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tracereplay/rrtrace/container"
)

// deviceInode identifies a file by (device, inode), the key the
// files-assumed-immutable cache is keyed on.
type deviceInode struct {
	device, inode uint64
}

// MappingClassifier decides how a memory mapping's bytes are backed in the
// trace, following the priority ladder in spec.md §4.4: prefer
// zero-filled (cheapest), then reflink (fast, copy-on-write), then
// hardlink (avoids unlink/replace races), then copy-into-trace (heaviest).
//
// The files_assumed_immutable cache lives here (mirroring §3's ownership
// note that it "lives inside TraceWriter"; MappingClassifier is the part of
// Writer responsible for it) and is append-only for the classifier's
// lifetime, so a given (device, inode) only ever pays the decision cost
// once.
type MappingClassifier struct {
	dir                   string
	useFileCloning        bool
	supportsFileCloning   bool
	filesAssumedImmutable container.Set[deviceInode]
}

func newMappingClassifier(dir string, useFileCloning, supportsFileCloning bool) *MappingClassifier {
	return &MappingClassifier{
		dir:                   dir,
		useFileCloning:        useFileCloning,
		supportsFileCloning:   supportsFileCloning,
		filesAssumedImmutable: container.NewSet[deviceInode](),
	}
}

// Classify implements the priority ladder. mmapSeq is the writer's current
// mmap_count, used to name any clone/hardlink file this call creates; the
// caller is responsible for incrementing mmap_count afterwards (the
// sequence number must be stable for the duration of one call).
func (c *MappingClassifier) Classify(km KernelMapping, stat RegionStat, origin MappingOrigin, mmapSeq int) (source MappingSource, backingFileName string, recordInTrace bool, err error) {
	switch {
	case origin == OriginRemap || origin == OriginPatch:
		return SourceZero, "", false, nil

	case strings.HasPrefix(km.Fsname, "/SYSV"):
		return SourceTrace, "", true, nil

	case origin == OriginSyscall && (km.Inode == 0 || km.Fsname == "/dev/zero (deleted)"):
		return SourceZero, "", false, nil

	case origin == OriginRRBuffer:
		return SourceZero, "", false, nil
	}

	if km.Flags&mapPrivate != 0 {
		if name, ok := c.tryCloneFile(km.Fsname, mmapSeq); ok {
			return SourceFile, name, false, nil
		}
	}

	key := deviceInode{km.Device, km.Inode}
	if shouldCopyMappedRegion(km, stat) && !c.filesAssumedImmutable.Contains(key) {
		return SourceTrace, "", true, nil
	}

	// should_copy_mmap_region's heuristics determined it was OK to just
	// map the file here even though it might be MAP_SHARED. Try cloning
	// again to avoid the possibility of the file changing between
	// recording and replay; failing that, fall back to a hardlink, and
	// failing that, keep referencing the original absolute path.
	name, ok := c.tryCloneFile(km.Fsname, mmapSeq)
	if !ok {
		name = c.tryHardlinkFile(km.Fsname, mmapSeq)
		c.filesAssumedImmutable.Add(key)
	}
	return SourceFile, name, false, nil
}

// shouldCopyMappedRegion decides whether a mapping is risky enough to copy
// into the trace outright rather than referencing the backing file. This
// heuristic (should_copy_mmap_region in the original implementation) isn't
// specified in the retrieved source; per DESIGN.md's Open Question
// resolution this repo copies a region when it looks like its backing
// file's contents are likely to change or disappear before replay: shared
// writable mappings, and mappings onto files that are empty or whose name
// suggests a transient/temp/shm/deleted file. A non-empty file is not
// copied on account of its size alone.
func shouldCopyMappedRegion(km KernelMapping, stat RegionStat) bool {
	const mapShared = 0x01 // MAP_SHARED
	sharedWritable := km.Flags&mapShared != 0 && km.Prot&0x2 != 0 // PROT_WRITE
	if sharedWritable {
		return true
	}
	if stat.Size == 0 {
		return true
	}
	if km.Fsname == "" {
		return false
	}
	base := filepath.Base(km.Fsname)
	if strings.HasPrefix(base, ".") || strings.Contains(km.Fsname, "/tmp/") ||
		strings.Contains(km.Fsname, "/dev/shm/") || strings.HasSuffix(base, " (deleted)") {
		return true
	}
	return false
}

func baseFileName(name string) string {
	return filepath.Base(name)
}

// tryCloneFile attempts a copy-on-write reflink of fileName into the trace
// directory via the FICLONE ioctl, naming the destination
// mmap_clone_<seq>_<basename>. It returns ok=false (never an error to the
// caller) if cloning isn't enabled, isn't supported, or the ioctl fails —
// all recoverable-locally conditions per §7.
func (c *MappingClassifier) tryCloneFile(fileName string, seq int) (string, bool) {
	if !c.useFileCloning || !c.supportsFileCloning || fileName == "" {
		return "", false
	}

	name := fmt.Sprintf("mmap_clone_%d_%s", seq, baseFileName(fileName))
	destPath := filepath.Join(c.dir, name)

	src, err := os.OpenFile(fileName, os.O_RDONLY, 0)
	if err != nil {
		return "", false
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o700)
	if err != nil {
		return "", false
	}
	defer dest.Close()

	if err := unix.IoctlFileClone(int(dest.Fd()), int(src.Fd())); err != nil {
		os.Remove(destPath)
		return "", false
	}
	return name, true
}

// tryHardlinkFile attempts to hardlink fileName into the trace directory as
// mmap_hardlink_<seq>_<basename>. On failure (e.g. crossing filesystems) it
// returns the original, unmodified path: not fatal, per §7.
func (c *MappingClassifier) tryHardlinkFile(fileName string, seq int) string {
	name := fmt.Sprintf("mmap_hardlink_%d_%s", seq, baseFileName(fileName))
	if err := os.Link(fileName, filepath.Join(c.dir, name)); err != nil {
		return fileName
	}
	return name
}
