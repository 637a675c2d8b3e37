package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/tracereplay/rrtrace/container"
)

// Version is the on-disk trace format version. Any mismatch between a
// trace's recorded version and this constant is fatal: the format only
// promises to be replayable by the exact version that wrote it. Bump this
// by hand whenever any on-disk structure changes.
const Version = 85

// CPUIDRecord is one (leaf, subleaf) → output-registers sample captured at
// record time, so a replayer can synthesize identical CPUID responses
// without access to the original CPU. The register architecture itself is
// out of this subsystem's scope (§1); CPUIDRecord just carries whatever
// opaque leaf/output bytes the CPU-handling collaborator produced.
type CPUIDRecord struct {
	EAXIn, ECXIn       uint32
	EAX, EBX, ECX, EDX uint32
}

const cpuidRecordSize = 6 * 4

func encodeCPUIDRecords(recs []CPUIDRecord) []byte {
	buf := make([]byte, len(recs)*cpuidRecordSize)
	for i, r := range recs {
		off := i * cpuidRecordSize
		binary.LittleEndian.PutUint32(buf[off+0:], r.EAXIn)
		binary.LittleEndian.PutUint32(buf[off+4:], r.ECXIn)
		binary.LittleEndian.PutUint32(buf[off+8:], r.EAX)
		binary.LittleEndian.PutUint32(buf[off+12:], r.EBX)
		binary.LittleEndian.PutUint32(buf[off+16:], r.ECX)
		binary.LittleEndian.PutUint32(buf[off+20:], r.EDX)
	}
	return buf
}

func decodeCPUIDRecords(buf []byte) ([]CPUIDRecord, error) {
	if len(buf)%cpuidRecordSize != 0 {
		return nil, fmt.Errorf("trace: cpuid records blob has invalid length %d", len(buf))
	}
	recs := make([]CPUIDRecord, len(buf)/cpuidRecordSize)
	for i := range recs {
		off := i * cpuidRecordSize
		recs[i] = CPUIDRecord{
			EAXIn: binary.LittleEndian.Uint32(buf[off+0:]),
			ECXIn: binary.LittleEndian.Uint32(buf[off+4:]),
			EAX:   binary.LittleEndian.Uint32(buf[off+8:]),
			EBX:   binary.LittleEndian.Uint32(buf[off+12:]),
			ECX:   binary.LittleEndian.Uint32(buf[off+16:]),
			EDX:   binary.LittleEndian.Uint32(buf[off+20:]),
		}
	}
	return recs, nil
}

// Header is the trace-wide metadata recorded once, alongside the version
// number, when a trace is created.
type Header struct {
	// BindToCPU is the CPU index the recording was pinned to. None means
	// the recording floated across CPUs, which makes ticks-based replay
	// determinism weaker but isn't itself an error.
	BindToCPU        container.Option[int32]
	HasCPUIDFaulting bool
	CPUIDRecords     []CPUIDRecord
	UUID             [16]byte
}

func (h *Header) encode() []byte {
	var e encoder
	if cpu, ok := h.BindToCPU.Get(); ok {
		e.putBool(true)
		e.putVarint(int64(cpu))
	} else {
		e.putBool(false)
	}
	e.putBool(h.HasCPUIDFaulting)
	e.putBytes(encodeCPUIDRecords(h.CPUIDRecords))
	e.putBytes(h.UUID[:])
	return e.Bytes()
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	d := newDecoder(b)
	bound, err := d.getBool()
	if err != nil {
		return h, err
	}
	if bound {
		cpu, err := d.getVarint()
		if err != nil {
			return h, err
		}
		h.BindToCPU = container.Some(int32(cpu))
	} else {
		h.BindToCPU = container.None[int32]()
	}
	if h.HasCPUIDFaulting, err = d.getBool(); err != nil {
		return h, err
	}
	raw, err := d.getBytes()
	if err != nil {
		return h, err
	}
	if h.CPUIDRecords, err = decodeCPUIDRecords(raw); err != nil {
		return h, err
	}
	uuidBytes, err := d.getBytes()
	if err != nil {
		return h, err
	}
	if len(uuidBytes) != 16 {
		return h, fmt.Errorf("trace: header uuid has invalid length %d", len(uuidBytes))
	}
	copy(h.UUID[:], uuidBytes)
	return h, nil
}

// writeVersionFile writes "<Version>\n" followed by the packed header to
// f, which must be positioned at offset 0.
func writeVersionFile(f *os.File, h Header) error {
	if _, err := fmt.Fprintf(f, "%d\n", Version); err != nil {
		return fmt.Errorf("trace: writing version line: %w", err)
	}
	if _, err := f.Write(h.encode()); err != nil {
		return fmt.Errorf("trace: writing packed header: %w", err)
	}
	return nil
}

// readVersionFile parses "<version>\n<packed header>" from f. A version
// mismatch against Version is reported as an error wrapping
// ErrVersionMismatch; callers that want the original tool's user-facing
// behavior (print a diagnostic, exit with the data-error status) should
// check for it explicitly.
func readVersionFile(f *os.File) (Header, error) {
	br := bufio.NewReader(f)
	line, err := br.ReadString('\n')
	if err != nil {
		return Header{}, fmt.Errorf("trace: reading version line: %w", err)
	}
	line = line[:len(line)-1] // strip '\n'
	version, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return Header{}, fmt.Errorf("trace: invalid version %q: %w", line, err)
	}
	if version != Version {
		return Header{}, fmt.Errorf("%w: trace was recorded with version %d, this build expects version %d; "+
			"replay it with a matching version", ErrVersionMismatch, version, Version)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return Header{}, fmt.Errorf("trace: reading packed header: %w", err)
	}
	h, err := decodeHeader(rest)
	if err != nil {
		return Header{}, fmt.Errorf("trace: decoding packed header: %w", err)
	}
	return h, nil
}

// newTraceUUID generates the random per-trace identifier stored in the
// header, so downstream tooling can identify a trace at a glance. The
// original implementation draws 16 raw bytes from a CSPRNG; this repo uses
// a standard UUIDv4 (also CSPRNG-backed) via google/uuid, which is what the
// rest of the example corpus reaches for when it needs a random identifier.
func newTraceUUID() ([16]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return [16]byte{}, fmt.Errorf("trace: generating uuid: %w", err)
	}
	var out [16]byte
	copy(out[:], id[:])
	return out, nil
}
