package trace

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tracereplay/rrtrace/internal/blockio"
)

// EventType categorizes a scheduler-visible event recorded in the EVENTS
// substream. The exact taxonomy of scheduler/syscall/signal events is a
// property of the recorder (an external collaborator per §1); this repo
// only needs enough of a tag to decide whether a register snapshot follows
// and to let tests and cmd/rrtrace-dump render something readable.
type EventType uint8

const (
	EventSched EventType = iota
	EventSyscall
	EventSignal
	EventExec
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventSched:
		return "SCHED"
	case EventSyscall:
		return "SYSCALL"
	case EventSignal:
		return "SIGNAL"
	case EventExec:
		return "EXEC"
	case EventExit:
		return "EXIT"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// EncodedEvent is the fixed-size representation of an event stored inline
// in every EVENTS frame. Aux carries an event-type-specific small payload
// (e.g. a signal or syscall number); HasExecInfo says whether a register
// snapshot follows the BasicInfo record.
type EncodedEvent struct {
	Type        EventType
	HasExecInfo bool
	Aux         int32
}

const encodedEventSize = 1 + 1 + 4

func (e EncodedEvent) encode() [encodedEventSize]byte {
	var b [encodedEventSize]byte
	b[0] = byte(e.Type)
	if e.HasExecInfo {
		b[1] = 1
	}
	binary.LittleEndian.PutUint32(b[2:], uint32(e.Aux))
	return b
}

func decodeEncodedEvent(b []byte) EncodedEvent {
	return EncodedEvent{
		Type:        EventType(b[0]),
		HasExecInfo: b[1] != 0,
		Aux:         int32(binary.LittleEndian.Uint32(b[2:])),
	}
}

// Arch identifies the CPU architecture a register snapshot was captured
// on. Actual register semantics are out of scope (§1); Arch only exists to
// size the fixed register block correctly.
type Arch uint8

const (
	ArchX86 Arch = iota
	ArchX86_64
	ArchAArch64
)

// registerBlockSize returns the fixed byte size of a's register block, or
// an error for an unrecognized tag — which is fatal on read per §7
// ("unknown architecture tag").
func (a Arch) registerBlockSize() (int, error) {
	switch a {
	case ArchX86:
		return 68, nil
	case ArchX86_64:
		return 216, nil
	case ArchAArch64:
		return 272, nil
	default:
		return 0, fmt.Errorf("trace: unknown architecture tag %d", uint8(a))
	}
}

// ExtraRegFormat identifies the layout of a frame's extra register bytes
// (e.g. XSAVE), beyond the fixed per-arch register block.
type ExtraRegFormat uint8

const (
	ExtraRegNone ExtraRegFormat = iota
	ExtraRegXSave
)

// ExecInfo is the register snapshot that follows a frame's BasicInfo when
// EncodedEvent.HasExecInfo is set.
type ExecInfo struct {
	Arch           Arch
	Registers      []byte
	ExtraRegFormat ExtraRegFormat
	ExtraRegBytes  []byte
}

// TraceFrame is one scheduler-visible event in the recorded timeline.
type TraceFrame struct {
	Time         FrameTime
	Tid          int32
	Event        EncodedEvent
	Ticks        int64
	MonotonicSec float64
	Exec         *ExecInfo // non-nil iff Event.HasExecInfo
}

type basicInfo struct {
	Time         FrameTime
	Tid          int32
	Event        EncodedEvent
	Ticks        int64
	MonotonicSec float64
}

const basicInfoSize = 8 + 4 + encodedEventSize + 8 + 8

func (b basicInfo) encode() []byte {
	buf := make([]byte, basicInfoSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(b.Time))
	binary.LittleEndian.PutUint32(buf[8:], uint32(b.Tid))
	ev := b.Event.encode()
	copy(buf[12:], ev[:])
	off := 12 + encodedEventSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(b.Ticks))
	binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(b.MonotonicSec))
	return buf
}

func decodeBasicInfo(buf []byte) basicInfo {
	var b basicInfo
	b.Time = FrameTime(binary.LittleEndian.Uint64(buf[0:]))
	b.Tid = int32(binary.LittleEndian.Uint32(buf[8:]))
	b.Event = decodeEncodedEvent(buf[12:])
	off := 12 + encodedEventSize
	b.Ticks = int64(binary.LittleEndian.Uint64(buf[off:]))
	b.MonotonicSec = math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8:]))
	return b
}

// writeFrame appends frame to the EVENTS substream. It does not touch the
// frame clock; the caller (Writer.WriteFrame) ticks it after a successful
// write. Any short write anywhere in this sequence is returned as an error
// (§7 treats it as fatal).
func writeFrame(events *blockio.Writer, frame TraceFrame) error {
	info := basicInfo{frame.Time, frame.Tid, frame.Event, frame.Ticks, frame.MonotonicSec}
	if err := events.Write(info.encode()); err != nil {
		return fmt.Errorf("trace: writing frame %d: %w", frame.Time, err)
	}
	if !frame.Event.HasExecInfo {
		return nil
	}
	if frame.Exec == nil {
		return fmt.Errorf("trace: frame %d has HasExecInfo set but no ExecInfo", frame.Time)
	}
	exec := frame.Exec
	regSize, err := exec.Arch.registerBlockSize()
	if err != nil {
		return err
	}
	if len(exec.Registers) != regSize {
		return fmt.Errorf("trace: frame %d register block has %d bytes, want %d for arch %d",
			frame.Time, len(exec.Registers), regSize, exec.Arch)
	}
	if (exec.ExtraRegFormat == ExtraRegNone) != (len(exec.ExtraRegBytes) == 0) {
		return fmt.Errorf("trace: frame %d extra_reg_len=%d inconsistent with format %d",
			frame.Time, len(exec.ExtraRegBytes), exec.ExtraRegFormat)
	}

	if err := events.Write([]byte{byte(exec.Arch)}); err != nil {
		return fmt.Errorf("trace: writing frame %d arch tag: %w", frame.Time, err)
	}
	if err := events.Write(exec.Registers); err != nil {
		return fmt.Errorf("trace: writing frame %d registers: %w", frame.Time, err)
	}
	var hdr [5]byte
	hdr[0] = byte(exec.ExtraRegFormat)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(exec.ExtraRegBytes)))
	if err := events.Write(hdr[:]); err != nil {
		return fmt.Errorf("trace: writing frame %d extra reg header: %w", frame.Time, err)
	}
	if len(exec.ExtraRegBytes) > 0 {
		if err := events.Write(exec.ExtraRegBytes); err != nil {
			return fmt.Errorf("trace: writing frame %d extra reg bytes: %w", frame.Time, err)
		}
	}
	return nil
}

// readFrame is the reverse of writeFrame.
func readFrame(events *blockio.Reader) (TraceFrame, error) {
	buf := make([]byte, basicInfoSize)
	if err := events.Read(buf); err != nil {
		return TraceFrame{}, err
	}
	info := decodeBasicInfo(buf)
	frame := TraceFrame{Time: info.Time, Tid: info.Tid, Event: info.Event, Ticks: info.Ticks, MonotonicSec: info.MonotonicSec}

	if !info.Event.HasExecInfo {
		return frame, nil
	}

	archByte, err := events.ReadByte()
	if err != nil {
		return TraceFrame{}, fmt.Errorf("trace: reading arch tag: %w", err)
	}
	arch := Arch(archByte)
	regSize, err := arch.registerBlockSize()
	if err != nil {
		return TraceFrame{}, err
	}
	registers := make([]byte, regSize)
	if err := events.Read(registers); err != nil {
		return TraceFrame{}, fmt.Errorf("trace: reading register block: %w", err)
	}

	var hdr [5]byte
	if err := events.Read(hdr[:]); err != nil {
		return TraceFrame{}, fmt.Errorf("trace: reading extra reg header: %w", err)
	}
	format := ExtraRegFormat(hdr[0])
	extraLen := binary.LittleEndian.Uint32(hdr[1:])
	if (format == ExtraRegNone) != (extraLen == 0) {
		return TraceFrame{}, fmt.Errorf("trace: extra_reg_len=%d inconsistent with format %d", extraLen, format)
	}
	var extra []byte
	if extraLen > 0 {
		extra = make([]byte, extraLen)
		if err := events.Read(extra); err != nil {
			return TraceFrame{}, fmt.Errorf("trace: reading extra reg bytes: %w", err)
		}
	}
	frame.Exec = &ExecInfo{Arch: arch, Registers: registers, ExtraRegFormat: format, ExtraRegBytes: extra}
	return frame, nil
}
