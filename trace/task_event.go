package trace

import (
	"fmt"

	"github.com/tracereplay/rrtrace/internal/blockio"
)

// TaskEventType discriminates the TraceTaskEvent union.
type TaskEventType uint8

const (
	TaskEventNone TaskEventType = iota
	TaskEventClone
	TaskEventExec
	TaskEventExit
)

func (t TaskEventType) String() string {
	switch t {
	case TaskEventNone:
		return "NONE"
	case TaskEventClone:
		return "CLONE"
	case TaskEventExec:
		return "EXEC"
	case TaskEventExit:
		return "EXIT"
	default:
		return fmt.Sprintf("TaskEventType(%d)", uint8(t))
	}
}

// TraceTaskEvent is a discriminated union over a task's lifecycle
// transitions: being cloned off a parent, exec'ing a new image, or
// exiting. Exactly one of Clone, Exec, Exit is meaningful, selected by
// Type.
type TraceTaskEvent struct {
	FrameTime FrameTime
	Tid       int32
	Type      TaskEventType

	Clone TaskEventClonePayload
	Exec  TaskEventExecPayload
	Exit  TaskEventExitPayload
}

type TaskEventClonePayload struct {
	ParentTid int32
	OwnNsTid  int32
	Flags     uint64
}

type TaskEventExecPayload struct {
	FileName string
	CmdLine  []string
}

type TaskEventExitPayload struct {
	ExitStatus int32
}

const (
	tagClone byte = iota
	tagExec
	tagExit
)

func (e TraceTaskEvent) encode() ([]byte, error) {
	if e.Tid <= 0 {
		return nil, fmt.Errorf("trace: invalid tid %d in task event", e.Tid)
	}
	var enc encoder
	enc.putVarint(int64(e.FrameTime))
	enc.putVarint(int64(e.Tid))
	switch e.Type {
	case TaskEventClone:
		enc.putByte(tagClone)
		enc.putVarint(int64(e.Clone.ParentTid))
		enc.putVarint(int64(e.Clone.OwnNsTid))
		enc.putUvarint(e.Clone.Flags)
	case TaskEventExec:
		enc.putByte(tagExec)
		enc.putString(e.Exec.FileName)
		enc.putStringSlice(e.Exec.CmdLine)
	case TaskEventExit:
		enc.putByte(tagExit)
		enc.putVarint(int64(e.Exit.ExitStatus))
	default:
		return nil, fmt.Errorf("trace: refusing to write TraceTaskEvent with type None")
	}
	return enc.Bytes(), nil
}

func decodeTaskEvent(b []byte) (TraceTaskEvent, error) {
	var e TraceTaskEvent
	d := newDecoder(b)

	ft, err := d.getVarint()
	if err != nil {
		return e, err
	}
	e.FrameTime = FrameTime(ft)

	tid, err := d.getVarint()
	if err != nil {
		return e, err
	}
	if tid <= 0 {
		return e, fmt.Errorf("trace: invalid tid %d in task event", tid)
	}
	e.Tid = int32(tid)

	tag, err := d.getByte()
	if err != nil {
		return e, err
	}
	switch tag {
	case tagClone:
		e.Type = TaskEventClone
		parent, err := d.getVarint()
		if err != nil {
			return e, err
		}
		ownNs, err := d.getVarint()
		if err != nil {
			return e, err
		}
		flags, err := d.getUvarint()
		if err != nil {
			return e, err
		}
		e.Clone = TaskEventClonePayload{int32(parent), int32(ownNs), flags}
	case tagExec:
		e.Type = TaskEventExec
		name, err := d.getString()
		if err != nil {
			return e, err
		}
		cmdLine, err := d.getStringSlice()
		if err != nil {
			return e, err
		}
		e.Exec = TaskEventExecPayload{name, cmdLine}
	case tagExit:
		e.Type = TaskEventExit
		status, err := d.getVarint()
		if err != nil {
			return e, err
		}
		e.Exit = TaskEventExitPayload{int32(status)}
	default:
		return e, fmt.Errorf("trace: unknown TraceTaskEvent discriminator %d", tag)
	}
	return e, nil
}

func writeTaskEvent(tasks *blockio.Writer, body []byte) error {
	return writeRecord(tasks, body)
}

// readTaskEvent returns the next task event, or ok=false if the TASKS
// substream is exhausted.
func readTaskEvent(tasks *blockio.Reader) (TraceTaskEvent, bool, error) {
	if tasks.AtEnd() {
		return TraceTaskEvent{}, false, nil
	}
	body, err := readRecord(tasks)
	if err != nil {
		return TraceTaskEvent{}, false, err
	}
	e, err := decodeTaskEvent(body)
	if err != nil {
		return TraceTaskEvent{}, false, err
	}
	return e, true, nil
}
