package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/tracereplay/rrtrace/internal/blockio"
)

const genericHeaderSize = 8 + 8 // frame_time, len

// writeGeneric appends {globalTime, len(payload)} followed by payload to
// the GENERIC substream.
func writeGeneric(generic *blockio.Writer, globalTime FrameTime, payload []byte) error {
	var hdr [genericHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(globalTime))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(payload)))
	if err := generic.Write(hdr[:]); err != nil {
		return fmt.Errorf("trace: writing generic header: %w", err)
	}
	if err := generic.Write(payload); err != nil {
		return fmt.Errorf("trace: writing generic payload: %w", err)
	}
	return nil
}

// readGeneric reads back one writeGeneric record and asserts its frame
// time matches the reader's current clock.
func readGeneric(generic *blockio.Reader, currentTime FrameTime) ([]byte, error) {
	var hdr [genericHeaderSize]byte
	if err := generic.Read(hdr[:]); err != nil {
		return nil, fmt.Errorf("trace: reading generic header: %w", err)
	}
	t := FrameTime(binary.LittleEndian.Uint64(hdr[0:]))
	length := binary.LittleEndian.Uint64(hdr[8:])
	if t != currentTime {
		return nil, fmt.Errorf("trace: generic header frame time %d does not match current time %d", t, currentTime)
	}
	payload := make([]byte, length)
	if err := generic.Read(payload); err != nil {
		return nil, fmt.Errorf("trace: reading generic payload: %w", err)
	}
	return payload, nil
}

// readGenericForFrame mirrors readRawForFrame's look-ahead semantics on
// the GENERIC substream.
func readGenericForFrame(generic *blockio.Reader, frame TraceFrame) ([]byte, bool, error) {
	if generic.AtEnd() {
		return nil, false, nil
	}
	hdr, err := generic.Peek(genericHeaderSize)
	if err != nil {
		return nil, false, fmt.Errorf("trace: peeking generic header: %w", err)
	}
	t := FrameTime(binary.LittleEndian.Uint64(hdr[0:]))
	if t < frame.Time {
		return nil, false, fmt.Errorf("trace: generic header time %d precedes requested frame time %d", t, frame.Time)
	}
	if t > frame.Time {
		return nil, false, nil
	}
	payload, err := readGeneric(generic, frame.Time)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
