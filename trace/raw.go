package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/tracereplay/rrtrace/internal/blockio"
)

// RawData is one length-prefixed memory payload read back from the
// RAW_DATA / RAW_DATA_HEADER substream pair.
type RawData struct {
	RecTid int32
	Addr   uint64
	Data   []byte
}

const rawDataHeaderSize = 8 + 4 + 8 + 8 // frame_time, tid, addr, len

func encodeRawHeader(t FrameTime, tid int32, addr uint64, length uint64) []byte {
	buf := make([]byte, rawDataHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(t))
	binary.LittleEndian.PutUint32(buf[8:], uint32(tid))
	binary.LittleEndian.PutUint64(buf[12:], addr)
	binary.LittleEndian.PutUint64(buf[20:], length)
	return buf
}

func decodeRawHeader(buf []byte) (t FrameTime, tid int32, addr uint64, length uint64) {
	t = FrameTime(binary.LittleEndian.Uint64(buf[0:]))
	tid = int32(binary.LittleEndian.Uint32(buf[8:]))
	addr = binary.LittleEndian.Uint64(buf[12:])
	length = binary.LittleEndian.Uint64(buf[20:])
	return
}

// writeRaw appends {globalTime, tid, addr, len(data)} to the header
// substream and data itself to the payload substream. The two substreams
// must advance together; readRaw enforces the pairing on read.
func writeRaw(dataHeader, data *blockio.Writer, globalTime FrameTime, tid int32, addr uint64, payload []byte) error {
	if err := dataHeader.Write(encodeRawHeader(globalTime, tid, addr, uint64(len(payload)))); err != nil {
		return fmt.Errorf("trace: writing raw data header: %w", err)
	}
	if err := data.Write(payload); err != nil {
		return fmt.Errorf("trace: writing raw data payload: %w", err)
	}
	return nil
}

// readRaw reads back one write_raw record and asserts that its frame time
// matches the reader's current clock, per the invariant in §4.3.
func readRaw(dataHeader, data *blockio.Reader, currentTime FrameTime) (RawData, error) {
	buf := make([]byte, rawDataHeaderSize)
	if err := dataHeader.Read(buf); err != nil {
		return RawData{}, fmt.Errorf("trace: reading raw data header: %w", err)
	}
	t, tid, addr, length := decodeRawHeader(buf)
	if t != currentTime {
		return RawData{}, fmt.Errorf("trace: raw data header frame time %d does not match current time %d", t, currentTime)
	}
	payload := make([]byte, length)
	if err := data.Read(payload); err != nil {
		return RawData{}, fmt.Errorf("trace: reading raw data payload: %w", err)
	}
	return RawData{RecTid: tid, Addr: addr, Data: payload}, nil
}

// readRawForFrame peeks the header's frame time: if it's later than
// frame.Time, nothing is consumed from either substream and ok is false.
// The header's time must never be earlier than frame.Time.
func readRawForFrame(dataHeader, data *blockio.Reader, frame TraceFrame) (RawData, bool, error) {
	if dataHeader.AtEnd() {
		return RawData{}, false, nil
	}
	buf, err := dataHeader.Peek(rawDataHeaderSize)
	if err != nil {
		return RawData{}, false, fmt.Errorf("trace: peeking raw data header: %w", err)
	}
	t, _, _, _ := decodeRawHeader(buf)
	if t < frame.Time {
		return RawData{}, false, fmt.Errorf("trace: raw data header time %d precedes requested frame time %d", t, frame.Time)
	}
	if t > frame.Time {
		return RawData{}, false, nil
	}
	d, err := readRaw(dataHeader, data, frame.Time)
	if err != nil {
		return RawData{}, false, err
	}
	return d, true, nil
}
