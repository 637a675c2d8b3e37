package trace

import (
	"encoding/binary"
	"fmt"
)

// encoder builds the self-describing packed records used by the Header,
// TaskEvent and MMap structured substreams (§6, §8 of the spec). The wire
// format intentionally stays tiny and internal: varint-tagged fields over
// encoding/binary, the same technique the corpus uses for raw byte framing
// (see DESIGN.md) rather than pulling in a general-purpose schema library
// for three record types.
type encoder struct {
	buf []byte
}

func (e *encoder) Bytes() []byte { return e.buf }

func (e *encoder) putVarint(v int64)   { e.buf = binary.AppendVarint(e.buf, v) }
func (e *encoder) putUvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *encoder) putByte(b byte)      { e.buf = append(e.buf, b) }
func (e *encoder) putBool(b bool) {
	if b {
		e.putByte(1)
	} else {
		e.putByte(0)
	}
}

func (e *encoder) putBytes(b []byte) {
	e.putUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) putString(s string) { e.putBytes([]byte(s)) }

func (e *encoder) putStringSlice(ss []string) {
	e.putUvarint(uint64(len(ss)))
	for _, s := range ss {
		e.putString(s)
	}
}

// decoder reads back values an encoder produced, from an in-memory byte
// slice (a single already-length-framed record; see record.go).
type decoder struct {
	buf []byte
	off int
}

func newDecoder(b []byte) *decoder { return &decoder{buf: b} }

func (d *decoder) getVarint() (int64, error) {
	v, n := binary.Varint(d.buf[d.off:])
	if n <= 0 {
		return 0, fmt.Errorf("trace: truncated varint")
	}
	d.off += n
	return v, nil
}

func (d *decoder) getUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, fmt.Errorf("trace: truncated uvarint")
	}
	d.off += n
	return v, nil
}

func (d *decoder) getByte() (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("trace: truncated record")
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) getBool() (bool, error) {
	b, err := d.getByte()
	return b != 0, err
}

func (d *decoder) getBytes() ([]byte, error) {
	n, err := d.getUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(d.off)+n > uint64(len(d.buf)) {
		return nil, fmt.Errorf("trace: truncated record (want %d bytes, have %d)", n, len(d.buf)-d.off)
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) getString() (string, error) {
	b, err := d.getBytes()
	return string(b), err
}

func (d *decoder) getStringSlice() ([]string, error) {
	n, err := d.getUvarint()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = d.getString()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *decoder) done() bool { return d.off >= len(d.buf) }
