package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/tracereplay/rrtrace/internal/blockio"
)

// writeRecord frames body as a varint length prefix followed by the bytes
// themselves, the framing used by the MMAPS and TASKS streams. The packed
// header in the version file is not framed this way: writeVersionFile
// writes it unprefixed after the version line.
func writeRecord(w *blockio.Writer, body []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(body)))
	if err := w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("trace: writing record length: %w", err)
	}
	if err := w.Write(body); err != nil {
		return fmt.Errorf("trace: writing record body: %w", err)
	}
	return nil
}

// readRecord reads back one writeRecord frame.
func readRecord(r *blockio.Reader) ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("trace: reading record length: %w", err)
	}
	body := make([]byte, n)
	if err := r.Read(body); err != nil {
		return nil, fmt.Errorf("trace: reading record body: %w", err)
	}
	return body, nil
}
