// Package encoding holds the compact text forms used on the mirror wire.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// EncodeRLE encodes values as base64 of (value, run_len) uvarint pairs.
func EncodeRLE(vals []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	for i := 0; i < len(vals); {
		v := vals[i]
		run := 1
		for j := i + 1; j < len(vals) && vals[j] == v; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE reverses EncodeRLE. It fails once more than limit values would
// be produced.
func DecodeRLE(b64 string, limit int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint16
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if v > 0xFFFF {
			return nil, fmt.Errorf("value too large: %d", v)
		}
		if run > uint64(limit-len(out)) {
			return nil, fmt.Errorf("run of %d exceeds limit %d", run, limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(v))
		}
	}
	return out, nil
}
