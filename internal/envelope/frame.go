package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Part identifies which half of a framed payload is at fault.
type Part string

const (
	PartContext    Part = "context"
	PartCiphertext Part = "ciphertext"
)

var ErrFormat = errors.New("envelope format error")

// FormatError reports a framing defect in the decrypted payload.
type FormatError struct {
	Part   Part
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("envelope %s section: %s", e.Part, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// Pack frames context and ciphertext as u32 len | ctx | u32 len | ct (big-endian).
func Pack(ctx, ct []byte) []byte {
	out := make([]byte, 0, 8+len(ctx)+len(ct))
	out = binary.BigEndian.AppendUint32(out, uint32(len(ctx)))
	out = append(out, ctx...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(ct)))
	return append(out, ct...)
}

// Unpack splits a framed payload. Empty sections are returned as-is; deciding
// whether they are acceptable is left to the caller.
func Unpack(b []byte) (ctx, ct []byte, err error) {
	ctx, rest, err := section(b, PartContext)
	if err != nil {
		return nil, nil, err
	}
	ct, rest, err = section(rest, PartCiphertext)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, &FormatError{Part: PartCiphertext, Reason: fmt.Sprintf("%d trailing bytes", len(rest))}
	}
	return ctx, ct, nil
}

func section(b []byte, part Part) (body, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, &FormatError{Part: part, Reason: "missing length prefix"}
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, &FormatError{Part: part, Reason: fmt.Sprintf("length %d exceeds remaining %d bytes", n, len(b))}
	}
	return b[:n], b[n:], nil
}
