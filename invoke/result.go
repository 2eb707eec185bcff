package invoke

import (
	"encoding/binary"

	"github.com/wippyai/wasm-relay/errors"
)

// ResultSize is the length of an encoded invocation result.
const ResultSize = 8

// EncodeResult encodes an entry export result as 8 little-endian bytes.
func EncodeResult(v int64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, ResultSize), uint64(v))
}

// DecodeResult reverses EncodeResult.
func DecodeResult(b []byte) (int64, error) {
	if len(b) != ResultSize {
		return 0, errors.New(errors.PhaseInvoke, errors.KindInvalidData).
			Value(len(b)).
			Detail("result must be %d bytes", ResultSize).
			Build()
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}
