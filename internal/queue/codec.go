// Copyright 2025 James Ross
package queue

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// legacyWrapByte is the leading/trailing byte ('"') that wrapped payloads
// written by pre-rewrite SharQ clients, which double-encoded the msgpack
// blob as a quoted string.
const legacyWrapByte = '"'

// EncodePayload serializes an arbitrary payload (maps, slices, strings,
// numbers, bools, nil, in any nesting) into the self-describing binary
// encoding used for storage. Values the codec cannot represent - channels,
// functions, complex numbers - surface as a BadArgument error.
func EncodePayload(payload interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, &BadArgumentError{Field: "payload", Reason: err.Error()}
	}
	return b, nil
}

// DecodePayload deserializes a stored payload blob. Payloads wrapped in a
// leading and trailing 0x22 ('"') byte are legacy double-encoded values;
// the wrapper is stripped before decoding.
func DecodePayload(raw []byte) (interface{}, error) {
	raw = stripLegacyWrap(raw)
	var v interface{}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func stripLegacyWrap(raw []byte) []byte {
	if len(raw) >= 2 && raw[0] == legacyWrapByte && raw[len(raw)-1] == legacyWrapByte {
		return raw[1 : len(raw)-1]
	}
	return raw
}
