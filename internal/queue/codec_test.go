// Copyright 2025 James Ross
package queue

import (
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"to":      "alice@example.com",
		"subject": "welcome",
		"retries": int8(0),
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", decoded)
	}
	if got["to"] != "alice@example.com" || got["subject"] != "welcome" {
		t.Fatalf("roundtrip mismatch: %#v", got)
	}
}

func TestDecodePayloadStripsLegacyWrap(t *testing.T) {
	inner, err := msgpack.Marshal("hello")
	if err != nil {
		t.Fatal(err)
	}
	wrapped := append([]byte{'"'}, append(inner, '"')...)

	decoded, err := DecodePayload(wrapped)
	if err != nil {
		t.Fatalf("decode wrapped: %v", err)
	}
	if !reflect.DeepEqual(decoded, "hello") {
		t.Fatalf("expected unwrapped payload %q, got %#v", "hello", decoded)
	}
}

func TestEncodePayloadRejectsUnsupportedValue(t *testing.T) {
	if _, err := EncodePayload(make(chan int)); err == nil {
		t.Fatal("expected an error encoding a channel value")
	} else if !IsBadArgument(err) {
		t.Fatalf("expected a BadArgumentError, got %T", err)
	}
}
