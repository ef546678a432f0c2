// Package envelope encodes message bodies as MessagePack and decodes bodies
// that are either raw MessagePack or base64 text wrapping MessagePack.
package envelope

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUndecodable is wrapped by every DecodeError.
	ErrUndecodable = errors.New("envelope: undecodable body")
	// ErrNotAMap is returned by DecodeMap when the body is valid but not a map.
	ErrNotAMap = errors.New("envelope: payload is not a map")

	errEmptyBody = errors.New("empty body")
)

// DecodeError describes why neither decoding attempt succeeded.
type DecodeError struct {
	Size     int   // Length of the body
	Binary   error // Failure decoding the body as MessagePack
	Fallback error // Failure of the base64 retry
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: cannot decode %d byte body: msgpack: %v; base64 retry: %v", e.Size, e.Binary, e.Fallback)
}

func (e *DecodeError) Unwrap() error {
	return ErrUndecodable
}

// Encode serializes payload as MessagePack.
func Encode(payload any) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %T: %w", payload, err)
	}
	return b, nil
}

// Decode deserializes body. Maps decode to map[string]any, integers to int64
// or uint64 and arrays to []any. When body is not MessagePack it is retried
// once as base64 text.
func Decode(body []byte) (any, error) {
	v, binErr := unpack(body)
	if binErr == nil {
		return v, nil
	}

	raw, err := decodeBase64(body)
	if err != nil {
		return nil, &DecodeError{Size: len(body), Binary: binErr, Fallback: err}
	}
	v, err = unpack(raw)
	if err != nil {
		return nil, &DecodeError{Size: len(body), Binary: binErr, Fallback: err}
	}
	return v, nil
}

// DecodeMap is Decode for bodies that must carry a map.
func DecodeMap(body []byte) (map[string]any, error) {
	v, err := Decode(body)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotAMap, v)
	}
	return m, nil
}

// unpack requires the whole input to be a single MessagePack value. Base64
// text starts with bytes that are valid fixints, so a prefix match is not
// enough to accept a body.
func unpack(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, errEmptyBody
	}
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return v, nil
}

func decodeBase64(body []byte) ([]byte, error) {
	text := string(bytes.TrimSpace(body))
	if text == "" {
		return nil, errEmptyBody
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err == nil {
		return raw, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(text); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
