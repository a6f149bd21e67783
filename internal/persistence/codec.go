package persistence

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// EncodeValue serializes arbitrary Go values using encoding/gob. Values
// are encoded as interface{} so they can be decoded without knowing the
// concrete type. Callers must ensure values are gob-encodable; custom
// payload types need a gob.Register call on the application side.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue reverses EncodeValue. Empty input decodes to nil.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
