// Package sealing encrypts the values of sensitive survey fields before a
// response is stored and decrypts them when it is read back.
//
// Values are JSON-encoded and wrapped in a Fernet token. The first key of the
// ring encrypts; every key of the ring is tried on decryption so keys can be
// rotated by prepending a new one. A sealed value is stored in place of the
// original as {"$sealed": "<token>"}.
package sealing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/solatis/surveykeeper/internal/types"
)

// SealedKey is the object key marking an encrypted value.
const SealedKey = types.ReservedValueKey

// Tokens never expire; a stored response stays readable until its key is retired.
const noExpiry time.Duration = -1

var (
	// ErrNoKeys indicates an empty key ring.
	ErrNoKeys = errors.New("no encryption keys configured")

	// ErrUndecryptable indicates a token that no ring key can open.
	ErrUndecryptable = errors.New("sealed value cannot be decrypted with any configured key")
)

// SensitiveFields reports which fields of a survey hold sensitive values.
type SensitiveFields interface {
	IsSensitive(id types.FieldID) bool
}

// Ring is an ordered set of Fernet keys.
type Ring struct {
	keys []*fernet.Key
}

// NewRing decodes base64 Fernet keys. The first key is the active one.
func NewRing(encoded ...string) (*Ring, error) {
	if len(encoded) == 0 {
		return nil, ErrNoKeys
	}
	keys, err := fernet.DecodeKeys(encoded...)
	if err != nil {
		return nil, fmt.Errorf("decode encryption keys: %w", err)
	}
	return &Ring{keys: keys}, nil
}

// GenerateKey returns a new random key in the encoding NewRing accepts.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

// SealValue encrypts one JSON value.
func (r *Ring) SealValue(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	tok, err := fernet.EncryptAndSign(plain, r.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt value: %w", err)
	}
	return string(tok), nil
}

// OpenValue decrypts a token produced by SealValue with any ring key.
func (r *Ring) OpenValue(token string) (any, error) {
	plain := fernet.VerifyAndDecrypt([]byte(token), noExpiry, r.keys)
	if plain == nil {
		return nil, ErrUndecryptable
	}
	var v any
	if err := decodeJSON(plain, &v); err != nil {
		return nil, fmt.Errorf("decode sealed value: %w", err)
	}
	return v, nil
}

// Seal returns a copy of payload with the value of every sensitive field
// replaced by its sealed form. A submitted value already shaped like a sealed
// one is rejected as malformed, whatever field it belongs to.
func (r *Ring) Seal(payload json.RawMessage, sensitive SensitiveFields) (json.RawMessage, error) {
	return rewriteValues(payload, func(id types.FieldID, value any) (any, error) {
		if hasSealedKey(value) {
			return nil, types.Malformed("field %d: key %q is reserved", id, SealedKey)
		}
		if !sensitive.IsSensitive(id) {
			return value, nil
		}
		tok, err := r.SealValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", id, err)
		}
		return map[string]any{SealedKey: tok}, nil
	})
}

// Open returns a copy of payload with the sealed values of sensitive fields
// decrypted. Values of other fields are returned as stored.
func (r *Ring) Open(payload json.RawMessage, sensitive SensitiveFields) (json.RawMessage, error) {
	return rewriteValues(payload, func(id types.FieldID, value any) (any, error) {
		if !sensitive.IsSensitive(id) {
			return value, nil
		}
		tok, ok := sealedToken(value)
		if !ok {
			return value, nil
		}
		plain, err := r.OpenValue(tok)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", id, err)
		}
		return plain, nil
	})
}

// Redact returns a copy of payload with the sealed values of sensitive fields
// replaced by null, for callers allowed to see a response but not its
// sensitive values.
func Redact(payload json.RawMessage, sensitive SensitiveFields) (json.RawMessage, error) {
	return rewriteValues(payload, func(id types.FieldID, value any) (any, error) {
		if sensitive.IsSensitive(id) && hasSealedKey(value) {
			return nil, nil
		}
		return value, nil
	})
}

func hasSealedKey(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = obj[SealedKey]
	return ok
}

func sealedToken(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return "", false
	}
	tok, ok := obj[SealedKey].(string)
	return tok, ok
}

// rewriteValues applies fn to the value of every field of a response
// document, leaving all other content untouched. Numbers keep their exact
// textual form.
func rewriteValues(payload json.RawMessage, fn func(types.FieldID, any) (any, error)) (json.RawMessage, error) {
	var doc map[string]any
	if err := decodeJSON(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
	}
	sections, _ := doc["sections"].([]any)
	for _, s := range sections {
		section, ok := s.(map[string]any)
		if !ok {
			continue
		}
		fields, _ := section["fields"].([]any)
		for _, f := range fields {
			field, ok := f.(map[string]any)
			if !ok {
				continue
			}
			id, ok := fieldID(field["id"])
			if !ok {
				continue
			}
			value, present := field["value"]
			if !present {
				continue
			}
			out, err := fn(id, value)
			if err != nil {
				return nil, err
			}
			field["value"] = out
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

func fieldID(v any) (types.FieldID, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return types.FieldID(n), err == nil
	case map[string]any:
		return fieldID(x["id"])
	}
	return 0, false
}

func decodeJSON(data []byte, dest any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dest)
}
