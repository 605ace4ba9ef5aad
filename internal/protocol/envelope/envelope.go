// Package envelope builds, serializes, signs and verifies agent message envelopes.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"agent_relay/internal/cryptographic/signature"
)

const (
	SigAlg   = "HMAC-SHA256"
	TypeChat = "chat"

	KeyType   = "type"
	KeyFrom   = "from"
	KeyTo     = "to"
	KeyGroup  = "group"
	KeyTS     = "ts"
	KeyBody   = "body"
	KeySig    = "sig"
	KeySigAlg = "sig_alg"
)

// signedKeys are the only fields covered by sig.
var signedKeys = []string{KeyType, KeyFrom, KeyTo, KeyGroup, KeyTS, KeyBody}

var (
	ErrNoSecret  = errors.New("envelope: signing secret is not set")
	ErrNotObject = errors.New("envelope: payload is not a JSON object")
)

// Fields is an envelope as a JSON object. Keeping the raw object preserves which keys
// were present, which matters for the signature.
type Fields map[string]any

// New builds unsigned envelope fields. Both targets are always present; an empty target
// is encoded as null.
func New(typ, from, to, group string, ts int64, body any) Fields {
	return Fields{
		KeyType:  typ,
		KeyFrom:  from,
		KeyTo:    nullable(to),
		KeyGroup: nullable(group),
		KeyTS:    ts,
		KeyBody:  body,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// signingBase returns the signed subset of f, keeping only keys that are present.
func (f Fields) signingBase() Fields {
	base := make(Fields, len(signedKeys))
	for _, k := range signedKeys {
		if v, ok := f[k]; ok {
			base[k] = v
		}
	}
	return base
}

// Sign returns the hex HMAC-SHA256 signature of the signed subset of f.
func Sign(f Fields, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	canonical, err := Canonicalize(f.signingBase())
	if err != nil {
		return "", err
	}
	return signature.HMACSign(secret, canonical), nil
}

// Seal returns a copy of f carrying sig and sig_alg.
func Seal(f Fields, secret []byte) (Fields, error) {
	sig, err := Sign(f, secret)
	if err != nil {
		return nil, err
	}
	sealed := make(Fields, len(f)+2)
	for k, v := range f {
		sealed[k] = v
	}
	sealed[KeySig] = sig
	sealed[KeySigAlg] = SigAlg
	return sealed, nil
}

// Verify reports whether f carries a valid signature under secret. It never fails loudly:
// a missing secret, a missing sig or an unserializable body all verify as false.
func Verify(f Fields, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	sig, _ := f[KeySig].(string)
	if sig == "" {
		return false
	}
	canonical, err := Canonicalize(f.signingBase())
	if err != nil {
		return false
	}
	return signature.HMACVerify(secret, canonical, sig)
}

// Parse decodes data into envelope fields. Numbers are kept as json.Number so that
// re-canonicalization reproduces the sender's bytes.
func Parse(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("envelope: trailing data after JSON object")
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Fields(m), nil
}

// Marshal serializes f for the wire.
func Marshal(f Fields) ([]byte, error) {
	return Canonicalize(f)
}

func (f Fields) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f Fields) Type() string  { return f.str(KeyType) }
func (f Fields) From() string  { return f.str(KeyFrom) }
func (f Fields) To() string    { return f.str(KeyTo) }
func (f Fields) Group() string { return f.str(KeyGroup) }
func (f Fields) Sig() string   { return f.str(KeySig) }

// TS returns the sender timestamp in seconds, or 0 when absent or malformed.
func (f Fields) TS() int64 {
	switch ts := f[KeyTS].(type) {
	case int64:
		return ts
	case int:
		return int64(ts)
	case float64:
		return int64(ts)
	case json.Number:
		n, err := ts.Int64()
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
