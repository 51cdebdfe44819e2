// Package stash owns the encrypted stash file: its on-disk record format,
// atomic persistence, and the plaintext secret map it carries once decrypted.
package stash

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"stashd/internal/crypt"
)

const supportedVersion = 1

// ErrNoStash is returned when the stash file does not exist yet.
var ErrNoStash = errors.New("stash: no stash file")

// CorruptError wraps any failure to parse a stash record: malformed JSON,
// invalid base64, an unsupported version, or a missing field.
type CorruptError struct {
	Err error
}

func (e *CorruptError) Error() string { return fmt.Sprintf("stash: corrupt record: %v", e.Err) }
func (e *CorruptError) Unwrap() error  { return e.Err }

// record is the literal on-disk JSON document, §3 of the design.
type record struct {
	Version    int             `json:"version"`
	KDF        kdfField        `json:"kdf"`
	Encryption encryptionField `json:"encryption"`
}

type kdfField struct {
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"`
	N         int    `json:"n"`
	R         int    `json:"r"`
	P         int    `json:"p"`
}

type encryptionField struct {
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Header is the parsed, still-encrypted metadata of a stash record: enough
// to derive a candidate key and attempt decryption, without exposing any
// plaintext.
type Header struct {
	KDFParams  crypt.Params
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

func parseRecord(data []byte) (Header, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Header{}, &CorruptError{Err: err}
	}
	if rec.Version != supportedVersion {
		return Header{}, &CorruptError{Err: fmt.Errorf("unsupported version %d", rec.Version)}
	}
	if rec.KDF.Algorithm != "scrypt" {
		return Header{}, &CorruptError{Err: fmt.Errorf("unsupported kdf algorithm %q", rec.KDF.Algorithm)}
	}
	if rec.Encryption.Algorithm != "aes-256-gcm" {
		return Header{}, &CorruptError{Err: fmt.Errorf("unsupported encryption algorithm %q", rec.Encryption.Algorithm)}
	}
	salt, err := decodeB64(rec.KDF.Salt)
	if err != nil {
		return Header{}, &CorruptError{Err: fmt.Errorf("kdf salt: %w", err)}
	}
	nonce, err := decodeB64(rec.Encryption.Nonce)
	if err != nil {
		return Header{}, &CorruptError{Err: fmt.Errorf("nonce: %w", err)}
	}
	ciphertext, err := decodeB64(rec.Encryption.Ciphertext)
	if err != nil {
		return Header{}, &CorruptError{Err: fmt.Errorf("ciphertext: %w", err)}
	}
	if rec.KDF.N == 0 || rec.KDF.R == 0 || rec.KDF.P == 0 {
		return Header{}, &CorruptError{Err: errors.New("missing kdf parameters")}
	}
	return Header{
		KDFParams:  crypt.Params{N: rec.KDF.N, R: rec.KDF.R, P: rec.KDF.P},
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty field")
	}
	return base64.StdEncoding.DecodeString(s)
}

func encodeRecord(salt, nonce, ciphertext []byte, params crypt.Params) []byte {
	rec := record{
		Version: supportedVersion,
		KDF: kdfField{
			Algorithm: "scrypt",
			Salt:      base64.StdEncoding.EncodeToString(salt),
			N:         params.N,
			R:         params.R,
			P:         params.P,
		},
		Encryption: encryptionField{
			Algorithm:  "aes-256-gcm",
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		},
	}
	b, _ := json.MarshalIndent(&rec, "", "  ")
	return b
}

// SecretMap is the decrypted, human-labelled secret store. Values are kept
// as raw bytes rather than strings so that a lock transition can overwrite
// them in place; see crypt.Zero.
type SecretMap map[string][]byte

// serialize renders the map as a JSON object, values base64-encoded by
// encoding/json's own []byte handling so any byte sequence — embedded
// newlines and tabs included, as in a multi-line PEM or SSH private key —
// round-trips exactly. encoding/json sorts map keys when marshaling, so two
// persists of an unchanged map produce identical plaintext and the only
// thing that varies between records is the fresh salt/nonce/ciphertext
// envelope around it.
func (m SecretMap) serialize() []byte {
	b, err := json.Marshal(map[string][]byte(m))
	if err != nil {
		// m's keys are strings and its values are []byte; json.Marshal over
		// that shape cannot fail.
		panic(fmt.Sprintf("stash: marshal secret map: %v", err))
	}
	return b
}

func deserializeSecretMap(data []byte) (SecretMap, error) {
	if len(data) == 0 {
		return make(SecretMap), nil
	}
	var out SecretMap
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &CorruptError{Err: err}
	}
	if out == nil {
		out = make(SecretMap)
	}
	return out, nil
}

// Clone returns a deep copy of m, so callers can hand out a snapshot without
// risking a reader or writer racing on the same backing arrays.
func (m SecretMap) Clone() SecretMap {
	out := make(SecretMap, len(m))
	for k, v := range m {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Keys returns the map's keys sorted lexicographically.
func (m SecretMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
