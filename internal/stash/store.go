package stash

import (
	"os"
	"path/filepath"

	"stashd/internal/crypt"
)

// Store owns the encrypted stash file on disk.
type Store struct {
	path string
}

// NewStore returns a Store backed by the file at path (typically
// <data_dir>/stash.json).
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Exists reports whether the stash file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// LoadHeader reads and parses the stash file's metadata. The ciphertext it
// returns is still encrypted; no password is involved at this step.
func (s *Store) LoadHeader() (Header, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, ErrNoStash
		}
		return Header{}, err
	}
	return parseRecord(data)
}

// Persist derives a fresh key from password with a new salt, encrypts the
// serialized secret map with a new nonce, and writes the record atomically.
// It returns the key and salt used, so a caller already holding the
// plaintext can reuse them for a subsequent PersistWithKey without another
// scrypt call.
func (s *Store) Persist(secrets SecretMap, password string, params crypt.Params) (key, salt []byte, err error) {
	salt, err = crypt.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	key, err = crypt.Derive(password, salt, params)
	if err != nil {
		return nil, nil, err
	}
	if err := s.writeSealed(secrets, key, params, salt); err != nil {
		return nil, nil, err
	}
	return key, salt, nil
}

// PersistWithKey re-encrypts secrets under an already-derived key and salt
// (the key and salt from the last successful unlock or persist), sampling
// only a fresh nonce. This is the path add/delete take while unlocked, so
// routine edits never pay for another scrypt call.
func (s *Store) PersistWithKey(secrets SecretMap, key []byte, params crypt.Params, salt []byte) error {
	return s.writeSealed(secrets, key, params, salt)
}

func (s *Store) writeSealed(secrets SecretMap, key []byte, params crypt.Params, salt []byte) error {
	nonce, ciphertext, err := crypt.Encrypt(key, secrets.serialize())
	if err != nil {
		return err
	}
	data := encodeRecord(salt, nonce, ciphertext, params)
	return s.writeAtomic(data)
}

// writeAtomic serializes data to a temporary sibling file, flushes and
// syncs it, then renames it over the stash file. A crash between write and
// rename leaves the previous file intact; a crash after rename leaves the
// new file valid. A leftover temp file from an earlier aborted write (one
// this process never got to remove) is swept up here once this write
// succeeds.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	sweepStaleTempFiles(dir, tmp.Name())
	return nil
}

const tmpPattern = "stash-*.tmp"

// sweepStaleTempFiles removes any leftover "stash-*.tmp" sibling other than
// justWritten: a temp file from a write this process (or a prior instance)
// started but never renamed away, per the atomic-write protocol's cleanup
// rule. Best-effort — a stat or remove failure here does not fail the
// write that just succeeded.
func sweepStaleTempFiles(dir, justWritten string) {
	matches, err := filepath.Glob(filepath.Join(dir, "stash-*.tmp"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if m == justWritten {
			continue
		}
		os.Remove(m)
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// Decrypt opens header's ciphertext under key and nonce, returning the
// decoded secret map. Returns crypt.ErrAuth on any verification failure.
func Decrypt(header Header, key []byte) (SecretMap, error) {
	plaintext, err := crypt.Decrypt(key, header.Nonce, header.Ciphertext)
	if err != nil {
		return nil, err
	}
	return deserializeSecretMap(plaintext)
}
