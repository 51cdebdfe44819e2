package session

import "errors"

// Sentinel errors recognized by the daemon's protocol layer and mapped onto
// the wire error tags of §7. stash.ErrNoStash and *stash.CorruptError from
// the store propagate through handlers unchanged and are mapped the same
// way; a crypt.ErrAuth from decryption is replaced by ErrWrongPassword.
var (
	// ErrLocked is returned by any handler that requires UNLOCKED state
	// while the session is locked.
	ErrLocked = errors.New("session: locked")
	// ErrNoSuchKey is returned by get/delete for an absent key.
	ErrNoSuchKey = errors.New("session: no such key")
	// ErrInvalidKey is returned by add when the key fails validation.
	ErrInvalidKey = errors.New("session: invalid key")
	// ErrWrongPassword is returned by unlock/change_password on AEAD
	// verification failure. Deliberately indistinguishable from tamper
	// detection — handlers return it in place of crypt.ErrAuth.
	ErrWrongPassword = errors.New("session: wrong password")
)
