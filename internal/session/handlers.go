package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"stashd/internal/crypt"
	"stashd/internal/events"
	"stashd/internal/health"
	"stashd/internal/stash"
)

// HealthInfo is the data returned by the health verb.
type HealthInfo struct {
	Unlocked bool
	PID      int
}

// Health reports the session's lock state. Like every other handler it
// updates last_activity when it runs in UNLOCKED, and leaves it alone when
// the session is locked.
func (s *Session) Health(pid int) HealthInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		s.touchLocked()
	}
	return HealthInfo{Unlocked: !s.locked, PID: pid}
}

// Unlock derives a candidate key from password against the stash's stored
// KDF parameters and salt, then attempts AEAD decryption of the stored
// ciphertext. Per §5 the derivation (a multi-hundred-millisecond CPU
// blocker) runs outside the session mutex; only applying the resulting
// state transition is done under it.
func (s *Session) Unlock(password string) error {
	header, err := s.store.LoadHeader()
	if err != nil {
		s.publishAudit("unlock", false)
		return err
	}
	key, err := crypt.Derive(password, header.Salt, header.KDFParams)
	if err != nil {
		s.publishAudit("unlock", false)
		return err
	}
	secrets, err := stash.Decrypt(header, key)
	if err != nil {
		s.publishAudit("unlock", false)
		return ErrWrongPassword
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		// Idempotent: the password above verified against the file that is
		// currently backing this very session, so there's nothing to redo.
		s.touchLocked()
		s.publishAudit("unlock", true)
		return nil
	}
	s.locked = false
	s.key = key
	s.salt = header.Salt
	s.kdfParams = header.KDFParams
	s.secrets = secrets
	s.lastActivity = s.now()
	s.cancelClipboardTimerLocked()
	s.armInactivityTimerLocked()
	s.setStashHealthLocked(health.LevelOK, "unlocked")
	s.publishLockState(false)
	s.publishAudit("unlock", true)
	return nil
}

// Lock wipes the in-memory key and secret buffers and enters LOCKED,
// cancelling any pending clipboard-clear timer.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked()
}

func (s *Session) lockLocked() {
	wasUnlocked := !s.locked
	crypt.Zero(s.key)
	s.key = nil
	for k, v := range s.secrets {
		crypt.Zero(v)
		delete(s.secrets, k)
	}
	s.secrets = nil
	s.locked = true
	s.cancelClipboardTimerLocked()
	s.cancelInactivityTimerLocked()
	if wasUnlocked {
		s.publishLockState(true)
	}
}

// List returns the stash's keys, sorted lexicographically.
func (s *Session) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrLocked
	}
	s.touchLocked()
	return s.secrets.Keys(), nil
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return "", ErrLocked
	}
	v, ok := s.secrets[key]
	if !ok {
		s.touchLocked()
		return "", ErrNoSuchKey
	}
	s.touchLocked()
	return string(v), nil
}

// Add inserts or replaces key's value and persists the stash.
func (s *Session) Add(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	prev, existed := s.secrets[key]
	s.secrets[key] = []byte(value)
	if err := s.persistLocked(); err != nil {
		// Roll back the in-memory mutation so it stays consistent with disk.
		if existed {
			s.secrets[key] = prev
		} else {
			delete(s.secrets, key)
		}
		return err
	}
	s.touchLocked()
	return nil
}

// Delete removes key and persists the stash.
func (s *Session) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	prev, ok := s.secrets[key]
	if !ok {
		s.touchLocked()
		return ErrNoSuchKey
	}
	delete(s.secrets, key)
	if err := s.persistLocked(); err != nil {
		s.secrets[key] = prev
		return err
	}
	crypt.Zero(prev)
	s.touchLocked()
	return nil
}

// persistLocked writes the current secrets to disk reusing the session's
// key and salt. Caller must hold s.mu and the session must be unlocked.
func (s *Session) persistLocked() error {
	err := s.store.PersistWithKey(s.secrets, s.key, s.kdfParams, s.salt)
	if err != nil {
		s.setStashHealthLocked(health.LevelError, err.Error())
		return err
	}
	s.setStashHealthLocked(health.LevelOK, "persisted")
	return nil
}

func (s *Session) setStashHealthLocked(level health.Level, msg string) {
	if s.health != nil {
		s.health.Setf("stash_store", level, msg)
	}
}

// ChangePassword verifies old against the stash's stored parameters, then
// re-derives from new with a fresh salt and re-encrypts. Allowed whether
// the session is locked or unlocked. The two scrypt calls (verify, then
// re-derive) both run outside the session mutex; only the final persist and
// in-memory key/salt update run under it.
func (s *Session) ChangePassword(old, newPassword string) (err error) {
	defer func() { s.publishAudit("change_password", err == nil) }()

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		header, err := s.store.LoadHeader()
		if err != nil {
			return err
		}
		oldKey, err := crypt.Derive(old, header.Salt, header.KDFParams)
		if err != nil {
			return err
		}
		secrets, err := stash.Decrypt(header, oldKey)
		if err != nil {
			return ErrWrongPassword
		}
		newSalt, err := crypt.NewSalt()
		if err != nil {
			return err
		}
		newKey, err := crypt.Derive(newPassword, newSalt, header.KDFParams)
		if err != nil {
			return err
		}

		ok, err := s.applyChangePassword(header, secrets, newKey, newSalt)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// The on-disk record moved under us between LoadHeader and here
		// (another change_password or add/delete committed); retry with a
		// fresh read rather than clobbering a write we never saw.
	}
	return errInternal("change_password: stash kept changing underneath")
}

// applyChangePassword re-encrypts the authoritative secret map under newKey
// and persists it, reporting false (no error) if the stash moved since
// header was read so the caller can retry.
func (s *Session) applyChangePassword(header stash.Header, decrypted stash.SecretMap, newKey, newSalt []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secrets stash.SecretMap
	if !s.locked {
		secrets = s.secrets
	} else {
		fresh, err := s.store.LoadHeader()
		if err != nil {
			return false, err
		}
		if !headerUnchanged(header, fresh) {
			return false, nil
		}
		secrets = decrypted
	}

	if err := s.store.PersistWithKey(secrets, newKey, header.KDFParams, newSalt); err != nil {
		s.setStashHealthLocked(health.LevelError, err.Error())
		return false, err
	}
	s.setStashHealthLocked(health.LevelOK, "persisted")
	if !s.locked {
		crypt.Zero(s.key)
		s.key = newKey
		s.salt = newSalt
		s.touchLocked()
	}
	return true, nil
}

func headerUnchanged(a, b stash.Header) bool {
	return subtleEqual(a.Salt, b.Salt) && subtleEqual(a.Nonce, b.Nonce) && subtleEqual(a.Ciphertext, b.Ciphertext)
}

func subtleEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// ScheduleClipboardClear (re)arms the clipboard-clear timer with a
// fingerprint of value. A second call cancels and supersedes the first.
func (s *Session) ScheduleClipboardClear(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	s.cancelClipboardTimerLocked()
	fp := sha256.Sum256([]byte(value))
	deadline := s.now().Add(secondsDuration(s.settings.ClipboardClearSeconds))
	s.clipboardPending = &pendingClipboard{fingerprint: fp, deadline: deadline}
	s.armClipboardTimerLocked(value, fp)
	s.touchLocked()
	return nil
}

// touchLocked updates last_activity and rearms the inactivity timer.
// Caller must hold s.mu and the session must be unlocked.
func (s *Session) touchLocked() {
	s.lastActivity = s.now()
	s.armInactivityTimerLocked()
}

func (s *Session) publishLockState(locked bool) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Topic: events.TopicLockState, Payload: events.LockStateChanged{Locked: locked}})
	}
}

// publishAudit emits a TopicAudit event for a security-relevant operator
// action. Never passed anything beyond a verb name and its outcome —
// passwords, keys, and secret values never reach the bus.
func (s *Session) publishAudit(kind string, ok bool) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Topic: events.TopicAudit, Payload: events.AuditEvent{Kind: kind, Time: s.now(), OK: ok}})
	}
}

// Audit publishes a TopicAudit event for an operator action the session
// itself doesn't mediate, such as the daemon's stop verb.
func (s *Session) Audit(kind string, ok bool) {
	s.publishAudit(kind, ok)
}

// validateKey enforces §4.6's key-validity rule: non-empty, at most 256
// bytes, no embedded NUL, no leading/trailing whitespace.
func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > maxKeyBytes {
		return ErrInvalidKey
	}
	if strings.IndexByte(key, 0) >= 0 {
		return ErrInvalidKey
	}
	if strings.TrimSpace(key) != key {
		return ErrInvalidKey
	}
	return nil
}

type internalError string

func (e internalError) Error() string { return string(e) }

func errInternal(msg string) error { return internalError(msg) }
