package session

import (
	"crypto/sha256"
	"time"
)

func secondsDuration(n int) time.Duration { return time.Duration(n) * time.Second }

// armInactivityTimerLocked (re)starts the inactivity timer measured from
// now. Called by every handler that touches UNLOCKED state (§4.4: "every
// handler ... rearms"). Caller must hold s.mu.
func (s *Session) armInactivityTimerLocked() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = time.AfterFunc(secondsDuration(s.settings.InactivityLockSeconds), s.onInactivityFire)
}

func (s *Session) cancelInactivityTimerLocked() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
}

// onInactivityFire re-acquires the session mutex (it runs on an independent
// scheduler, per §5) and either locks the session or rearms to the
// corrected deadline if another request extended last_activity in the
// meantime.
func (s *Session) onInactivityFire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	threshold := secondsDuration(s.settings.InactivityLockSeconds)
	elapsed := s.now().Sub(s.lastActivity)
	if elapsed >= threshold {
		s.lockLocked()
		return
	}
	s.inactivityTimer = time.AfterFunc(threshold-elapsed, s.onInactivityFire)
}

// armClipboardTimerLocked starts the clipboard-clear timer. value is
// captured only in this closure, never stored on the session itself;
// fingerprint is what the rest of the session can observe or compare
// against. Caller must hold s.mu.
func (s *Session) armClipboardTimerLocked(value string, fingerprint [sha256.Size]byte) {
	s.clipboardTimer = time.AfterFunc(secondsDuration(s.settings.ClipboardClearSeconds), func() {
		s.onClipboardFire(value, fingerprint)
	})
}

func (s *Session) cancelClipboardTimerLocked() {
	if s.clipboardTimer != nil {
		s.clipboardTimer.Stop()
		s.clipboardTimer = nil
	}
	s.clipboardPending = nil
}

// onClipboardFire performs the compare-and-clear: the clipboard is cleared
// only if it still holds the value that was scheduled, so copying
// something else before the deadline leaves it untouched. A session that
// has since locked, or a pending clear that has since been superseded by a
// later schedule call, makes this a no-op.
func (s *Session) onClipboardFire(value string, fingerprint [sha256.Size]byte) {
	s.mu.Lock()
	if s.locked || s.clipboardPending == nil || s.clipboardPending.fingerprint != fingerprint {
		s.mu.Unlock()
		return
	}
	cb := s.clipboard
	s.mu.Unlock()

	_, _ = cb.ClearIfEquals(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clipboardPending != nil && s.clipboardPending.fingerprint == fingerprint {
		s.clipboardPending = nil
		s.clipboardTimer = nil
	}
}
