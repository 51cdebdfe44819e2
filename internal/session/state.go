// Package session implements the daemon's locked/unlocked state machine
// (§4.3) and the command handlers that mediate it, the stash store, and the
// two timers under a single mutex (§4.6).
package session

import (
	"crypto/sha256"
	"sync"
	"time"

	"stashd/internal/clipboard"
	"stashd/internal/crypt"
	"stashd/internal/events"
	"stashd/internal/health"
	"stashd/internal/stash"
)

const maxKeyBytes = 256

// Settings are the host-supplied, read-only knobs the session consults.
type Settings struct {
	InactivityLockSeconds int
	ClipboardClearSeconds int
}

// pendingClipboard is the observable half of a scheduled clipboard clear;
// the plaintext value itself lives only in the armed timer's closure, never
// here, per §3's "retains only the fingerprint" invariant.
type pendingClipboard struct {
	fingerprint [sha256.Size]byte
	deadline    time.Time
}

// Session is the single owned value backing the daemon's locked/unlocked
// state machine. cmd/stashd constructs it and internal/daemon drives it;
// all access goes through its methods, each of which takes the mutex for
// its entire state transition.
type Session struct {
	mu sync.Mutex

	store     *stash.Store
	clipboard clipboard.Clipboard
	bus       *events.Bus
	health    *health.Tracker
	settings  Settings
	now       func() time.Time

	locked       bool
	key          []byte
	salt         []byte
	kdfParams    crypt.Params
	secrets      stash.SecretMap
	lastActivity time.Time

	clipboardPending *pendingClipboard

	inactivityTimer *time.Timer
	clipboardTimer  *time.Timer
}

// New constructs a Session in the LOCKED state against store. clip may be
// nil, in which case clipboard.Null{} is used.
func New(store *stash.Store, clip clipboard.Clipboard, bus *events.Bus, tracker *health.Tracker, settings Settings) *Session {
	if clip == nil {
		clip = clipboard.Null{}
	}
	s := &Session{
		store:     store,
		clipboard: clip,
		bus:       bus,
		health:    tracker,
		settings:  settings,
		locked:    true,
		now:       time.Now,
	}
	if s.health != nil {
		s.health.Setf("stash_store", health.LevelOK, "not yet accessed")
	}
	return s
}
