package main

import (
	"flag"
	"log"
	"path/filepath"

	"stashd/internal/clipboard"
	"stashd/internal/config"
	"stashd/internal/daemon"
	"stashd/internal/events"
	"stashd/internal/health"
	"stashd/internal/session"
	"stashd/internal/state/paths"
	"stashd/internal/stash"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the stashd settings file (default: <data-dir>/config.yaml)")
	flag.Parse()

	settingsPath := *configPath
	if settingsPath == "" {
		home := config.Default().DataDirectory
		settingsPath = filepath.Join(home, "config.yaml")
	}

	cfg, err := config.Load(settingsPath)
	if err != nil {
		log.Fatalf("FATAL: failed to load configuration: %v", err)
	}

	log.Printf("INFO: starting stashd %s with data directory %s", version, cfg.DataDirectory)

	layout := paths.New(cfg.DataDirectory)
	store := stash.NewStore(layout.StashFile())
	bus := events.NewBus()
	tracker := health.NewTracker()

	go relayLockState(bus)
	go relayAuditTrail(bus)

	sess := session.New(store, clipboard.Null{}, bus, tracker, session.Settings{
		InactivityLockSeconds: cfg.InactivityLockSeconds,
		ClipboardClearSeconds: cfg.ClipboardClearSeconds,
	})

	srv := daemon.NewServer(layout, sess, tracker)
	if err := srv.Run(); err != nil {
		log.Fatalf("FATAL: daemon exited: %v", err)
	}
}

// relayLockState relays lock-state transitions to the process log until the
// bus is closed. It never sees passwords, keys, or secret values — only the
// locked bit.
func relayLockState(bus *events.Bus) {
	ch := bus.Subscribe(events.TopicLockState, 8)
	for evt := range ch {
		change, ok := evt.Payload.(events.LockStateChanged)
		if !ok {
			continue
		}
		if change.Locked {
			log.Printf("AUDIT: stash locked")
		} else {
			log.Printf("AUDIT: stash unlocked")
		}
	}
}

// relayAuditTrail relays operator-action audit events (unlock attempts,
// password changes, stop requests) to the process log until the bus is
// closed. Only the verb name and its outcome are ever logged.
func relayAuditTrail(bus *events.Bus) {
	ch := bus.Subscribe(events.TopicAudit, 16)
	for evt := range ch {
		entry, ok := evt.Payload.(events.AuditEvent)
		if !ok {
			continue
		}
		if entry.OK {
			log.Printf("AUDIT: %s succeeded", entry.Kind)
		} else {
			log.Printf("AUDIT: %s failed", entry.Kind)
		}
	}
}
