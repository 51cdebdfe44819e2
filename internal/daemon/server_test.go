package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stashd/internal/clipboard"
	"stashd/internal/crypt"
	"stashd/internal/events"
	"stashd/internal/health"
	"stashd/internal/session"
	"stashd/internal/stash"
	"stashd/internal/state/paths"
)

func fastParams() crypt.Params { return crypt.Params{N: 16, R: 1, P: 1} }

// startTestServer claims the pid file and binds the socket directly
// (skipping Run's signal handling and systemd notification, which tests
// don't need) and starts the accept loop in the background.
func startTestServer(t *testing.T) (paths.Layout, *session.Session) {
	t.Helper()
	layout := paths.New(t.TempDir())
	store := stash.NewStore(layout.StashFile())
	tracker := health.NewTracker()
	sess := session.New(store, clipboard.NewMemory(), events.NewBus(), tracker, session.Settings{
		InactivityLockSeconds: 900,
		ClipboardClearSeconds: 30,
	})
	srv := NewServer(layout, sess, tracker)

	if err := os.MkdirAll(layout.Root(), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := srv.claimPIDFile(); err != nil {
		t.Fatalf("claim pid file: %v", err)
	}
	if err := srv.bindSocket(); err != nil {
		t.Fatalf("bind socket: %v", err)
	}
	go srv.acceptLoop()

	t.Cleanup(func() {
		srv.Stop()
		srv.releasePIDFile()
	})
	return layout, sess
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	b = append(b, '\n')
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write request: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return resp
}

func TestDispatchHealthUnlockAddGet(t *testing.T) {
	layout, sess := startTestServer(t)
	store := stash.NewStore(layout.StashFile())
	if _, _, err := store.Persist(stash.SecretMap{}, "hunter2", fastParams()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv := &Server{session: sess}
	resp := srv.dispatch(Request{Command: "health"})
	if !resp.OK {
		t.Fatalf("health: %+v", resp)
	}

	resp = srv.dispatch(Request{Command: "unlock", Params: map[string]string{"password": "hunter2"}})
	if !resp.OK {
		t.Fatalf("unlock: %+v", resp)
	}

	resp = srv.dispatch(Request{Command: "add", Params: map[string]string{"key": "t", "value": "abc"}})
	if !resp.OK {
		t.Fatalf("add: %+v", resp)
	}

	resp = srv.dispatch(Request{Command: "get", Params: map[string]string{"key": "t"}})
	if !resp.OK || resp.Data["value"] != "abc" {
		t.Fatalf("get: %+v", resp)
	}
}

// TestHealthVerbSurfacesTracker checks that the health verb actually
// reports the component statuses the session writes to its tracker, not
// just the bare unlocked/pid bit.
func TestHealthVerbSurfacesTracker(t *testing.T) {
	layout := paths.New(t.TempDir())
	store := stash.NewStore(layout.StashFile())
	if _, _, err := store.Persist(stash.SecretMap{}, "hunter2", fastParams()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tracker := health.NewTracker()
	sess := session.New(store, clipboard.NewMemory(), events.NewBus(), tracker, session.Settings{
		InactivityLockSeconds: 900,
		ClipboardClearSeconds: 30,
	})
	srv := &Server{session: sess, health: tracker}

	resp := srv.dispatch(Request{Command: "unlock", Params: map[string]string{"password": "hunter2"}})
	if !resp.OK {
		t.Fatalf("unlock: %+v", resp)
	}

	resp = srv.dispatch(Request{Command: "health"})
	if !resp.OK {
		t.Fatalf("health: %+v", resp)
	}
	components, ok := resp.Data["components"].(map[string]any)
	if !ok {
		t.Fatalf("expected a components map in health response, got %+v", resp.Data)
	}
	stashStatus, ok := components["stash_store"].(map[string]any)
	if !ok {
		t.Fatalf("expected a stash_store entry, got %+v", components)
	}
	if stashStatus["level"] != "ok" {
		t.Fatalf("expected stash_store level ok after unlock, got %+v", stashStatus)
	}
	if resp.Data["overall"] != "ok" {
		t.Fatalf("expected overall level ok, got %+v", resp.Data["overall"])
	}
}

func TestDispatchUnknownCommandIsBadRequest(t *testing.T) {
	_, sess := startTestServer(t)
	srv := &Server{session: sess}
	resp := srv.dispatch(Request{Command: "frobnicate"})
	if resp.OK || resp.Error != string(TagBadRequest) {
		t.Fatalf("expected BadRequest, got %+v", resp)
	}
}

func TestDispatchMissingParamIsBadRequest(t *testing.T) {
	_, sess := startTestServer(t)
	srv := &Server{session: sess}
	resp := srv.dispatch(Request{Command: "get"})
	if resp.OK || resp.Error != string(TagBadRequest) {
		t.Fatalf("expected BadRequest, got %+v", resp)
	}
}

func TestDispatchLockedIsTagged(t *testing.T) {
	_, sess := startTestServer(t)
	srv := &Server{session: sess}
	resp := srv.dispatch(Request{Command: "list"})
	if resp.OK || resp.Error != string(TagLocked) {
		t.Fatalf("expected Locked, got %+v", resp)
	}
}

func TestProtocolFramingOverSocket(t *testing.T) {
	layout, _ := startTestServer(t)
	resp := roundTrip(t, layout.SocketFile(), Request{Command: "health"})
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
}

func TestMalformedRequestClosesWithBadRequest(t *testing.T) {
	layout, _ := startTestServer(t)
	conn, err := net.DialTimeout("unix", layout.SocketFile(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if resp.OK || resp.Error != string(TagBadRequest) {
		t.Fatalf("expected BadRequest, got %+v", resp)
	}
}

func TestClassifyMapsSentinelsToWireTags(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorTag
	}{
		{session.ErrLocked, TagLocked},
		{session.ErrWrongPassword, TagWrongPassword},
		{session.ErrNoSuchKey, TagNoSuchKey},
		{session.ErrInvalidKey, TagInvalidKey},
		{stash.ErrNoStash, TagNoStash},
	}
	for _, c := range cases {
		tag, _ := classify(c.err)
		if tag != c.want {
			t.Fatalf("classify(%v) = %v, want %v", c.err, tag, c.want)
		}
	}
}

func TestClassifyCorruptStash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stash.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := stash.NewStore(path)
	_, err := store.LoadHeader()
	tag, _ := classify(err)
	if tag != TagCorruptStash {
		t.Fatalf("expected CorruptStash, got %v", tag)
	}
}
