package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	systemd "github.com/coreos/go-systemd/v22/daemon"

	"stashd/internal/health"
	"stashd/internal/session"
	"stashd/internal/state/paths"
)

// requestReadTimeout bounds how long a connection may take to send a
// complete request line (§4.5).
const requestReadTimeout = 10 * time.Second

// Server is the socket server (C5): it owns the listening socket, the pid
// file lock that is the source of truth against duplicate instances, and
// the accept loop. Business logic lives in the session it dispatches to.
type Server struct {
	layout  paths.Layout
	session *session.Session
	health  *health.Tracker

	listener net.Listener
	pidLock  *flock.Flock
	pid      int

	stopOnce sync.Once
	stopCh   chan struct{}
	conns    sync.WaitGroup
}

// NewServer constructs a Server bound to layout's data directory. It does
// not touch the filesystem until Run is called.
func NewServer(layout paths.Layout, sess *session.Session, tracker *health.Tracker) *Server {
	return &Server{
		layout:  layout,
		session: sess,
		health:  tracker,
		pid:     os.Getpid(),
		stopCh:  make(chan struct{}),
	}
}

// Run binds the socket, installs signal handling, notifies systemd
// readiness if applicable, and blocks serving connections until Stop is
// called or a terminating signal arrives. It always cleans up the socket
// and pid file before returning.
func (srv *Server) Run() error {
	if err := os.MkdirAll(srv.layout.Root(), 0o700); err != nil {
		return fmt.Errorf("daemon: create data directory: %w", err)
	}
	if err := srv.claimPIDFile(); err != nil {
		return err
	}
	defer srv.releasePIDFile()

	if err := srv.bindSocket(); err != nil {
		return err
	}
	defer srv.cleanupSocket()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			srv.Stop()
		case <-srv.stopCh:
		}
	}()
	defer signal.Stop(sigCh)

	if srv.health != nil {
		srv.health.Setf("listener", health.LevelOK, "listening on "+srv.layout.SocketFile())
	}
	if sent, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		log.Printf("WARN: failed to notify systemd of readiness: %v", err)
	} else if sent {
		log.Printf("INFO: notified systemd that stashd is ready")
	}

	return srv.acceptLoop()
}

// Stop unblocks Run and causes it to return cleanly. Safe to call more than
// once and from any goroutine.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stopCh)
		if srv.listener != nil {
			srv.listener.Close()
		}
	})
}

// claimPIDFile takes an exclusive lock on daemon.pid, the source of truth
// for "is another instance already running" (§9's stale-socket design
// note). A held lock means a live instance owns the data directory; we
// fail fast rather than race it for the socket.
func (srv *Server) claimPIDFile() error {
	lock := flock.New(srv.layout.PIDFile())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon: lock pid file: %w", err)
	}
	if !ok {
		return errors.New("daemon: another instance holds the data directory")
	}
	srv.pidLock = lock
	if err := os.WriteFile(srv.layout.PIDFile(), []byte(strconv.Itoa(srv.pid)), 0o600); err != nil {
		lock.Unlock()
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	return nil
}

func (srv *Server) releasePIDFile() {
	if srv.pidLock != nil {
		srv.pidLock.Unlock()
	}
	os.Remove(srv.layout.PIDFile())
}

// bindSocket binds the control socket, clearing out a stale socket file
// left by a crashed instance. Holding the pid-file lock already proves no
// live instance exists, so any leftover daemon.sock is safe to unlink.
func (srv *Server) bindSocket() error {
	sockPath := srv.layout.SocketFile()
	if _, err := os.Stat(sockPath); err == nil {
		if err := os.Remove(sockPath); err != nil {
			return fmt.Errorf("daemon: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("daemon: bind socket: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}
	srv.listener = ln
	return nil
}

func (srv *Server) cleanupSocket() {
	if srv.listener != nil {
		srv.listener.Close()
	}
	os.Remove(srv.layout.SocketFile())
}

// acceptLoop accepts connections until the listener is closed by Stop.
func (srv *Server) acceptLoop() error {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.stopCh:
				srv.conns.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				srv.conns.Wait()
				return nil
			}
			log.Printf("WARN: accept failed: %v", err)
			continue
		}
		srv.conns.Add(1)
		go func() {
			defer srv.conns.Done()
			srv.handleConn(conn)
		}()
	}
}

// handleConn reads exactly one request line, dispatches it, writes exactly
// one response line, and closes. Implementations may accept but must not
// require pipelining; this one simply never looks for a second line.
func (srv *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		// Either a timeout or a connection closed before a full line
		// arrived. Either way, §4.5 says close with no response.
		return
	}

	var req Request
	resp := func() Response {
		if err := json.Unmarshal([]byte(strings.TrimRight(line, "\r\n")), &req); err != nil {
			return errResponse(TagBadRequest, "malformed JSON")
		}
		if req.Command == "" {
			return errResponse(TagBadRequest, "missing command")
		}
		return srv.dispatch(req)
	}()

	writeResponse(conn, resp)

	if resp.Error == string(TagBadRequest) {
		return
	}
	if req.Command == "stop" {
		// The response is already on the wire; the stop itself was
		// triggered inside dispatch.
		return
	}
}

func writeResponse(conn net.Conn, resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(errResponse(TagInternal, "failed to encode response"))
	}
	b = append(b, '\n')
	conn.SetWriteDeadline(time.Now().Add(requestReadTimeout))
	_, _ = conn.Write(b)
}

// requestStop is called from the "stop" handler, inside dispatch, while
// still holding nothing but its own call stack — the session mutex has
// already been released by the time Lock() returns.
func (srv *Server) requestStop() {
	go srv.Stop()
}
