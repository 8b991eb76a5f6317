// Package ipc implements the framed unix-socket server hooks talk to.
//
// Framing is one JSON event per newline-terminated line. Ordering is
// guaranteed per connection only: each connection gets its own reader
// goroutine and delivers events to the handler in arrival order, while a
// slow client never blocks another. The server also broadcasts downstream
// frames (approval decisions) to every connected hook.
package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/xcawolfe-amzn/ccbridge/internal/event"
)

// ErrAlreadyRunning means another daemon instance holds the PID lock or
// the socket is live.
var ErrAlreadyRunning = errors.New("bridge daemon already running")

const (
	// staleProbeTimeout bounds the connect used to tell a live socket
	// from a leftover file.
	staleProbeTimeout = 500 * time.Millisecond
	// maxLineBytes caps a single frame. Tool output is truncated upstream;
	// anything bigger than this is a broken client.
	maxLineBytes = 1 << 20
	// acceptRetryDelay paces retries after a transient accept failure,
	// e.g. fd exhaustion. maxAcceptErrors consecutive failures means the
	// listener is beyond recovery.
	acceptRetryDelay = 100 * time.Millisecond
	maxAcceptErrors  = 10
)

// Handler consumes parsed events. Called from per-connection goroutines;
// implementations serialize their own state.
type Handler func(ev event.Event)

// Server owns the unix socket, the PID file lock, and the connection set.
type Server struct {
	socketPath string
	pidPath    string
	handler    Handler
	logger     *log.Logger

	lock     *flock.Flock
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// New creates a server; Start performs the startup protocol.
func New(socketPath, pidPath string, handler Handler, logger *log.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		pidPath:    pidPath,
		handler:    handler,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start acquires the PID lock, clears any stale socket, binds, and begins
// accepting. Returns ErrAlreadyRunning when another instance owns either
// the lock or the socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	// The flock is the authoritative duplicate-daemon guard; the PID file
	// content exists for status commands and humans.
	s.lock = flock.New(s.pidPath + ".lock")
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring pid lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	if err := s.clearStaleSocket(); err != nil {
		s.lock.Unlock()
		return err
	}

	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		s.lock.Unlock()
		return fmt.Errorf("writing pid file: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.lock.Unlock()
		return fmt.Errorf("binding socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		s.lock.Unlock()
		return fmt.Errorf("restricting socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// clearStaleSocket probes an existing socket file. A successful connect
// means a live owner (fail); refusal or timeout means a leftover from a
// crash (unlink and continue).
func (s *Server) clearStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("probing socket: %w", err)
	}

	conn, err := net.DialTimeout("unix", s.socketPath, staleProbeTimeout)
	if err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}

	s.logger.Printf("removing stale socket %s", s.socketPath)
	if err := os.Remove(s.socketPath); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	failures := 0
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			// Transient accept errors (fd exhaustion and the like) must not
			// stop intake while the rest of the daemon keeps running.
			failures++
			if failures >= maxAcceptErrors {
				s.logger.Printf("accept failed %d times in a row, stopping intake: %v", failures, err)
				return
			}
			s.logger.Printf("accept error, retrying: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		failures = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

// readLoop frames one connection. Malformed lines are logged and skipped;
// they never terminate the connection. A read error or EOF closes only
// this connection.
func (s *Server) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := event.Parse(line)
		if err != nil {
			s.logger.Printf("skipping malformed event: %v", err)
			continue
		}
		s.handler(ev)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Printf("connection read error: %v", err)
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Broadcast writes one frame to every connected client. Used to deliver
// approval decisions back to hooks blocking on the socket. Write errors
// drop the offending connection only.
func (s *Server) Broadcast(frame []byte) {
	payload := make([]byte, 0, len(frame)+1)
	payload = append(payload, frame...)
	payload = append(payload, '\n')

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Write(payload); err != nil {
			s.logger.Printf("broadcast write failed, dropping connection: %v", err)
			s.dropConn(c)
		}
	}
}

// Close stops accepting, closes every connection, waits for readers, and
// releases the socket and PID lock. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()

	os.Remove(s.socketPath)
	os.Remove(s.pidPath)
	if s.lock != nil {
		s.lock.Unlock()
	}
}
