// Package signaling relays connection-setup messages between devices over
// newline-delimited JSON on TCP. It never interprets the "to" field; consumers
// filter on it.
package signaling

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hearthsync/events"
	"hearthsync/metrics"
	"hearthsync/perf"
	"hearthsync/protocol"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	// DefaultRatePerSecond and DefaultRateBurst bound inbound lines per socket.
	DefaultRatePerSecond = 50.0
	DefaultRateBurst     = 100

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var (
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("signaling: server closed")
	// ErrUnknownDevice is returned when no socket is registered for a device.
	ErrUnknownDevice = errors.New("signaling: no connection for device")
)

// Config controls the signaling server.
type Config struct {
	// ListenAddress defaults to ":0" (OS-assigned port).
	ListenAddress  string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	RatePerSecond  float64
	RateBurst      int
	// MaxLineSize bounds one inbound line; longer lines are dropped.
	MaxLineSize int
	Logger      zerolog.Logger

	listenFn func(network, address string) (net.Listener, error)
}

func (c Config) withDefaults() Config {
	if c.ListenAddress == "" {
		c.ListenAddress = ":0"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = protocol.MaxLineSize
	}
	if c.listenFn == nil {
		c.listenFn = net.Listen
	}
	return c
}

// Inbound is one received message with a reply function bound to its socket.
type Inbound struct {
	Message protocol.SignalingMessage
	Respond func(protocol.SignalingMessage) error
}

// Disconnect reports a closed socket. DeviceID is empty when the socket never
// registered a sender.
type Disconnect struct {
	DeviceID string
}

// Server accepts signaling sockets and dials remote ones.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	listener net.Listener

	connsMu sync.Mutex
	conns   map[*socket]struct{}

	devicesMu sync.RWMutex
	devices   map[string]*socket

	messages    events.Feed[Inbound]
	disconnects events.Feed[Disconnect]
	errorsFeed  events.Feed[error]

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen starts the signaling listener and its accept loop.
func Listen(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	listener, err := cfg.listenFn("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", cfg.ListenAddress, err)
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "signaling").Logger(),
		listener: listener,
		conns:    make(map[*socket]struct{}),
		devices:  make(map[string]*socket),
		closed:   make(chan struct{}),
	}

	s.log.Info().Str("addr", listener.Addr().String()).Msg("signaling listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// OnMessage subscribes to decoded inbound messages.
func (s *Server) OnMessage(fn func(Inbound)) (unsubscribe func()) {
	return s.messages.Subscribe(fn)
}

// OnClientDisconnected subscribes to socket closures.
func (s *Server) OnClientDisconnected(fn func(Disconnect)) (unsubscribe func()) {
	return s.disconnects.Subscribe(fn)
}

// OnError subscribes to transient accept and dial errors.
func (s *Server) OnError(fn func(error)) (unsubscribe func()) {
	return s.errorsFeed.Subscribe(fn)
}

// ListenerCount returns the number of subscribed listeners across all feeds.
func (s *Server) ListenerCount() int {
	return s.messages.Len() + s.disconnects.Len() + s.errorsFeed.Len()
}

// Connected reports whether a socket is registered for deviceID.
func (s *Server) Connected(deviceID string) bool {
	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok
}

// ConnectTo dials a remote signaling endpoint and registers the socket under
// deviceID. An existing registration is reused.
func (s *Server) ConnectTo(ctx context.Context, host string, port int, deviceID string) error {
	if s.isClosed() {
		return ErrServerClosed
	}
	if s.Connected(deviceID) {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	address := net.JoinHostPort(host, strconv.Itoa(port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial signaling %s: %w", address, err)
	}

	sock := s.track(conn)
	if sock == nil {
		return ErrServerClosed
	}
	s.register(sock, deviceID)
	s.log.Debug().Str("device_id", deviceID).Str("addr", address).Msg("signaling connected")
	return nil
}

// Send writes msg on the socket registered for deviceID.
func (s *Server) Send(deviceID string, msg protocol.SignalingMessage) error {
	s.devicesMu.RLock()
	sock, ok := s.devices[deviceID]
	s.devicesMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return sock.write(msg)
}

// Close stops accepting, closes every socket and waits for their readers.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		socks := make([]*socket, 0, len(s.conns))
		for sock := range s.conns {
			socks = append(socks, sock)
		}
		s.connsMu.Unlock()

		for _, sock := range socks {
			_ = sock.conn.Close()
		}
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.reportError(fmt.Errorf("accept signaling connection (retrying in %v): %w", delay, err))

			timer := time.NewTimer(delay)
			select {
			case <-s.closed:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		delay = 0
		s.track(conn)
	}
}

// track starts reading conn. It returns nil when the server is closing.
func (s *Server) track(conn net.Conn) *socket {
	sock := &socket{
		conn:         conn,
		limiter:      perf.NewRateLimiter(s.cfg.RatePerSecond, s.cfg.RateBurst),
		writeTimeout: s.cfg.WriteTimeout,
	}

	s.connsMu.Lock()
	if s.isClosed() {
		s.connsMu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conns[sock] = struct{}{}
	s.wg.Add(1)
	s.connsMu.Unlock()

	go s.readLoop(sock)
	return sock
}

func (s *Server) register(sock *socket, deviceID string) {
	sock.mu.Lock()
	sock.deviceID = deviceID
	sock.mu.Unlock()

	s.devicesMu.Lock()
	s.devices[deviceID] = sock
	s.devicesMu.Unlock()
}

func (s *Server) readLoop(sock *socket) {
	defer s.wg.Done()
	defer s.release(sock)

	reader := bufio.NewReaderSize(sock.conn, 64*1024)

	for {
		line, oversized, err := readLine(reader, s.cfg.MaxLineSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.log.Debug().Err(err).Msg("signaling socket read ended")
			}
			return
		}
		if oversized {
			metrics.SignalingMessage("oversized")
			s.log.Warn().Str("remote", sock.conn.RemoteAddr().String()).Int("limit", s.cfg.MaxLineSize).Msg("dropping oversized signaling message")
			continue
		}
		if len(line) == 0 {
			continue
		}

		if !sock.limiter.Allow() {
			metrics.SignalingMessage("rate_limited")
			s.log.Warn().Str("remote", sock.conn.RemoteAddr().String()).Msg("signaling rate limit exceeded, dropping message")
			continue
		}

		msg, err := protocol.DecodeSignalingLine(line)
		if err != nil {
			metrics.SignalingMessage("malformed")
			s.log.Warn().Err(err).Str("remote", sock.conn.RemoteAddr().String()).Msg("dropping malformed signaling message")
			continue
		}
		metrics.SignalingMessage("ok")

		if sock.registeredID() == "" {
			s.register(sock, msg.From)
		}

		s.messages.Dispatch(Inbound{Message: msg, Respond: sock.write})
	}
}

// readLine returns the next newline-terminated line without its terminator.
// A line longer than limit is consumed up to its newline and reported as
// oversized with no content. A final unterminated line is returned at EOF.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit+1 {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, true, nil
			}
			return bytes.TrimRight(line, "\r\n"), false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && !oversized && len(line) > 0:
			return bytes.TrimRight(line, "\r\n"), false, nil
		default:
			return nil, false, err
		}
	}
}

func (s *Server) release(sock *socket) {
	_ = sock.conn.Close()

	s.connsMu.Lock()
	delete(s.conns, sock)
	s.connsMu.Unlock()

	deviceID := sock.registeredID()
	if deviceID != "" {
		s.devicesMu.Lock()
		if s.devices[deviceID] == sock {
			delete(s.devices, deviceID)
		}
		s.devicesMu.Unlock()
	}

	s.log.Debug().Str("device_id", deviceID).Msg("signaling client disconnected")
	s.disconnects.Dispatch(Disconnect{DeviceID: deviceID})
}

func (s *Server) reportError(err error) {
	s.log.Warn().Err(err).Msg("signaling error")
	s.errorsFeed.Dispatch(err)
}

type socket struct {
	conn         net.Conn
	limiter      *perf.RateLimiter
	writeTimeout time.Duration

	mu       sync.Mutex
	deviceID string

	writeMu sync.Mutex
}

func (s *socket) registeredID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *socket) write(msg protocol.SignalingMessage) error {
	line, err := protocol.EncodeSignalingLine(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set signaling write deadline: %w", err)
	}
	if _, err := s.conn.Write(line); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}
