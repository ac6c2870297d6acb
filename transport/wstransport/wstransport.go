// Package wstransport implements transport.Transport over websockets on the LAN.
//
// The offering side listens on an OS-assigned port and trickles one candidate
// per local address. The answering side dials candidates in arrival order and
// the first websocket that authenticates with the session token becomes the
// data channel.
package wstransport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hearthsync/protocol"
	"hearthsync/transport"
)

const (
	// DefaultConnectTimeout bounds the time from offer to an open channel.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultDialTimeout bounds one candidate dial.
	DefaultDialTimeout = 5 * time.Second

	channelPath = "/channel"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrChannelExists is returned when a second data channel is requested.
	ErrChannelExists = errors.New("wstransport: data channel already created")
	// ErrWrongRole is returned when an offer/answer call does not fit the peer's role.
	ErrWrongRole = errors.New("wstransport: operation does not match peer role")
	// ErrTokenMismatch is returned when an answer does not belong to our offer.
	ErrTokenMismatch = errors.New("wstransport: session token mismatch")
)

// Options configures the websocket transport.
type Options struct {
	// ListenHost is the interface the offering side binds to. Empty binds all.
	ListenHost string
	// CandidateHosts overrides the advertised hosts. Empty enumerates local
	// interface addresses, loopback last.
	CandidateHosts []string

	ConnectTimeout time.Duration
	DialTimeout    time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.MaxLineSize
	}
	return o
}

// Transport creates websocket-backed peers.
type Transport struct {
	opts Options
}

// New returns a websocket transport.
func New(opts Options) *Transport {
	return &Transport{opts: opts.withDefaults()}
}

// NewPeer implements transport.Transport.
func (t *Transport) NewPeer(cfg transport.PeerConfig) (transport.Peer, error) {
	return &peer{
		opts:       t.opts,
		log:        cfg.Logger.With().Str("component", "wstransport").Str("remote_id", cfg.RemoteDeviceID).Logger(),
		state:      transport.StateNew,
		candidates: make(chan string, 64),
		closed:     make(chan struct{}),
	}, nil
}

type role int

const (
	roleUnset role = iota
	roleOfferer
	roleAnswerer
)

type sessionPayload struct {
	Token string `json:"token"`
	Label string `json:"label,omitempty"`
}

type peer struct {
	opts Options
	log  zerolog.Logger

	mu                sync.Mutex
	state             transport.PeerState
	role              role
	token             string
	label             string
	channel           *channel
	remoteSet         bool
	pendingCandidates []string
	listener          net.Listener
	connectTimer      *time.Timer

	onCandidate   func(transport.Candidate)
	onState       func(transport.PeerState)
	onDataChannel func(transport.DataChannel)

	candidates chan string
	closeOnce  sync.Once
	closed     chan struct{}
}

func (p *peer) CreateDataChannel(label string) (transport.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		return nil, ErrChannelExists
	}
	if p.role == roleAnswerer {
		return nil, ErrWrongRole
	}
	if label == "" {
		label = transport.DefaultChannelLabel
	}
	p.role = roleOfferer
	p.label = label
	p.channel = newChannel(label, p.opts.MaxMessageSize, p.channelClosed)
	return p.channel, nil
}

func (p *peer) CreateOffer(ctx context.Context) (transport.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return transport.SessionDescription{}, err
	}

	p.mu.Lock()
	if p.role == roleAnswerer {
		p.mu.Unlock()
		return transport.SessionDescription{}, ErrWrongRole
	}
	if p.channel == nil {
		p.role = roleOfferer
		p.label = transport.DefaultChannelLabel
		p.channel = newChannel(p.label, p.opts.MaxMessageSize, p.channelClosed)
	}
	if p.listener != nil {
		p.mu.Unlock()
		return transport.SessionDescription{}, ErrWrongRole
	}
	p.mu.Unlock()

	listener, err := net.Listen("tcp", net.JoinHostPort(p.opts.ListenHost, "0"))
	if err != nil {
		return transport.SessionDescription{}, fmt.Errorf("listen for peer channel: %w", err)
	}

	p.mu.Lock()
	p.listener = listener
	p.token = uuid.NewString()
	sdp, _ := json.Marshal(sessionPayload{Token: p.token, Label: p.label})
	p.mu.Unlock()

	router := mux.NewRouter()
	router.HandleFunc(channelPath, p.serveChannel).Methods(http.MethodGet)
	server := &http.Server{Handler: router, ReadHeaderTimeout: p.opts.DialTimeout}
	go func() {
		_ = server.Serve(listener)
	}()

	p.setState(transport.StateConnecting)
	p.armConnectTimer()

	port := listener.Addr().(*net.TCPAddr).Port
	go p.trickleCandidates(port)

	return transport.SessionDescription{Type: "offer", SDP: string(sdp)}, nil
}

func (p *peer) CreateAnswer(ctx context.Context) (transport.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return transport.SessionDescription{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != roleAnswerer {
		return transport.SessionDescription{}, ErrWrongRole
	}
	if !p.remoteSet {
		return transport.SessionDescription{}, transport.ErrNoRemoteDescription
	}
	sdp, _ := json.Marshal(sessionPayload{Token: p.token})
	return transport.SessionDescription{Type: "answer", SDP: string(sdp)}, nil
}

func (p *peer) SetRemoteDescription(desc transport.SessionDescription) error {
	var payload sessionPayload
	if err := json.Unmarshal([]byte(desc.SDP), &payload); err != nil {
		return fmt.Errorf("decode %s description: %w", desc.Type, err)
	}
	if payload.Token == "" {
		return fmt.Errorf("decode %s description: missing token", desc.Type)
	}

	switch desc.Type {
	case "offer":
		p.mu.Lock()
		if p.role == roleOfferer || p.remoteSet {
			p.mu.Unlock()
			return ErrWrongRole
		}
		p.role = roleAnswerer
		p.remoteSet = true
		p.token = payload.Token
		p.label = payload.Label
		if p.label == "" {
			p.label = transport.DefaultChannelLabel
		}
		pending := p.pendingCandidates
		p.pendingCandidates = nil
		p.mu.Unlock()

		p.setState(transport.StateConnecting)
		p.armConnectTimer()
		go p.dialLoop()
		for _, c := range pending {
			p.queueCandidate(c)
		}
		return nil
	case "answer":
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.role != roleOfferer {
			return ErrWrongRole
		}
		if subtle.ConstantTimeCompare([]byte(payload.Token), []byte(p.token)) != 1 {
			return ErrTokenMismatch
		}
		p.remoteSet = true
		return nil
	default:
		return fmt.Errorf("unknown description type %q", desc.Type)
	}
}

func (p *peer) AddCandidate(c transport.Candidate) error {
	if _, _, err := net.SplitHostPort(c.Candidate); err != nil {
		return fmt.Errorf("parse candidate %q: %w", c.Candidate, err)
	}

	p.mu.Lock()
	switch p.role {
	case roleOfferer:
		// The offering side is dialed, never dials.
		p.mu.Unlock()
		return nil
	case roleUnset:
		p.pendingCandidates = append(p.pendingCandidates, c.Candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.queueCandidate(c.Candidate)
	return nil
}

func (p *peer) OnCandidate(fn func(transport.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *peer) OnStateChange(fn func(transport.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *peer) OnDataChannel(fn func(transport.DataChannel)) {
	p.mu.Lock()
	p.onDataChannel = fn
	p.mu.Unlock()
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)

		p.mu.Lock()
		if p.connectTimer != nil {
			p.connectTimer.Stop()
		}
		listener := p.listener
		ch := p.channel
		p.mu.Unlock()

		if listener != nil {
			_ = listener.Close()
		}
		if ch != nil {
			_ = ch.Close()
		}
		p.setState(transport.StateClosed)
	})
	return nil
}

func (p *peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *peer) setState(state transport.PeerState) {
	p.mu.Lock()
	if p.state == state || p.state == transport.StateClosed {
		p.mu.Unlock()
		return
	}
	if p.state.Terminal() && state != transport.StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = state
	fn := p.onState
	p.mu.Unlock()

	p.log.Debug().Str("state", string(state)).Msg("transport state changed")
	if fn != nil {
		fn(state)
	}
}

func (p *peer) armConnectTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectTimer != nil {
		return
	}
	p.connectTimer = time.AfterFunc(p.opts.ConnectTimeout, func() {
		p.mu.Lock()
		connected := p.state == transport.StateConnected
		p.mu.Unlock()
		if connected || p.isClosed() {
			return
		}
		p.log.Debug().Dur("timeout", p.opts.ConnectTimeout).Msg("peer channel not established in time")
		p.setState(transport.StateFailed)
	})
}

func (p *peer) trickleCandidates(port int) {
	hosts, err := p.candidateHosts()
	if err != nil {
		p.log.Warn().Err(err).Msg("enumerate candidate addresses")
	}

	portText := strconv.Itoa(port)
	for _, host := range hosts {
		if p.isClosed() {
			return
		}
		p.mu.Lock()
		fn := p.onCandidate
		label := p.label
		p.mu.Unlock()
		if fn != nil {
			fn(transport.Candidate{Candidate: net.JoinHostPort(host, portText), SDPMid: label})
		}
	}
}

func (p *peer) candidateHosts() ([]string, error) {
	if len(p.opts.CandidateHosts) > 0 {
		return append([]string(nil), p.opts.CandidateHosts...), nil
	}
	if ip := net.ParseIP(p.opts.ListenHost); ip != nil && !ip.IsUnspecified() {
		return []string{ip.String()}, nil
	}
	return localHosts()
}

// localHosts lists usable IPv4 interface addresses with loopback last.
func localHosts() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{"127.0.0.1"}, err
	}

	var hosts []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		hosts = append(hosts, ip.String())
	}
	return append(hosts, "127.0.0.1"), nil
}

func (p *peer) queueCandidate(candidate string) {
	select {
	case p.candidates <- candidate:
	case <-p.closed:
	default:
		p.log.Warn().Str("candidate", candidate).Msg("candidate queue full, dropping")
	}
}

func (p *peer) dialLoop() {
	for {
		select {
		case <-p.closed:
			return
		case candidate := <-p.candidates:
			p.mu.Lock()
			done := p.state == transport.StateConnected || p.state.Terminal()
			token := p.token
			p.mu.Unlock()
			if done {
				return
			}

			conn, err := p.dial(candidate, token)
			if err != nil {
				p.log.Debug().Err(err).Str("candidate", candidate).Msg("candidate dial failed")
				continue
			}
			p.attachAnswerer(conn)
			return
		}
	}
}

func (p *peer) dial(candidate, token string) (*websocket.Conn, error) {
	target := url.URL{
		Scheme:   "ws",
		Host:     candidate,
		Path:     channelPath,
		RawQuery: url.Values{"token": []string{token}}.Encode(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialer := websocket.Dialer{HandshakeTimeout: p.opts.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", candidate, err)
	}
	return conn, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are not browsers; the session token is the admission check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (p *peer) serveChannel(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	token := p.token
	taken := p.state == transport.StateConnected
	p.mu.Unlock()

	got := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		http.Error(w, "invalid session token", http.StatusForbidden)
		return
	}
	if taken || p.isClosed() {
		http.Error(w, "channel already established", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debug().Err(err).Msg("upgrade peer channel")
		return
	}
	p.attachOfferer(conn)
}

func (p *peer) attachOfferer(conn *websocket.Conn) {
	p.mu.Lock()
	if p.state == transport.StateConnected || p.isClosed() {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	ch := p.channel
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	p.setState(transport.StateConnected)
	ch.attach(conn)
	ch.start()
}

func (p *peer) attachAnswerer(conn *websocket.Conn) {
	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	ch := newChannel(p.label, p.opts.MaxMessageSize, p.channelClosed)
	p.channel = ch
	fn := p.onDataChannel
	p.mu.Unlock()

	ch.attach(conn)
	p.setState(transport.StateConnected)
	if fn != nil {
		fn(ch)
	}
	ch.start()
}

func (p *peer) channelClosed(remote bool) {
	if remote {
		p.setState(transport.StateDisconnected)
	}
}
