package network

import (
	"context"
	"sync"

	"hearthsync/protocol"
	"hearthsync/transport"
)

// pipeSignaler delivers signals to the target manager in order on its own goroutine.
type pipeSignaler struct {
	mu      sync.Mutex
	targets map[string]*PeerManager
	queue   chan delivery
	sent    []protocol.SignalingMessage
}

type delivery struct {
	target *PeerManager
	msg    protocol.SignalingMessage
}

func newPipeSignaler() *pipeSignaler {
	p := &pipeSignaler{targets: make(map[string]*PeerManager), queue: make(chan delivery, 256)}
	go func() {
		for d := range p.queue {
			_ = d.target.HandleSignal(context.Background(), d.msg)
		}
	}()
	return p
}

func (p *pipeSignaler) attach(id string, m *PeerManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets[id] = m
}

func (p *pipeSignaler) Send(deviceID string, msg protocol.SignalingMessage) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	target := p.targets[deviceID]
	p.mu.Unlock()
	if target != nil {
		p.queue <- delivery{target: target, msg: msg}
	}
	return nil
}

func (p *pipeSignaler) sentTypes() []protocol.SignalType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.SignalType, 0, len(p.sent))
	for _, msg := range p.sent {
		out = append(out, msg.Type)
	}
	return out
}

// fakeTransport hands out fakePeers whose channel the test opens by hand.
type fakeTransport struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeTransport) NewPeer(transport.PeerConfig) (transport.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeTransport) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakePeer struct {
	mu          sync.Mutex
	channel     *fakeChannel
	onCandidate func(transport.Candidate)
	onState     func(transport.PeerState)
	onData      func(transport.DataChannel)
	remote      []transport.SessionDescription
	candidates  []transport.Candidate
	closed      bool
}

func (p *fakePeer) CreateDataChannel(label string) (transport.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel = &fakeChannel{label: label}
	return p.channel, nil
}

// CreateOffer emits a candidate before returning, as real transports may.
func (p *fakePeer) CreateOffer(context.Context) (transport.SessionDescription, error) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(transport.Candidate{Candidate: "127.0.0.1:9"})
	}
	return transport.SessionDescription{Type: "offer", SDP: "{}"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (transport.SessionDescription, error) {
	return transport.SessionDescription{Type: "answer", SDP: "{}"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc transport.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddCandidate(c transport.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnCandidate(fn func(transport.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}
func (p *fakePeer) OnStateChange(fn func(transport.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}
func (p *fakePeer) OnDataChannel(fn func(transport.DataChannel)) {
	p.mu.Lock()
	p.onData = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	ch := p.channel
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) emitState(s transport.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// deliverChannel simulates an inbound data channel on the answering side.
func (p *fakePeer) deliverChannel() *fakeChannel {
	p.mu.Lock()
	p.channel = &fakeChannel{label: transport.DefaultChannelLabel, open: true}
	ch := p.channel
	fn := p.onData
	p.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
	return ch
}

type fakeChannel struct {
	mu        sync.Mutex
	label     string
	open      bool
	sent      [][]byte
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrChannelClosed
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *fakeChannel) OnMessage(fn func([]byte)) { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }
func (c *fakeChannel) OnClose(fn func())         { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	fn := c.onClose
	c.mu.Unlock()
	if wasOpen && fn != nil {
		fn()
	}
	return nil
}

func (c *fakeChannel) openNow() {
	c.mu.Lock()
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) receive(raw []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (c *fakeChannel) sentMessages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.sent))
	for _, raw := range c.sent {
		out = append(out, protocol.DecodeChannelMessage(raw))
	}
	return out
}
