package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"hearthsync/crypto"
	"hearthsync/events"
	"hearthsync/metrics"
	"hearthsync/models"
)

// PeerScanner keeps the set of same-family peers currently visible on the LAN.
type PeerScanner struct {
	cfg        Config
	familyHash string
	log        zerolog.Logger

	browser *browser[models.DiscoveredPeer]

	discovered events.Feed[models.DiscoveredPeer]
	lost       events.Feed[string]
	errs       events.Feed[error]
}

// NewPeerScanner creates a scanner with discovery settings.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	if cfg.browseFn == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		cfg.browseFn = resolver.Browse
	}

	s := &PeerScanner{
		cfg:        cfg,
		familyHash: crypto.FamilyHash(cfg.FamilyID),
		log:        cfg.Logger.With().Str("component", "peer-scanner").Logger(),
	}
	s.browser = &browser[models.DiscoveredPeer]{
		service:         cfg.Service,
		domain:          cfg.Domain,
		refreshInterval: cfg.RefreshInterval,
		scanTimeout:     cfg.ScanTimeout,
		staleAfter:      cfg.PeerStaleAfter,
		log:             s.log,
		browse:          cfg.browseFn,
		parse:           s.entryToPeer,
		replaced: func(prev, next models.DiscoveredPeer) bool {
			return !prev.SameEndpoint(next)
		},
		onUp: func(peer models.DiscoveredPeer) {
			metrics.PeerDiscovered()
			s.log.Info().Str("device_id", peer.DeviceID).Str("host", peer.Host).Int("port", peer.Port).Msg("peer discovered")
			s.discovered.Dispatch(peer)
		},
		onDown: func(deviceID string, _ models.DiscoveredPeer) {
			s.log.Info().Str("device_id", deviceID).Msg("peer lost")
			s.lost.Dispatch(deviceID)
		},
		onError: func(err error) {
			s.errs.Dispatch(err)
		},
	}
	s.browser.init()
	return s, nil
}

// Start begins periodic scanning.
func (s *PeerScanner) Start() error {
	s.browser.start()
	return nil
}

// Stop halts scanning and waits for the background loop to exit.
func (s *PeerScanner) Stop() {
	s.browser.stop()
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	return s.browser.refresh(ctx)
}

// ListPeers returns the currently known peers ordered by device ID.
func (s *PeerScanner) ListPeers() []models.DiscoveredPeer {
	peers := s.browser.snapshot()
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers
}

// OnPeerDiscovered subscribes to new peers and endpoint replacements.
func (s *PeerScanner) OnPeerDiscovered(fn func(models.DiscoveredPeer)) func() {
	return s.discovered.Subscribe(fn)
}

// OnPeerLost subscribes to peers that dropped out of scans.
func (s *PeerScanner) OnPeerLost(fn func(deviceID string)) func() {
	return s.lost.Subscribe(fn)
}

// OnError subscribes to browse failures.
func (s *PeerScanner) OnError(fn func(error)) func() {
	return s.errs.Subscribe(fn)
}

// ListenerCount returns the number of live subscriptions.
func (s *PeerScanner) ListenerCount() int {
	return s.discovered.Len() + s.lost.Len() + s.errs.Len()
}

func (s *PeerScanner) entryToPeer(entry *zeroconf.ServiceEntry) (string, models.DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == s.cfg.DeviceID {
		return "", models.DiscoveredPeer{}, false
	}
	if txt[txtFamilyHash] != s.familyHash {
		return "", models.DiscoveredPeer{}, false
	}
	if version := txt[txtProtocolVersion]; version != s.cfg.ProtocolVersion {
		s.log.Debug().Str("device_id", deviceID).Str("protocol_version", version).Msg("ignoring peer with incompatible protocol version")
		return "", models.DiscoveredPeer{}, false
	}

	host := entryHost(entry)
	if host == "" || entry.Port <= 0 {
		return "", models.DiscoveredPeer{}, false
	}

	name := txt[txtDeviceName]
	if name == "" {
		name = entry.Instance
	}

	return deviceID, models.DiscoveredPeer{
		DeviceID:        deviceID,
		DeviceName:      name,
		FamilyIDHash:    s.familyHash,
		Host:            host,
		Port:            entry.Port,
		ProtocolVersion: txt[txtProtocolVersion],
		AppVersion:      txt[txtAppVersion],
		DiscoveredAt:    time.Now(),
	}, true
}
