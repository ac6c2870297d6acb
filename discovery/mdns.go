// Package discovery finds same-family devices on the LAN over mDNS, advertises
// joinable families, and runs the HTTP join workflow between a new device and
// a family admin.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"hearthsync/crypto"
	"hearthsync/protocol"
)

const (
	// DefaultService is the mDNS service type for sync peers.
	DefaultService = "_hearthsync._tcp"
	// DefaultFamilyService is the mDNS service type for joinable families.
	DefaultFamilyService = "_hearthfamily._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultInstancePrefix starts every peer instance name.
	DefaultInstancePrefix = "hearthsync"
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

// TXT record keys of a peer advertisement.
const (
	txtFamilyHash      = "fid"
	txtDeviceID        = "did"
	txtDeviceName      = "dn"
	txtProtocolVersion = "pv"
	txtAppVersion      = "av"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls peer advertisement and scanning.
type Config struct {
	Service         string
	Domain          string
	InstancePrefix  string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter is how long a peer may be missing from scans before it is
	// reported lost. Defaults to two refresh intervals plus one scan.
	PeerStaleAfter time.Duration

	DeviceID        string
	DeviceName      string
	FamilyID        string
	ProtocolVersion string
	AppVersion      string
	SignalingPort   int

	Logger zerolog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.InstancePrefix == "" {
		out.InstancePrefix = DefaultInstancePrefix
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2*out.RefreshInterval + out.ScanTimeout
	}
	if out.ProtocolVersion == "" {
		out.ProtocolVersion = protocol.ProtocolVersion
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if err := c.validateForScan(); err != nil {
		return err
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.SignalingPort <= 0 {
		return errors.New("signaling port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(c.FamilyID) == "" {
		return errors.New("family ID is required")
	}
	return nil
}

// InstanceName returns the advertised instance name for a device.
func InstanceName(prefix, deviceID string) string {
	return prefix + "-" + crypto.ShortID(deviceID, 8)
}

// Broadcaster advertises the local signaling endpoint via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the peer advertisement.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtFamilyHash + "=" + crypto.FamilyHash(cfg.FamilyID),
		txtDeviceID + "=" + cfg.DeviceID,
		txtDeviceName + "=" + cfg.DeviceName,
		txtProtocolVersion + "=" + cfg.ProtocolVersion,
		txtAppVersion + "=" + cfg.AppVersion,
	}

	instance := InstanceName(cfg.InstancePrefix, cfg.DeviceID)
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.SignalingPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info().Str("component", "discovery").Str("instance", instance).Int("port", cfg.SignalingPort).Msg("advertising sync service")
	return &Broadcaster{server: server}, nil
}

// Stop stops broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates the peer broadcaster and scanner.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start advertises the local device and starts scanning with one config.
// Subscribe to the scanner through the onReady hook so no early event is missed.
func Start(config Config, onReady func(*PeerScanner)) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if onReady != nil {
		onReady(scanner)
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops the scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

// entryHost picks the address peers should dial: IPv4 first, then IPv6,
// then the advertised host name.
func entryHost(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			return ip.String()
		}
	}
	return strings.TrimSuffix(entry.HostName, ".")
}
