package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"hearthsync/events"
	"hearthsync/models"
)

// TXT record keys of a family advertisement.
const (
	txtFamilyID        = "familyId"
	txtFamilyName      = "familyName"
	txtAdminDeviceName = "adminDeviceName"
	txtAdminDeviceID   = "deviceId"
	txtFamilyVersion   = "version"
)

// FamilyConfig controls the admin-side family advertisement and the
// requester-side family browse.
type FamilyConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration

	FamilyID        string
	FamilyName      string
	AdminDeviceID   string
	AdminDeviceName string
	AppVersion      string
	// JoinPort is the port of the admin's join server.
	JoinPort int

	Logger zerolog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c FamilyConfig) withDefaults() FamilyConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultFamilyService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2*out.RefreshInterval + out.ScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c FamilyConfig) validateForAdvertise() error {
	if strings.TrimSpace(c.FamilyID) == "" {
		return errors.New("family ID is required")
	}
	if strings.TrimSpace(c.FamilyName) == "" {
		return errors.New("family name is required")
	}
	if strings.TrimSpace(c.AdminDeviceID) == "" {
		return errors.New("admin device ID is required")
	}
	if c.JoinPort <= 0 {
		return errors.New("join port must be > 0")
	}
	return nil
}

// FamilyAdvertiser announces a joinable family. Only admins run one.
type FamilyAdvertiser struct {
	server *zeroconf.Server
}

// StartFamilyAdvertiser registers the family record.
func StartFamilyAdvertiser(config FamilyConfig) (*FamilyAdvertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtFamilyID + "=" + cfg.FamilyID,
		txtFamilyName + "=" + cfg.FamilyName,
		txtAdminDeviceName + "=" + cfg.AdminDeviceName,
		txtAdminDeviceID + "=" + cfg.AdminDeviceID,
		txtFamilyVersion + "=" + cfg.AppVersion,
	}

	instance := cfg.FamilyName
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.JoinPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register family service: %w", err)
	}

	cfg.Logger.Info().Str("component", "family-advertiser").Str("family", cfg.FamilyName).Int("port", cfg.JoinPort).Msg("advertising family")
	return &FamilyAdvertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *FamilyAdvertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// FamilyBrowser tracks joinable families on the LAN.
type FamilyBrowser struct {
	log     zerolog.Logger
	browser *browser[models.DiscoveredFamily]

	discovered events.Feed[models.DiscoveredFamily]
	lost       events.Feed[string]
	errs       events.Feed[error]
}

// NewFamilyBrowser creates a family browser.
func NewFamilyBrowser(config FamilyConfig) (*FamilyBrowser, error) {
	cfg := config.withDefaults()
	if cfg.browseFn == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		cfg.browseFn = resolver.Browse
	}

	b := &FamilyBrowser{
		log: cfg.Logger.With().Str("component", "family-browser").Logger(),
	}
	b.browser = &browser[models.DiscoveredFamily]{
		service:         cfg.Service,
		domain:          cfg.Domain,
		refreshInterval: cfg.RefreshInterval,
		scanTimeout:     cfg.ScanTimeout,
		staleAfter:      cfg.StaleAfter,
		log:             b.log,
		browse:          cfg.browseFn,
		parse:           entryToFamily,
		replaced: func(prev, next models.DiscoveredFamily) bool {
			return prev.Host != next.Host || prev.Port != next.Port || prev.Name != next.Name
		},
		onUp: func(family models.DiscoveredFamily) {
			b.log.Info().Str("family_id", family.ID).Str("family", family.Name).Msg("family discovered")
			b.discovered.Dispatch(family)
		},
		onDown: func(familyID string, _ models.DiscoveredFamily) {
			b.log.Info().Str("family_id", familyID).Msg("family lost")
			b.lost.Dispatch(familyID)
		},
		onError: func(err error) {
			b.errs.Dispatch(err)
		},
	}
	b.browser.init()
	return b, nil
}

// Start begins periodic browsing.
func (b *FamilyBrowser) Start() {
	b.browser.start()
}

// Stop halts browsing.
func (b *FamilyBrowser) Stop() {
	b.browser.stop()
}

// Refresh triggers an immediate browse.
func (b *FamilyBrowser) Refresh(ctx context.Context) error {
	return b.browser.refresh(ctx)
}

// Families returns the known families ordered by name.
func (b *FamilyBrowser) Families() []models.DiscoveredFamily {
	out := b.browser.snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnFamilyDiscovered subscribes to new or moved families.
func (b *FamilyBrowser) OnFamilyDiscovered(fn func(models.DiscoveredFamily)) func() {
	return b.discovered.Subscribe(fn)
}

// OnFamilyLost subscribes to families that stopped advertising.
func (b *FamilyBrowser) OnFamilyLost(fn func(familyID string)) func() {
	return b.lost.Subscribe(fn)
}

// OnError subscribes to browse failures.
func (b *FamilyBrowser) OnError(fn func(error)) func() {
	return b.errs.Subscribe(fn)
}

func entryToFamily(entry *zeroconf.ServiceEntry) (string, models.DiscoveredFamily, bool) {
	txt := txtToMap(entry.Text)
	id := txt[txtFamilyID]
	if id == "" {
		return "", models.DiscoveredFamily{}, false
	}
	host := entryHost(entry)
	if host == "" || entry.Port <= 0 {
		return "", models.DiscoveredFamily{}, false
	}
	name := txt[txtFamilyName]
	if name == "" {
		name = entry.Instance
	}
	return id, models.DiscoveredFamily{
		ID:              id,
		Name:            name,
		AdminDeviceName: txt[txtAdminDeviceName],
		Host:            host,
		Port:            entry.Port,
		DiscoveredAt:    time.Now(),
	}, true
}
