package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hearthsync/config"
	"hearthsync/crypto"
	"hearthsync/discovery"
	"hearthsync/models"
	"hearthsync/storage"
)

// ensureFamily creates the family id, name and sync key the first time an
// admin device starts.
func ensureFamily(cfg *config.DeviceConfig, cfgPath string) error {
	changed := false
	if cfg.FamilyID == "" {
		cfg.FamilyID = uuid.NewString()
		changed = true
	}
	if cfg.FamilyName == "" {
		cfg.FamilyName = cfg.DeviceName + " Household"
		changed = true
	}
	if changed {
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
	}
	if len(cfg.SyncKey) > 0 {
		return nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate sync key: %w", err)
	}
	return config.SaveSyncKey(cfg, []byte(hex.EncodeToString(raw)))
}

// startFamilyAdmin serves join requests and advertises the family.
func startFamilyAdmin(logger zerolog.Logger, cfg *config.DeviceConfig, store *storage.Store, autoApprove bool) (func(), error) {
	tokens, err := crypto.NewTokenIssuer(cfg.SyncKey, crypto.DefaultSyncTokenTTL)
	if err != nil {
		return nil, err
	}
	server, err := discovery.StartJoinServer(discovery.JoinServerConfig{
		FamilyID:   cfg.FamilyID,
		FamilyName: cfg.FamilyName,
		Tokens:     tokens,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	server.OnJoinRequest(func(req models.JoinRequest) {
		logger.Info().Str("request_id", req.ID).Str("device", req.DeviceName).Msg("join request received")
		if !autoApprove {
			return
		}
		if _, err := server.Approve(req.ID, config.RoleMember); err != nil {
			logger.Error().Err(err).Str("request_id", req.ID).Msg("approve join request")
		}
	})

	server.OnMemberJoined(func(m discovery.MemberJoined) {
		logger.Info().Str("device_id", m.DeviceID).Str("role", m.Role).Msg("device joined family")
	})

	advertiser, err := discovery.StartFamilyAdvertiser(discovery.FamilyConfig{
		FamilyID:        cfg.FamilyID,
		FamilyName:      cfg.FamilyName,
		AdminDeviceID:   cfg.DeviceID,
		AdminDeviceName: cfg.DeviceName,
		AppVersion:      cfg.AppVersion,
		JoinPort:        server.Port(),
		Logger:          logger,
	})
	if err != nil {
		closeJoinServer(server)
		return nil, err
	}
	fmt.Printf("Join Server:     port %d\n", server.Port())

	return func() {
		advertiser.Stop()
		closeJoinServer(server)
	}, nil
}

func closeJoinServer(server *discovery.JoinServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = server.Close(ctx)
}

// joinFamily waits for the first advertised family, requests to join it and
// persists the result on approval.
func joinFamily(ctx context.Context, logger zerolog.Logger, cfg *config.DeviceConfig, cfgPath string, tuning config.Tuning) error {
	browser, err := discovery.NewFamilyBrowser(discovery.FamilyConfig{Logger: logger})
	if err != nil {
		return err
	}
	found := make(chan models.DiscoveredFamily, 1)
	browser.OnFamilyDiscovered(func(f models.DiscoveredFamily) {
		select {
		case found <- f:
		default:
		}
	})
	browser.Start()
	defer browser.Stop()

	fmt.Println("Join:            searching for a family")
	var family models.DiscoveredFamily
	select {
	case family = <-found:
	case <-ctx.Done():
		return nil
	}
	fmt.Printf("Join:            requesting to join %q (admin %s)\n", family.Name, family.AdminDeviceName)

	client, err := discovery.NewJoinClient(discovery.JoinClientConfig{
		DeviceID:     cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		PollInterval: tuning.JoinPollInterval,
		MaxAttempts:  tuning.JoinPollAttempts,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	approval, err := client.RequestJoin(ctx, family)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	cfg.FamilyID = approval.FamilyID
	cfg.FamilyName = approval.FamilyName
	cfg.Role = approval.Role
	if cfg.Role == "" {
		cfg.Role = config.RoleMember
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	logger.Info().Str("family_id", cfg.FamilyID).Str("role", cfg.Role).Msg("joined family")
	if len(cfg.SyncKey) == 0 {
		logger.Warn().Str("key_file", cfg.SyncKeyPath).Msg("joined without a sync key: copy the family key from the admin device")
	}
	return nil
}
