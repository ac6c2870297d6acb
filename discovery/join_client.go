package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hearthsync/events"
	"hearthsync/models"
)

const (
	// DefaultJoinPollInterval is the wait between join status polls.
	DefaultJoinPollInterval = 5 * time.Second
	// DefaultJoinPollAttempts bounds how long a requester waits for a decision.
	DefaultJoinPollAttempts = 60
)

// Rejection reasons reported by JoinClient.
const (
	RejectReasonRejected = "rejected"
	RejectReasonNotFound = "not_found"
	RejectReasonTimeout  = "timeout"
	RejectReasonFailed   = "request_failed"
	RejectReasonCanceled = "canceled"
	// RejectReasonTokenRefused means the admin refused to redeem the sync
	// token delivered with the approval.
	RejectReasonTokenRefused = "token_refused"
)

var (
	// ErrJoinRejected indicates the join did not produce an approval.
	ErrJoinRejected = errors.New("discovery: join request rejected")
)

// JoinRejected is emitted when a join attempt ends without approval.
type JoinRejected struct {
	FamilyID  string
	RequestID string
	Reason    string
}

// JoinClientConfig controls the requester side of the join workflow.
type JoinClientConfig struct {
	DeviceID     string
	DeviceName   string
	PollInterval time.Duration
	MaxAttempts  int
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

func (c JoinClientConfig) withDefaults() JoinClientConfig {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultJoinPollInterval
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultJoinPollAttempts
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return out
}

// JoinClient asks a family admin to let this device join and waits for the answer.
type JoinClient struct {
	cfg JoinClientConfig
	log zerolog.Logger

	approved events.Feed[models.JoinApproval]
	rejected events.Feed[JoinRejected]
}

// NewJoinClient creates a join client.
func NewJoinClient(config JoinClientConfig) (*JoinClient, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("device ID is required")
	}
	return &JoinClient{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "join-client").Logger(),
	}, nil
}

// OnApproved subscribes to approvals.
func (c *JoinClient) OnApproved(fn func(models.JoinApproval)) func() {
	return c.approved.Subscribe(fn)
}

// OnRejected subscribes to rejections, not-found results, timeouts and failures.
func (c *JoinClient) OnRejected(fn func(JoinRejected)) func() {
	return c.rejected.Subscribe(fn)
}

// ListenerCount returns the number of live subscriptions.
func (c *JoinClient) ListenerCount() int {
	return c.approved.Len() + c.rejected.Len()
}

// RequestJoin submits a join request to the family admin and polls until a
// decision arrives. Exactly one of the approved or rejected events fires per call.
func (c *JoinClient) RequestJoin(ctx context.Context, family models.DiscoveredFamily) (models.JoinApproval, error) {
	base := "http://" + net.JoinHostPort(family.Host, strconv.Itoa(family.Port))

	requestID, err := c.submit(ctx, base)
	if err != nil {
		c.reject(family.ID, "", RejectReasonFailed)
		return models.JoinApproval{}, err
	}
	c.log.Info().Str("family", family.Name).Str("request_id", requestID).Msg("join request submitted")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.reject(family.ID, requestID, RejectReasonCanceled)
			return models.JoinApproval{}, ctx.Err()
		case <-ticker.C:
		}

		status, err := c.poll(ctx, base)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("join status poll failed")
			continue
		}

		switch status.Status {
		case models.JoinStatusApproved:
			approval := models.JoinApproval{RequestID: requestID, Approved: true}
			if status.Approval != nil {
				approval = *status.Approval
			}
			if approval.SyncToken != "" {
				if err := c.confirm(ctx, base, approval.SyncToken); err != nil {
					c.log.Warn().Err(err).Str("request_id", requestID).Msg("join confirmation failed")
					c.reject(family.ID, requestID, RejectReasonTokenRefused)
					return models.JoinApproval{}, fmt.Errorf("%w: %s: %w", ErrJoinRejected, RejectReasonTokenRefused, err)
				}
			}
			c.approved.Dispatch(approval)
			return approval, nil
		case models.JoinStatusRejected:
			c.reject(family.ID, requestID, RejectReasonRejected)
			return models.JoinApproval{}, fmt.Errorf("%w: %s", ErrJoinRejected, RejectReasonRejected)
		case models.JoinStatusNotFound:
			c.reject(family.ID, requestID, RejectReasonNotFound)
			return models.JoinApproval{}, fmt.Errorf("%w: %s", ErrJoinRejected, RejectReasonNotFound)
		}
	}

	c.reject(family.ID, requestID, RejectReasonTimeout)
	return models.JoinApproval{}, fmt.Errorf("%w: %s", ErrJoinRejected, RejectReasonTimeout)
}

func (c *JoinClient) reject(familyID, requestID, reason string) {
	c.log.Info().Str("family_id", familyID).Str("request_id", requestID).Str("reason", reason).Msg("join request not approved")
	c.rejected.Dispatch(JoinRejected{FamilyID: familyID, RequestID: requestID, Reason: reason})
}

func (c *JoinClient) submit(ctx context.Context, base string) (string, error) {
	body, err := json.Marshal(joinRequestBody{DeviceID: c.cfg.DeviceID, DeviceName: c.cfg.DeviceName})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/join-request", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send join request: %w", err)
	}
	defer resp.Body.Close()

	var out joinRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode join response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success || out.RequestID == "" {
		return "", fmt.Errorf("join request refused: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.RequestID, nil
}

func (c *JoinClient) poll(ctx context.Context, base string) (joinStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/join-status/"+c.cfg.DeviceID, nil)
	if err != nil {
		return joinStatusResponse{}, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return joinStatusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return joinStatusResponse{}, fmt.Errorf("join status: unexpected status %d", resp.StatusCode)
	}
	var out joinStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return joinStatusResponse{}, fmt.Errorf("decode join status: %w", err)
	}
	return out, nil
}

// confirm redeems the approval's sync token with the admin.
func (c *JoinClient) confirm(ctx context.Context, base, token string) error {
	body, err := json.Marshal(joinConfirmBody{DeviceID: c.cfg.DeviceID, SyncToken: token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/join-confirm", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send join confirmation: %w", err)
	}
	defer resp.Body.Close()

	var out joinConfirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode join confirmation: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return fmt.Errorf("join confirmation refused: status %d: %s", resp.StatusCode, out.Error)
	}
	return nil
}
