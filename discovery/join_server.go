package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"hearthsync/crypto"
	"hearthsync/events"
	"hearthsync/models"
)

var (
	// ErrJoinRequestNotFound indicates an unknown request id.
	ErrJoinRequestNotFound = errors.New("discovery: join request not found")
	// ErrJoinRequestDecided indicates the request was already approved or rejected.
	ErrJoinRequestDecided = errors.New("discovery: join request already decided")
	// ErrTokenRedeemed indicates a sync token was presented a second time.
	ErrTokenRedeemed = errors.New("discovery: sync token already redeemed")
)

const maxJoinBodySize = 64 << 10

// JoinServerConfig controls the admin join endpoint.
type JoinServerConfig struct {
	ListenAddress string
	FamilyID      string
	FamilyName    string
	Tokens        *crypto.TokenIssuer
	Store         JoinStore
	Logger        zerolog.Logger
	Now           func() time.Time
}

func (c JoinServerConfig) withDefaults() JoinServerConfig {
	out := c
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.Store == nil {
		out.Store = NewMemoryJoinStore()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func (c JoinServerConfig) validate() error {
	if strings.TrimSpace(c.FamilyID) == "" {
		return errors.New("family ID is required")
	}
	if c.Tokens == nil {
		return errors.New("token issuer is required")
	}
	return nil
}

// MemberJoined is emitted when an approved device redeems its sync token.
type MemberJoined struct {
	DeviceID string
	Role     string
	At       time.Time
}

// JoinServer accepts join requests from new devices and serves decisions back.
type JoinServer struct {
	cfg    JoinServerConfig
	log    zerolog.Logger
	router *mux.Router

	// decideMu serializes create/approve/reject against the store.
	decideMu sync.Mutex

	received events.Feed[models.JoinRequest]
	joined   events.Feed[MemberJoined]

	listener  net.Listener
	server    *http.Server
	closeOnce sync.Once
}

// NewJoinServer builds a join server without binding a socket.
func NewJoinServer(config JoinServerConfig) (*JoinServer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &JoinServer{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "join-server").Logger(),
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/join-request", s.handleJoinRequest).Methods(http.MethodPost)
	s.router.HandleFunc("/join-status/{deviceId}", s.handleJoinStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/join-confirm", s.handleJoinConfirm).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s, nil
}

// StartJoinServer builds the join server and starts serving on cfg.ListenAddress.
func StartJoinServer(config JoinServerConfig) (*JoinServer, error) {
	s, err := NewJoinServer(config)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen join server: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("join server stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("join server listening")
	return s, nil
}

// Handler exposes the HTTP routes.
func (s *JoinServer) Handler() http.Handler {
	return s.router
}

// Port returns the bound TCP port, or 0 when not listening.
func (s *JoinServer) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// OnJoinRequest subscribes to newly received join requests awaiting a decision.
func (s *JoinServer) OnJoinRequest(fn func(models.JoinRequest)) func() {
	return s.received.Subscribe(fn)
}

// OnMemberJoined subscribes to devices that redeemed their sync token.
func (s *JoinServer) OnMemberJoined(fn func(MemberJoined)) func() {
	return s.joined.Subscribe(fn)
}

// ListenerCount returns the number of live subscriptions.
func (s *JoinServer) ListenerCount() int {
	return s.received.Len() + s.joined.Len()
}

// PendingRequests lists undecided requests, oldest first.
func (s *JoinServer) PendingRequests() ([]models.JoinRequest, error) {
	return s.cfg.Store.PendingJoinRequests()
}

// Approve accepts a pending request and issues its single-use sync token.
func (s *JoinServer) Approve(requestID, role string) (models.JoinApproval, error) {
	s.decideMu.Lock()
	defer s.decideMu.Unlock()

	req, err := s.pendingRequest(requestID)
	if err != nil {
		return models.JoinApproval{}, err
	}

	token, tokenID, err := s.cfg.Tokens.Issue(s.cfg.FamilyID, req.DeviceID, role)
	if err != nil {
		return models.JoinApproval{}, err
	}

	approval := models.JoinApproval{
		RequestID:  req.ID,
		Approved:   true,
		Role:       role,
		FamilyID:   s.cfg.FamilyID,
		FamilyName: s.cfg.FamilyName,
		SyncToken:  token,
	}
	req.Status = models.JoinStatusApproved
	req.AssignedRole = role
	req.Approval = &approval
	if err := s.cfg.Store.SaveJoinRequest(req); err != nil {
		return models.JoinApproval{}, fmt.Errorf("save join approval: %w", err)
	}

	s.log.Info().Str("request_id", req.ID).Str("device_id", req.DeviceID).Str("role", role).Str("token_id", tokenID).Msg("join request approved")
	return approval, nil
}

// Reject declines a pending request.
func (s *JoinServer) Reject(requestID string) error {
	s.decideMu.Lock()
	defer s.decideMu.Unlock()

	req, err := s.pendingRequest(requestID)
	if err != nil {
		return err
	}
	req.Status = models.JoinStatusRejected
	req.Approval = &models.JoinApproval{RequestID: req.ID, Approved: false}
	if err := s.cfg.Store.SaveJoinRequest(req); err != nil {
		return fmt.Errorf("save join rejection: %w", err)
	}

	s.log.Info().Str("request_id", req.ID).Str("device_id", req.DeviceID).Msg("join request rejected")
	return nil
}

// RedeemSyncToken validates a token issued by Approve and consumes it.
func (s *JoinServer) RedeemSyncToken(token string) (*crypto.SyncTokenClaims, error) {
	claims, err := s.cfg.Tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.FamilyID != s.cfg.FamilyID {
		return nil, crypto.ErrInvalidSyncToken
	}
	first, err := s.cfg.Store.RedeemToken(claims.ID, claims.DeviceID, s.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("redeem sync token: %w", err)
	}
	if !first {
		return nil, ErrTokenRedeemed
	}
	return claims, nil
}

// Close stops the HTTP server and drops subscriptions.
func (s *JoinServer) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.received.Clear()
		s.joined.Clear()
		if s.server != nil {
			err = s.server.Shutdown(ctx)
		}
	})
	return err
}

func (s *JoinServer) pendingRequest(requestID string) (models.JoinRequest, error) {
	req, ok, err := s.cfg.Store.GetJoinRequest(requestID)
	if err != nil {
		return models.JoinRequest{}, err
	}
	if !ok {
		return models.JoinRequest{}, ErrJoinRequestNotFound
	}
	if req.Status != models.JoinStatusPending {
		return models.JoinRequest{}, ErrJoinRequestDecided
	}
	return req, nil
}

type joinRequestBody struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type joinRequestResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type joinStatusResponse struct {
	Status   models.JoinStatus    `json:"status"`
	Approval *models.JoinApproval `json:"approval,omitempty"`
}

type joinConfirmBody struct {
	DeviceID  string `json:"deviceId"`
	SyncToken string `json:"syncToken"`
}

type joinConfirmResponse struct {
	Success    bool   `json:"success"`
	FamilyID   string `json:"familyId,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Role       string `json:"role,omitempty"`
	Error      string `json:"error,omitempty"`
}

type familyStatusResponse struct {
	Status     string `json:"status"`
	FamilyID   string `json:"familyId"`
	FamilyName string `json:"familyName"`
}

func (s *JoinServer) handleJoinRequest(w http.ResponseWriter, r *http.Request) {
	var body joinRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJoinBodySize)).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, joinRequestResponse{Error: "invalid request body"})
		return
	}
	body.DeviceID = strings.TrimSpace(body.DeviceID)
	if body.DeviceID == "" {
		respondJSON(w, http.StatusBadRequest, joinRequestResponse{Error: "deviceId is required"})
		return
	}

	req, created, err := s.createOrReuse(body)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", body.DeviceID).Msg("store join request")
		respondJSON(w, http.StatusInternalServerError, joinRequestResponse{Error: "internal error"})
		return
	}
	if created {
		s.log.Info().Str("request_id", req.ID).Str("device_id", req.DeviceID).Str("device_name", req.DeviceName).Msg("join request received")
		s.received.Dispatch(req)
	}
	respondJSON(w, http.StatusOK, joinRequestResponse{Success: true, RequestID: req.ID})
}

func (s *JoinServer) createOrReuse(body joinRequestBody) (models.JoinRequest, bool, error) {
	s.decideMu.Lock()
	defer s.decideMu.Unlock()

	existing, ok, err := s.cfg.Store.LatestJoinRequestForDevice(body.DeviceID)
	if err != nil {
		return models.JoinRequest{}, false, err
	}
	if ok && existing.Status == models.JoinStatusPending {
		return existing, false, nil
	}

	req := models.JoinRequest{
		ID:          uuid.NewString(),
		DeviceID:    body.DeviceID,
		DeviceName:  body.DeviceName,
		RequestedAt: s.cfg.Now(),
		Status:      models.JoinStatusPending,
	}
	if err := s.cfg.Store.SaveJoinRequest(req); err != nil {
		return models.JoinRequest{}, false, err
	}
	return req, true, nil
}

func (s *JoinServer) handleJoinStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	s.decideMu.Lock()
	req, ok, err := s.cfg.Store.LatestJoinRequestForDevice(deviceID)
	if err == nil && ok && req.Status != models.JoinStatusPending {
		// Decisions are delivered once.
		err = s.cfg.Store.DeleteJoinRequest(req.ID)
	}
	s.decideMu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("load join status")
		respondJSON(w, http.StatusInternalServerError, joinStatusResponse{Status: models.JoinStatusNotFound})
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, joinStatusResponse{Status: models.JoinStatusNotFound})
		return
	}
	respondJSON(w, http.StatusOK, joinStatusResponse{Status: req.Status, Approval: req.Approval})
}

// handleJoinConfirm redeems the token an approved device received. A token
// is accepted once and only from the device it was issued to.
func (s *JoinServer) handleJoinConfirm(w http.ResponseWriter, r *http.Request) {
	var body joinConfirmBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJoinBodySize)).Decode(&body); err != nil || body.SyncToken == "" {
		respondJSON(w, http.StatusBadRequest, joinConfirmResponse{Error: "invalid request body"})
		return
	}

	claims, err := s.cfg.Tokens.Parse(body.SyncToken)
	if err != nil || claims.FamilyID != s.cfg.FamilyID {
		respondJSON(w, http.StatusUnauthorized, joinConfirmResponse{Error: "invalid sync token"})
		return
	}
	if claims.DeviceID != strings.TrimSpace(body.DeviceID) {
		s.log.Warn().Str("device_id", body.DeviceID).Str("token_device_id", claims.DeviceID).Msg("sync token presented by another device")
		respondJSON(w, http.StatusForbidden, joinConfirmResponse{Error: "sync token issued to another device"})
		return
	}

	if _, err := s.RedeemSyncToken(body.SyncToken); err != nil {
		switch {
		case errors.Is(err, ErrTokenRedeemed):
			respondJSON(w, http.StatusConflict, joinConfirmResponse{Error: "sync token already redeemed"})
		case errors.Is(err, crypto.ErrInvalidSyncToken):
			respondJSON(w, http.StatusUnauthorized, joinConfirmResponse{Error: "invalid sync token"})
		default:
			s.log.Error().Err(err).Str("device_id", claims.DeviceID).Msg("redeem sync token")
			respondJSON(w, http.StatusInternalServerError, joinConfirmResponse{Error: "internal error"})
		}
		return
	}

	s.log.Info().Str("device_id", claims.DeviceID).Str("role", claims.Role).Msg("member joined")
	s.joined.Dispatch(MemberJoined{DeviceID: claims.DeviceID, Role: claims.Role, At: s.cfg.Now()})
	respondJSON(w, http.StatusOK, joinConfirmResponse{
		Success:    true,
		FamilyID:   s.cfg.FamilyID,
		FamilyName: s.cfg.FamilyName,
		Role:       claims.Role,
	})
}

func (s *JoinServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, familyStatusResponse{
		Status:     "ok",
		FamilyID:   s.cfg.FamilyID,
		FamilyName: s.cfg.FamilyName,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
