package discovery

import (
	"sort"
	"sync"
	"time"

	"hearthsync/models"
)

// JoinStore persists join requests and redeemed sync tokens for an admin.
// storage.Store satisfies it with SQLite; NewMemoryJoinStore is the default.
type JoinStore interface {
	SaveJoinRequest(req models.JoinRequest) error
	GetJoinRequest(requestID string) (models.JoinRequest, bool, error)
	// LatestJoinRequestForDevice returns the most recent request of a device.
	LatestJoinRequestForDevice(deviceID string) (models.JoinRequest, bool, error)
	PendingJoinRequests() ([]models.JoinRequest, error)
	DeleteJoinRequest(requestID string) error
	// RedeemToken records a token id and reports false if it was already redeemed.
	RedeemToken(tokenID, deviceID string, at time.Time) (bool, error)
}

type memoryJoinStore struct {
	mu       sync.Mutex
	requests map[string]models.JoinRequest
	redeemed map[string]struct{}
}

// NewMemoryJoinStore returns a process-local JoinStore.
func NewMemoryJoinStore() JoinStore {
	return &memoryJoinStore{
		requests: make(map[string]models.JoinRequest),
		redeemed: make(map[string]struct{}),
	}
}

func (s *memoryJoinStore) SaveJoinRequest(req models.JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = cloneJoinRequest(req)
	return nil
}

func (s *memoryJoinStore) GetJoinRequest(requestID string) (models.JoinRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	return cloneJoinRequest(req), ok, nil
}

func (s *memoryJoinStore) LatestJoinRequestForDevice(deviceID string) (models.JoinRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest models.JoinRequest
		found  bool
	)
	for _, req := range s.requests {
		if req.DeviceID != deviceID {
			continue
		}
		if !found || req.RequestedAt.After(latest.RequestedAt) {
			latest = req
			found = true
		}
	}
	return cloneJoinRequest(latest), found, nil
}

func (s *memoryJoinStore) PendingJoinRequests() ([]models.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JoinRequest, 0)
	for _, req := range s.requests {
		if req.Status == models.JoinStatusPending {
			out = append(out, cloneJoinRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *memoryJoinStore) DeleteJoinRequest(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, requestID)
	return nil
}

func (s *memoryJoinStore) RedeemToken(tokenID, _ string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.redeemed[tokenID]; used {
		return false, nil
	}
	s.redeemed[tokenID] = struct{}{}
	return true, nil
}

func cloneJoinRequest(req models.JoinRequest) models.JoinRequest {
	if req.Approval != nil {
		approval := *req.Approval
		req.Approval = &approval
	}
	return req
}
