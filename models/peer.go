package models

import "time"

// DiscoveredPeer is a same-family device seen on the local network.
type DiscoveredPeer struct {
	DeviceID        string    `json:"device_id"`
	DeviceName      string    `json:"device_name"`
	FamilyIDHash    string    `json:"family_id_hash"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	ProtocolVersion string    `json:"protocol_version"`
	AppVersion      string    `json:"app_version"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// SameEndpoint reports whether two records point at the same signaling address.
func (p DiscoveredPeer) SameEndpoint(other DiscoveredPeer) bool {
	return p.Host == other.Host && p.Port == other.Port
}

// DiscoveredFamily is a family that advertises itself as joinable.
type DiscoveredFamily struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	AdminDeviceName string    `json:"admin_device_name"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}
