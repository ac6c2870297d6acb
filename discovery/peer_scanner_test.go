package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"hearthsync/crypto"
	"hearthsync/models"
)

const testFamilyID = "family-test-1"

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		DeviceID:        "self-device",
		FamilyID:        testFamilyID,
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 2
	})
}

func TestPeerScannerDropsOtherFamiliesAndProtocolVersions(t *testing.T) {
	cfg := Config{
		DeviceID:        "self-device",
		FamilyID:        testFamilyID,
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			foreign := testServiceEntry("peer-foreign", "Mallory", 9996, "10.0.0.4")
			foreign.Text = withTXT(foreign.Text, txtFamilyHash, crypto.FamilyHash("other-family"))
			entries <- foreign

			future := testServiceEntry("peer-future", "Trent", 9995, "10.0.0.5")
			future.Text = withTXT(future.Text, txtProtocolVersion, "2")
			entries <- future

			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	peers := scanner.ListPeers()
	if len(peers) != 1 || peers[0].DeviceID != "peer-1" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
	if peers[0].FamilyIDHash != crypto.FamilyHash(testFamilyID) {
		t.Fatalf("unexpected family hash %q", peers[0].FamilyIDHash)
	}
	if peers[0].Host != "10.0.0.2" || peers[0].Port != 9998 || peers[0].DeviceName != "Bob" {
		t.Fatalf("unexpected peer record: %+v", peers[0])
	}
}

func TestPeerScannerDiscoveredThenLost(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		DeviceID:        "self-device",
		FamilyID:        testFamilyID,
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		PeerStaleAfter:  80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) <= 2 {
				entries <- testServiceEntry("peer-device-456", "Kitchen Tablet", 9998, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}

	var (
		mu         sync.Mutex
		discovered []models.DiscoveredPeer
		lost       []string
	)
	scanner.OnPeerDiscovered(func(peer models.DiscoveredPeer) {
		mu.Lock()
		discovered = append(discovered, peer)
		mu.Unlock()
	})
	scanner.OnPeerLost(func(deviceID string) {
		mu.Lock()
		lost = append(lost, deviceID)
		mu.Unlock()
	})

	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(discovered) != 1 || discovered[0].DeviceID != "peer-device-456" {
		t.Fatalf("expected exactly one discovery of peer-device-456, got %+v", discovered)
	}
	if lost[0] != "peer-device-456" {
		t.Fatalf("unexpected lost peer %q", lost[0])
	}
	if len(scanner.ListPeers()) != 0 {
		t.Fatalf("expected no peers after loss")
	}
}

func TestPeerScannerReplacesPeerOnEndpointChange(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		DeviceID:        "self-device",
		FamilyID:        testFamilyID,
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			switch atomic.AddInt32(&browseCalls, 1) {
			case 1, 2:
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			default:
				entries <- testServiceEntry("peer-1", "Bob", 9001, "10.0.0.9")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	var discovered int32
	scanner.OnPeerDiscovered(func(models.DiscoveredPeer) { atomic.AddInt32(&discovered, 1) })
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	// Initial scan, then an unchanged scan, then a moved peer.
	for i := 0; i < 2; i++ {
		if err := scanner.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
	}

	if got := atomic.LoadInt32(&discovered); got != 2 {
		t.Fatalf("expected 2 discovery events (initial and replacement), got %d", got)
	}
	peers := scanner.ListPeers()
	if len(peers) != 1 || peers[0].Host != "10.0.0.9" || peers[0].Port != 9001 {
		t.Fatalf("expected replaced endpoint, got %+v", peers)
	}
}

func TestPeerScannerBrowseErrorKeepsRunning(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		DeviceID:        "self-device",
		FamilyID:        testFamilyID,
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				return errors.New("multicast unavailable")
			}
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	var errorsSeen int32
	scanner.OnError(func(error) { atomic.AddInt32(&errorsSeen, 1) })
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt32(&errorsSeen) == 1 })

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if peers := scanner.ListPeers(); len(peers) != 1 {
		t.Fatalf("expected scanner to recover after browse error, got %+v", peers)
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		DeviceID:        "self-device",
		FamilyID:        testFamilyID,
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			txtFamilyHash + "=" + crypto.FamilyHash(testFamilyID),
			txtDeviceID + "=" + deviceID,
			txtDeviceName + "=" + instance,
			txtProtocolVersion + "=1",
			txtAppVersion + "=0.1.0",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func withTXT(text []string, key, value string) []string {
	out := make([]string, 0, len(text))
	for _, entry := range text {
		if len(entry) > len(key) && entry[:len(key)+1] == key+"=" {
			continue
		}
		out = append(out, entry)
	}
	return append(out, key+"="+value)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
