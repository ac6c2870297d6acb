package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const tuningFileName = "sync.toml"

// Tuning holds optional timing and back-pressure knobs read from sync.toml.
// Zero values mean "use the component default".
type Tuning struct {
	AuthTimeout       time.Duration `toml:"auth_timeout"`
	UpdateDebounce    time.Duration `toml:"update_debounce"`
	MaxPendingUpdates int           `toml:"max_pending_updates"`
	MaxPendingBytes   int           `toml:"max_pending_bytes"`
	AwarenessThrottle time.Duration `toml:"awareness_throttle"`
	StatusThrottle    time.Duration `toml:"status_throttle"`
	PeerCountDebounce time.Duration `toml:"peer_count_debounce"`
	DiscoveryRefresh  time.Duration `toml:"discovery_refresh"`
	ConnectAttempts   int           `toml:"connect_attempts"`
	JoinPollInterval  time.Duration `toml:"join_poll_interval"`
	JoinPollAttempts  int           `toml:"join_poll_attempts"`
	SignalingRate     float64       `toml:"signaling_rate"`
	SignalingBurst    int           `toml:"signaling_burst"`
}

// TuningPath returns the sync.toml path for a data directory.
func TuningPath(dataDir string) string {
	return filepath.Join(dataDir, tuningFileName)
}

// LoadTuning reads sync.toml. A missing file yields zero Tuning.
func LoadTuning(path string) (Tuning, error) {
	var tuning Tuning
	meta, err := toml.DecodeFile(path, &tuning)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tuning{}, nil
		}
		return Tuning{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Tuning{}, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	if err := tuning.validate(); err != nil {
		return Tuning{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return tuning, nil
}

func (t Tuning) validate() error {
	durations := map[string]time.Duration{
		"auth_timeout":        t.AuthTimeout,
		"update_debounce":     t.UpdateDebounce,
		"awareness_throttle":  t.AwarenessThrottle,
		"status_throttle":     t.StatusThrottle,
		"peer_count_debounce": t.PeerCountDebounce,
		"discovery_refresh":   t.DiscoveryRefresh,
		"join_poll_interval":  t.JoinPollInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if t.MaxPendingUpdates < 0 || t.MaxPendingBytes < 0 || t.ConnectAttempts < 0 || t.JoinPollAttempts < 0 || t.SignalingBurst < 0 || t.SignalingRate < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}
