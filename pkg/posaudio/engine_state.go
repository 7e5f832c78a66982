package posaudio

import (
	"sync"
	"time"
)

// Tunables are the engine-wide rolloff and cadence parameters.
// Attenuation is stored already inverted (1 / raw coefficient).
type Tunables struct {
	Offset              float64 `json:"offset"`
	Cutoff              float64 `json:"cutoff"`
	Attenuation         float64 `json:"attenuation"`
	CanHearUnregistered bool    `json:"can_hear_unregistered"`
	UpdatesPerSecond    int     `json:"updates_per_second"`
}

// Interval is 1000/UpdatesPerSecond milliseconds.
func (t Tunables) Interval() time.Duration {
	ups := t.UpdatesPerSecond
	if ups <= 0 {
		ups = DefaultUpdatesPerSecond
	}
	return time.Duration(1000/ups) * time.Millisecond
}

// RemoteTunables is the validated body of GET /config, before inversion.
type RemoteTunables struct {
	CutoffDistance           float64 `json:"cutoffDistance"`
	AttenuationCoefficient   float64 `json:"attenuationCoefficient"`
	SafeZoneSize             float64 `json:"safeZoneSize"`
	UnregisteredCanBroadcast bool    `json:"unregisteredCanBroadcast"`
}

// Validate checks the values a rolloff curve needs: a positive coefficient
// and a cutoff beyond the safe zone.
func (rt RemoteTunables) Validate() *Error {
	if !finite(rt.AttenuationCoefficient) || rt.AttenuationCoefficient <= 0 {
		return NewRemoteParseError("attenuation coefficient must be positive").
			AddDetail("field", "attenuationCoefficient").
			AddDetail("value", rt.AttenuationCoefficient)
	}
	if !finite(rt.CutoffDistance) || !finite(rt.SafeZoneSize) || rt.CutoffDistance <= rt.SafeZoneSize {
		return NewRemoteParseError("cutoff distance must exceed safe zone size").
			AddDetail("cutoff", rt.CutoffDistance).
			AddDetail("safe_zone", rt.SafeZoneSize)
	}
	return nil
}

// EngineState holds the global enable flag and the tunables. It is owned by
// the EventRouter and read by ticks, so every access goes through the lock.
type EngineState struct {
	mu       sync.RWMutex
	enabled  bool
	tunables Tunables
}

func NewEngineState(enabled bool, tunables Tunables) *EngineState {
	return &EngineState{enabled: enabled, tunables: tunables}
}

func (s *EngineState) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *EngineState) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Tunables returns a copy of the current tunables.
func (s *EngineState) Tunables() Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunables
}

// ApplyRemote replaces the rolloff tunables with a server config, inverting
// the attenuation coefficient. UpdatesPerSecond is left untouched. An invalid
// config is rejected and the current tunables are returned unchanged.
func (s *EngineState) ApplyRemote(rt RemoteTunables) (Tunables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := rt.Validate(); err != nil {
		return s.tunables, err.WithOp("apply_config")
	}
	s.tunables.Cutoff = rt.CutoffDistance
	s.tunables.Attenuation = 1 / rt.AttenuationCoefficient
	s.tunables.Offset = rt.SafeZoneSize
	s.tunables.CanHearUnregistered = rt.UnregisteredCanBroadcast
	return s.tunables, nil
}
