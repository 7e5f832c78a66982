package posaudio

import (
	"fmt"
	"math"
)

// ConnectionID identifies one server connection of the host client.
type ConnectionID uint64

// MemberID is the host's transient numeric handle for a member.
type MemberID uint16

// ChannelID identifies a host channel.
type ChannelID uint64

// Vector is a point or direction in the host's 3D coordinate space.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", v.X, v.Y, v.Z)
}

// ListenerOrigin and ListenerUp are the fixed center and up-vector passed
// with every listener orientation.
var (
	ListenerOrigin = Vector{}
	ListenerUp     = Vector{X: 0, Y: 1, Z: 0}
)

// Member is one participant of the active channel, as resolved at tick time.
type Member struct {
	ID       MemberID
	Identity string
	Position Vector
}

// ListenerState is the local member's derived orientation.
type ListenerState struct {
	Forward Vector
	Up      Vector
	// Valid is false until the first orientation has been derived.
	Valid bool
}

// ForwardFromYawPitch derives the listener forward vector from the remote
// yaw/pitch pair. The yaw is shifted by 1.5π to map the server's zero
// heading onto the host's axes.
func ForwardFromYawPitch(yaw, pitch float64) Vector {
	yaw += 1.5 * math.Pi
	xzLen := math.Cos(pitch)
	return Vector{
		X: xzLen * math.Cos(yaw),
		Y: math.Sin(pitch),
		Z: xzLen * math.Sin(-yaw),
	}
}

// RemoteConfig is the position-server address discovered from channel
// metadata. Present is false when the channel carries no usable config.
type RemoteConfig struct {
	Host    string `json:"host"`
	Port    string `json:"port"`
	Present bool   `json:"present"`
}

// BaseURL returns the http base URL of the position server.
func (rc RemoteConfig) BaseURL() string {
	return "http://" + rc.Host + ":" + rc.Port
}

func (rc RemoteConfig) String() string {
	if !rc.Present {
		return "<none>"
	}
	return rc.Host + ":" + rc.Port
}

// EntryKind classifies a single identity's entry in a position snapshot.
type EntryKind string

const (
	// EntryUnregistered marks a key whose value is not a usable numeric array.
	EntryUnregistered EntryKind = "unregistered"
	// EntryPosition is a 3 element [x, y, z] array.
	EntryPosition EntryKind = "position"
	// EntryOriented is a 5 element [x, y, z, pitch, yaw] array.
	EntryOriented EntryKind = "oriented"
)

// PositionEntry is the typed form of one snapshot value.
type PositionEntry struct {
	Kind  EntryKind
	X     float64
	Y     float64
	Z     float64
	Pitch float64
	Yaw   float64
}

// HostPosition converts the server's coordinates into the host's
// handedness by negating x.
func (e PositionEntry) HostPosition() Vector {
	return Vector{X: -e.X, Y: e.Y, Z: e.Z}
}

// PositionSnapshot maps member identities to their server-reported entries.
// A snapshot built from "{}" has no entries and Empty reports true.
type PositionSnapshot struct {
	Entries map[string]PositionEntry
}

// Empty reports whether the server knew no positions at all.
func (s PositionSnapshot) Empty() bool {
	return len(s.Entries) == 0
}

// Lookup returns the entry for identity and whether the key was present.
func (s PositionSnapshot) Lookup(identity string) (PositionEntry, bool) {
	e, ok := s.Entries[identity]
	return e, ok
}

// SyncState is the per-connection state of the position sync client.
type SyncState string

const (
	StateDisabled SyncState = "disabled"
	StateIdle     SyncState = "idle"
	StatePolling  SyncState = "polling"
)

// Handler types
type TickHandler func(conn ConnectionID, applied []Member)
type ErrorHandler func(*Error)
type StateHandler func(conn ConnectionID, state SyncState)
