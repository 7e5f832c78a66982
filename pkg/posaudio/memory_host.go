package posaudio

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryHost is an in-process Host. The simulator command drives it in place
// of a real voice client, and tests use it to observe what the engine
// applied.
type MemoryHost struct {
	mu    sync.RWMutex
	conns map[ConnectionID]*memoryConnection
	fail  map[string]error
}

type memoryConnection struct {
	localID        MemberID
	descriptions   map[ChannelID]string
	memberChannel  map[MemberID]ChannelID
	identities     map[MemberID]string
	positions      map[MemberID]Vector
	positionWrites int
	listener       ListenerState
	center         Vector
	distanceFactor float64
	rolloffScale   float64
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		conns: make(map[ConnectionID]*memoryConnection),
		fail:  make(map[string]error),
	}
}

// AddConnection registers a connection whose local member is localID.
func (h *MemoryHost) AddConnection(conn ConnectionID, localID MemberID, localIdentity string, channel ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = &memoryConnection{
		localID:       localID,
		descriptions:  make(map[ChannelID]string),
		memberChannel: map[MemberID]ChannelID{localID: channel},
		identities:    map[MemberID]string{localID: localIdentity},
		positions:     make(map[MemberID]Vector),
	}
}

// AddMember places a member with identity into channel.
func (h *MemoryHost) AddMember(conn ConnectionID, member MemberID, identity string, channel ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[conn]; ok {
		c.memberChannel[member] = channel
		c.identities[member] = identity
	}
}

// MoveMember moves an existing member to channel.
func (h *MemoryHost) MoveMember(conn ConnectionID, member MemberID, channel ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[conn]; ok {
		if _, known := c.memberChannel[member]; known {
			c.memberChannel[member] = channel
		}
	}
}

// RemoveMember drops a member from the connection entirely.
func (h *MemoryHost) RemoveMember(conn ConnectionID, member MemberID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[conn]; ok {
		delete(c.memberChannel, member)
		delete(c.identities, member)
		delete(c.positions, member)
	}
}

func (h *MemoryHost) SetChannelDescription(conn ConnectionID, channel ChannelID, description string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[conn]; ok {
		c.descriptions[channel] = description
	}
}

// SetFailure makes the named accessor method return err until cleared with
// a nil err.
func (h *MemoryHost) SetFailure(method string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.fail, method)
		return
	}
	h.fail[method] = err
}

// Position returns the last position applied to member.
func (h *MemoryHost) Position(conn ConnectionID, member MemberID) (Vector, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[conn]
	if !ok {
		return Vector{}, false
	}
	p, ok := c.positions[member]
	return p, ok
}

// PositionWrites counts SetMemberPosition calls on conn.
func (h *MemoryHost) PositionWrites(conn ConnectionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[conn]; ok {
		return c.positionWrites
	}
	return 0
}

// Listener returns the last applied listener orientation and its center.
func (h *MemoryHost) Listener(conn ConnectionID) (ListenerState, Vector) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[conn]; ok {
		return c.listener, c.center
	}
	return ListenerState{}, Vector{}
}

// DistanceModel returns the last applied distance factor and rolloff scale.
func (h *MemoryHost) DistanceModel(conn ConnectionID) (float64, float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[conn]; ok {
		return c.distanceFactor, c.rolloffScale
	}
	return 0, 0
}

func (h *MemoryHost) lookup(method string, conn ConnectionID) (*memoryConnection, error) {
	if err, ok := h.fail[method]; ok {
		return nil, err
	}
	c, ok := h.conns[conn]
	if !ok {
		return nil, fmt.Errorf("unknown connection %d", conn)
	}
	return c, nil
}

func (h *MemoryHost) LocalMemberID(conn ConnectionID) (MemberID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, err := h.lookup("LocalMemberID", conn)
	if err != nil {
		return 0, err
	}
	return c.localID, nil
}

func (h *MemoryHost) LocalIdentity(conn ConnectionID) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, err := h.lookup("LocalIdentity", conn)
	if err != nil {
		return "", err
	}
	return c.identities[c.localID], nil
}

func (h *MemoryHost) CurrentChannel(conn ConnectionID) (ChannelID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, err := h.lookup("CurrentChannel", conn)
	if err != nil {
		return 0, err
	}
	return c.memberChannel[c.localID], nil
}

func (h *MemoryHost) ChannelDescription(conn ConnectionID, channel ChannelID) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, err := h.lookup("ChannelDescription", conn)
	if err != nil {
		return "", err
	}
	return c.descriptions[channel], nil
}

func (h *MemoryHost) ChannelMembers(conn ConnectionID, channel ChannelID) ([]MemberID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, err := h.lookup("ChannelMembers", conn)
	if err != nil {
		return nil, err
	}
	members := make([]MemberID, 0, len(c.memberChannel))
	for m, ch := range c.memberChannel {
		if ch == channel {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (h *MemoryHost) MemberIdentity(conn ConnectionID, member MemberID) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, err := h.lookup("MemberIdentity", conn)
	if err != nil {
		return "", err
	}
	id, ok := c.identities[member]
	if !ok {
		return "", fmt.Errorf("unknown member %d", member)
	}
	return id, nil
}

func (h *MemoryHost) SetMemberPosition(conn ConnectionID, member MemberID, pos Vector) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.lookup("SetMemberPosition", conn)
	if err != nil {
		return err
	}
	c.positions[member] = pos
	c.positionWrites++
	return nil
}

func (h *MemoryHost) SetListenerOrientation(conn ConnectionID, center, forward, up Vector) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.lookup("SetListenerOrientation", conn)
	if err != nil {
		return err
	}
	c.center = center
	c.listener = ListenerState{Forward: forward, Up: up, Valid: true}
	return nil
}

func (h *MemoryHost) SetDistanceModel(conn ConnectionID, distanceFactor, rolloffScale float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.lookup("SetDistanceModel", conn)
	if err != nil {
		return err
	}
	c.distanceFactor = distanceFactor
	c.rolloffScale = rolloffScale
	return nil
}
