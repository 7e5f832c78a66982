package posaudio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PositionSource is the remote side of a position sync. *APIClient is the
// production implementation.
type PositionSource interface {
	FetchConfig(ctx context.Context) (RemoteTunables, error)
	FetchPositions(ctx context.Context, identity string) (PositionSnapshot, error)
}

// SourceFactory builds a PositionSource for a discovered RemoteConfig.
type SourceFactory func(rc RemoteConfig) PositionSource

// HTTPSourceFactory returns a factory producing *APIClient sources.
func HTTPSourceFactory(timeout time.Duration, headers map[string]string) SourceFactory {
	return func(rc RemoteConfig) PositionSource {
		return NewAPIClientForConfig(rc, timeout, headers)
	}
}

// PositionSync applies remote positions to one host connection. Each call
// to Update is one tick; ticks never overlap.
type PositionSync struct {
	conn        ConnectionID
	host        Host
	engine      *EngineState
	newSource   SourceFactory
	mutedHeight float64
	logger      *Logger

	mu       sync.RWMutex
	remote   RemoteConfig
	source   PositionSource
	listener ListenerState
	handlers []TickHandler

	inFlight   atomic.Bool
	ticks      atomic.Uint64
	failures   *rate.Limiter
	suppressed atomic.Int64
}

// NewPositionSync creates the sync client for conn. It starts without a
// RemoteConfig, i.e. idle.
func NewPositionSync(conn ConnectionID, host Host, engine *EngineState, newSource SourceFactory, mutedHeight float64, logger *Logger) *PositionSync {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	if newSource == nil {
		newSource = HTTPSourceFactory(DefaultHTTPTimeout, nil)
	}
	return &PositionSync{
		conn:        conn,
		host:        host,
		engine:      engine,
		newSource:   newSource,
		mutedHeight: mutedHeight,
		logger:      logger.WithComponent("position_sync").WithConnection(conn),
		failures:    rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

// SetRemoteConfig installs the server address discovered for the current
// channel. A config with Present == false puts the client in StateIdle.
func (p *PositionSync) SetRemoteConfig(rc RemoteConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rc == p.remote && p.source != nil {
		return
	}
	p.remote = rc
	if rc.Present {
		p.source = p.newSource(rc)
	} else {
		p.source = nil
	}
}

func (p *PositionSync) RemoteConfig() RemoteConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote
}

// State reports Disabled, Idle or Polling.
func (p *PositionSync) State() SyncState {
	if !p.engine.Enabled() {
		return StateDisabled
	}
	if !p.RemoteConfig().Present {
		return StateIdle
	}
	return StatePolling
}

// Listener returns the last derived listener orientation.
func (p *PositionSync) Listener() ListenerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listener
}

// Ticks counts completed Update calls, successful or not.
func (p *PositionSync) Ticks() uint64 {
	return p.ticks.Load()
}

// AddTickHandler registers h to receive the members applied by each
// successful tick. Handlers run on the tick's goroutine.
func (p *PositionSync) AddTickHandler(h TickHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// RefreshTunables fetches GET /config and applies it to the engine state.
// On any failure the previous tunables stay in place.
func (p *PositionSync) RefreshTunables(ctx context.Context) error {
	p.mu.RLock()
	source, remote := p.source, p.remote
	p.mu.RUnlock()
	if source == nil {
		return NewNoChannelConfigError("channel has no position server").WithOp("refresh_config")
	}

	rt, err := source.FetchConfig(ctx)
	if err != nil {
		return err
	}
	t, err := p.engine.ApplyRemote(rt)
	if err != nil {
		return err
	}
	p.logger.WithFields(map[string]interface{}{
		"server":                remote.String(),
		"cutoff":                t.Cutoff,
		"safe_zone":             t.Offset,
		"attenuation":           t.Attenuation,
		"can_hear_unregistered": t.CanHearUnregistered,
	}).Info("Updated attenuation config from remote")
	return nil
}

// Tick runs Update and logs its failure. It never returns an error so it
// can be handed to the scheduler directly.
func (p *PositionSync) Tick() {
	applied, err := p.Update(context.Background())
	if err != nil {
		p.reportFailure(err)
		return
	}
	p.logger.LogTick(p.conn, p.State(), map[string]interface{}{"applied": len(applied)})
}

func (p *PositionSync) reportFailure(err error) {
	if IsErrorCode(err, ErrCodeTickInFlight) {
		p.logger.Debug("Skipping tick, previous tick still in flight")
		return
	}
	if !p.failures.Allow() {
		p.suppressed.Add(1)
		return
	}
	pe := WrapError(err, ErrCodeUnknown)
	if n := p.suppressed.Swap(0); n > 0 {
		pe.AddDetail("suppressed", n)
	}
	p.logger.LogError(pe)
}

// Update performs one synchronization tick: resolve the roster, fetch the
// snapshot, apply it. A fetch or parse failure skips the tick without
// touching any member. A host accessor failure aborts the tick.
func (p *PositionSync) Update(ctx context.Context) ([]Member, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, NewError("previous tick still in flight", ErrCodeTickInFlight).WithOp("tick")
	}
	defer p.inFlight.Store(false)
	defer p.ticks.Add(1)

	channel, err := p.host.CurrentChannel(p.conn)
	if err != nil {
		return nil, hostError("current_channel", p.conn, err)
	}
	ids, err := p.host.ChannelMembers(p.conn, channel)
	if err != nil {
		return nil, hostError("channel_members", p.conn, err).AddDetail("channel", uint64(channel))
	}

	if !p.engine.Enabled() {
		return p.applyDisabled(ids)
	}

	p.mu.RLock()
	source := p.source
	p.mu.RUnlock()
	if source == nil {
		return nil, nil
	}

	localID, err := p.host.LocalMemberID(p.conn)
	if err != nil {
		return nil, hostError("local_member_id", p.conn, err)
	}
	localIdentity, err := p.host.LocalIdentity(p.conn)
	if err != nil {
		return nil, hostError("local_identity", p.conn, err)
	}
	if localIdentity == "" {
		return nil, NewHostAccessorError("empty local identity").WithOp("local_identity").AddDetail("connection", uint64(p.conn))
	}

	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		identity, err := p.host.MemberIdentity(p.conn, id)
		if err != nil {
			return nil, hostError("member_identity", p.conn, err).AddDetail("member", uint64(id))
		}
		members = append(members, Member{ID: id, Identity: identity})
	}

	snap, err := source.FetchPositions(ctx, localIdentity)
	if err != nil {
		if pe, ok := err.(*Error); ok {
			pe.AddDetail("connection", uint64(p.conn)).AddDetail("channel", uint64(channel))
		}
		return nil, err
	}

	applied, err := p.apply(snap, members, localID, localIdentity)
	if err != nil {
		return applied, err
	}
	p.notify(applied)
	return applied, nil
}

func (p *PositionSync) applyDisabled(ids []MemberID) ([]Member, error) {
	applied := make([]Member, 0, len(ids))
	for _, id := range ids {
		if err := p.host.SetMemberPosition(p.conn, id, Vector{}); err != nil {
			return applied, hostError("set_member_position", p.conn, err).AddDetail("member", uint64(id))
		}
		applied = append(applied, Member{ID: id})
	}
	return applied, nil
}

// neutral is where members without usable data are placed: the origin, or
// pushed far below it when unregistered members must be inaudible.
func (p *PositionSync) neutral(t Tunables) Vector {
	if t.CanHearUnregistered {
		return Vector{}
	}
	return Vector{Y: p.mutedHeight}
}

func (p *PositionSync) apply(snap PositionSnapshot, members []Member, localID MemberID, localIdentity string) ([]Member, error) {
	neutral := p.neutral(p.engine.Tunables())
	applied := make([]Member, 0, len(members))

	for _, m := range members {
		isLocal := m.ID == localID || m.Identity == localIdentity

		if snap.Empty() {
			if isLocal {
				continue
			}
			m.Position = neutral
		} else {
			entry, ok := snap.Lookup(m.Identity)
			if isLocal {
				if ok && entry.Kind == EntryOriented {
					if err := p.orient(entry); err != nil {
						return applied, err
					}
				}
				continue
			}
			if !ok || entry.Kind == EntryUnregistered {
				m.Position = neutral
			} else {
				m.Position = entry.HostPosition()
			}
		}

		if err := p.host.SetMemberPosition(p.conn, m.ID, m.Position); err != nil {
			return applied, hostError("set_member_position", p.conn, err).AddDetail("member", uint64(m.ID))
		}
		applied = append(applied, m)
	}
	return applied, nil
}

// orient derives the listener orientation from the local member's entry.
// Pitch is held at zero.
func (p *PositionSync) orient(entry PositionEntry) error {
	forward := ForwardFromYawPitch(entry.Yaw, 0)
	if err := p.host.SetDistanceModel(p.conn, 1.0, 1.0); err != nil {
		return hostError("set_distance_model", p.conn, err)
	}
	if err := p.host.SetListenerOrientation(p.conn, ListenerOrigin, forward, ListenerUp); err != nil {
		return hostError("set_listener_orientation", p.conn, err)
	}
	p.mu.Lock()
	p.listener = ListenerState{Forward: forward, Up: ListenerUp, Valid: true}
	p.mu.Unlock()
	return nil
}

func (p *PositionSync) notify(applied []Member) {
	p.mu.RLock()
	handlers := append([]TickHandler(nil), p.handlers...)
	p.mu.RUnlock()
	for _, h := range handlers {
		h(p.conn, applied)
	}
}
