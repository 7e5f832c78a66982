package posaudio

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
)

// EventHandler is the set of host lifecycle, channel and menu events the
// engine reacts to. *EventRouter implements it; BridgeHost dispatches to it.
type EventHandler interface {
	HandleConnected(conn ConnectionID)
	HandleDisconnected(conn ConnectionID)
	HandleChannelEdited(conn ConnectionID, channel ChannelID)
	HandleChannelDescriptionUpdated(conn ConnectionID, channel ChannelID)
	HandleClientMoved(conn ConnectionID, member MemberID, oldChannel, newChannel ChannelID)
	EnableGlobally()
	DisableGlobally()
	RefreshConfiguration(conn ConnectionID) error
}

// RouterOptions configures an EventRouter. Zero values select defaults.
type RouterOptions struct {
	Config        *Config
	Clock         clock.Clock
	SourceFactory SourceFactory
	Logger        *Logger
}

type session struct {
	sync      *PositionSync
	scheduler *Scheduler
}

// EventRouter turns host events into discovery, sync and scheduling
// transitions. It owns the EngineState and one session per connection;
// every session holds at most one repeating tick.
type EventRouter struct {
	host      Host
	config    *Config
	engine    *EngineState
	clock     clock.Clock
	newSource SourceFactory
	logger    *Logger

	mu            sync.Mutex
	sessions      map[ConnectionID]*session
	tickHandlers  []TickHandler
	stateHandlers []StateHandler
	closed        bool
}

func NewEventRouter(host Host, opts *RouterOptions) *EventRouter {
	if opts == nil {
		opts = &RouterOptions{}
	}
	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = GetGlobalLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	newSource := opts.SourceFactory
	if newSource == nil {
		newSource = HTTPSourceFactory(config.HTTPTimeout, config.Headers)
	}

	return &EventRouter{
		host:      host,
		config:    config,
		engine:    NewEngineState(config.Enabled, config.Tunables()),
		clock:     clk,
		newSource: newSource,
		logger:    logger.WithComponent("router"),
		sessions:  make(map[ConnectionID]*session),
	}
}

// Engine exposes the shared enable flag and tunables.
func (r *EventRouter) Engine() *EngineState {
	return r.engine
}

// AddTickHandler registers h on every current and future connection.
func (r *EventRouter) AddTickHandler(h TickHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickHandlers = append(r.tickHandlers, h)
	for _, s := range r.sessions {
		s.sync.AddTickHandler(h)
	}
}

// AddStateHandler registers h to observe sync state after each rediscovery.
func (r *EventRouter) AddStateHandler(h StateHandler) {
	r.mu.Lock()
	r.stateHandlers = append(r.stateHandlers, h)
	r.mu.Unlock()
}

func (r *EventRouter) session(conn ConnectionID) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[conn]; ok {
		return s
	}
	s := &session{
		sync:      NewPositionSync(conn, r.host, r.engine, r.newSource, r.config.MutedHeight, r.logger),
		scheduler: NewScheduler(r.clock, r.logger.WithConnection(conn)),
	}
	for _, h := range r.tickHandlers {
		s.sync.AddTickHandler(h)
	}
	if r.closed {
		s.scheduler.Close()
	}
	r.sessions[conn] = s
	return s
}

func (r *EventRouter) lookup(conn ConnectionID) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conn]
	return s, ok
}

// HandleConnected runs discovery for the channel the local member is in.
func (r *EventRouter) HandleConnected(conn ConnectionID) {
	channel, err := r.host.CurrentChannel(conn)
	if err != nil {
		r.logger.LogError(hostError("current_channel", conn, err))
		return
	}
	r.rediscover(conn, channel, "connected")
}

// HandleDisconnected stops the connection's ticks and forgets it. Ticks in
// flight finish on their own.
func (r *EventRouter) HandleDisconnected(conn ConnectionID) {
	r.mu.Lock()
	s, ok := r.sessions[conn]
	delete(r.sessions, conn)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.scheduler.Cancel()
	go s.scheduler.Close()
	r.logger.LogChannelEvent("disconnected", conn, 0, nil)
}

// HandleChannelEdited reacts to edits of the channel the local member is in.
func (r *EventRouter) HandleChannelEdited(conn ConnectionID, channel ChannelID) {
	current, err := r.host.CurrentChannel(conn)
	if err != nil {
		r.logger.LogError(hostError("current_channel", conn, err))
		return
	}
	if channel != current {
		return
	}
	r.rediscover(conn, channel, "channel_edited")
}

func (r *EventRouter) HandleChannelDescriptionUpdated(conn ConnectionID, channel ChannelID) {
	current, err := r.host.CurrentChannel(conn)
	if err != nil {
		r.logger.LogError(hostError("current_channel", conn, err))
		return
	}
	if channel != current {
		return
	}
	r.rediscover(conn, channel, "channel_description_updated")
}

// HandleClientMoved reacts only to the local member changing channel.
func (r *EventRouter) HandleClientMoved(conn ConnectionID, member MemberID, oldChannel, newChannel ChannelID) {
	local, err := r.host.LocalMemberID(conn)
	if err != nil {
		r.logger.LogError(hostError("local_member_id", conn, err))
		return
	}
	if member != local {
		return
	}
	r.rediscover(conn, newChannel, "client_moved")
}

// rediscover cancels the connection's ticks, re-derives its RemoteConfig from
// the channel description and, when present, runs one immediate update. The
// steady-state cadence starts a kickoff delay after that update returns.
func (r *EventRouter) rediscover(conn ConnectionID, channel ChannelID, event string) {
	s := r.session(conn)
	s.scheduler.Cancel()

	desc, err := r.host.ChannelDescription(conn, channel)
	if err != nil {
		r.logger.LogError(hostError("channel_description", conn, err).AddDetail("channel", uint64(channel)))
		s.sync.SetRemoteConfig(RemoteConfig{})
		r.notifyState(conn, s.sync.State())
		return
	}

	rc, perr := ParseChannelDescription(desc, r.config.DefaultPort)
	s.sync.SetRemoteConfig(rc)
	if perr != nil {
		r.logger.LogChannelEvent(event, conn, channel, map[string]interface{}{
			"config": "none",
			"reason": perr.Error(),
		})
		r.notifyState(conn, s.sync.State())
		return
	}
	r.logger.LogChannelEvent(event, conn, channel, map[string]interface{}{
		"config": rc.String(),
	})
	r.notifyState(conn, s.sync.State())

	sync := s.sync
	s.scheduler.Kickoff(func() {
		r.refreshTunables(sync)
		sync.Tick()
	}, r.config.KickoffDelay, r.engine.Tunables().Interval(), sync.Tick)
}

func (r *EventRouter) refreshTunables(p *PositionSync) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.HTTPTimeout)
	defer cancel()
	if err := p.RefreshTunables(ctx); err != nil {
		r.logger.WithConnection(p.conn).LogError(WrapError(err, ErrCodeUnknown))
	}
}

func (r *EventRouter) notifyState(conn ConnectionID, state SyncState) {
	r.mu.Lock()
	handlers := append([]StateHandler(nil), r.stateHandlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(conn, state)
	}
}

func (r *EventRouter) EnableGlobally() {
	r.engine.SetEnabled(true)
	r.logger.Info("Positional audio enabled")
}

func (r *EventRouter) DisableGlobally() {
	r.engine.SetEnabled(false)
	r.logger.Info("Positional audio disabled")
}

// RefreshConfiguration re-queries GET /config for conn's position server in
// the background. It fails with ErrNoChannelConfig when the connection's
// channel has none.
func (r *EventRouter) RefreshConfiguration(conn ConnectionID) error {
	s, ok := r.lookup(conn)
	if !ok || !s.sync.RemoteConfig().Present {
		return NewNoChannelConfigError("channel has no position server").
			WithOp("refresh_config").
			AddDetail("connection", uint64(conn))
	}
	sync := s.sync
	s.scheduler.ScheduleOnce(0, func() { r.refreshTunables(sync) })
	return nil
}

// Rolloff is the host's custom rolloff hook: the volume for a member heard
// at distance.
func (r *EventRouter) Rolloff(conn ConnectionID, member MemberID, distance float64) float64 {
	return r.engine.Tunables().Volume(distance)
}

// State returns conn's sync state; unknown connections are idle unless
// globally disabled.
func (r *EventRouter) State(conn ConnectionID) SyncState {
	if s, ok := r.lookup(conn); ok {
		return s.sync.State()
	}
	if !r.engine.Enabled() {
		return StateDisabled
	}
	return StateIdle
}

func (r *EventRouter) RemoteConfig(conn ConnectionID) RemoteConfig {
	if s, ok := r.lookup(conn); ok {
		return s.sync.RemoteConfig()
	}
	return RemoteConfig{}
}

// Sync returns the sync client of conn, if the connection is known.
func (r *EventRouter) Sync(conn ConnectionID) (*PositionSync, bool) {
	s, ok := r.lookup(conn)
	if !ok {
		return nil, false
	}
	return s.sync, true
}

// Polling reports whether conn has a repeating tick scheduled.
func (r *EventRouter) Polling(conn ConnectionID) bool {
	s, ok := r.lookup(conn)
	return ok && s.scheduler.Active()
}

// Close stops every connection and waits for running ticks to return.
func (r *EventRouter) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.scheduler.Close()
	}
}
