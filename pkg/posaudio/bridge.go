package posaudio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Bridge method names.
const (
	MethodLocalMemberID          = "localMemberId"
	MethodLocalIdentity          = "localIdentity"
	MethodCurrentChannel         = "currentChannel"
	MethodChannelDescription     = "channelDescription"
	MethodChannelMembers         = "channelMembers"
	MethodMemberIdentity         = "memberIdentity"
	MethodSetMemberPosition      = "setMemberPosition"
	MethodSetListenerOrientation = "setListenerOrientation"
	MethodSetDistanceModel       = "setDistanceModel"
)

// Bridge event names.
const (
	EventConnected                 = "connected"
	EventDisconnected              = "disconnected"
	EventChannelEdited             = "channelEdited"
	EventChannelDescriptionUpdated = "channelDescriptionUpdated"
	EventClientMoved               = "clientMoved"
	EventMenuEnable                = "menuEnable"
	EventMenuDisable               = "menuDisable"
	EventMenuRefresh               = "menuRefresh"
)

const bridgeEventBuffer = 256

// BridgeFrame is every message on the bridge link. Requests carry ID and
// Method, responses carry ID with Result or Error, events carry Event.
type BridgeFrame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// BridgeParams is the params object of requests and events.
type BridgeParams struct {
	Connection     ConnectionID `json:"connection"`
	Channel        ChannelID    `json:"channel"`
	Member         MemberID     `json:"member"`
	OldChannel     ChannelID    `json:"oldChannel,omitempty"`
	NewChannel     ChannelID    `json:"newChannel,omitempty"`
	Position       *Vector      `json:"position,omitempty"`
	Center         *Vector      `json:"center,omitempty"`
	Forward        *Vector      `json:"forward,omitempty"`
	Up             *Vector      `json:"up,omitempty"`
	DistanceFactor float64      `json:"distanceFactor,omitempty"`
	RolloffScale   float64      `json:"rolloffScale,omitempty"`
}

// BridgeHost is a Host reached over a websocket link to a shim inside the
// voice client. Accessor calls block until the shim answers or the call
// timeout passes.
type BridgeHost struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan BridgeFrame

	events    chan BridgeFrame
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	err       error
}

// DialBridge connects to cfg.BridgeEndpoint, authenticating with a token
// minted from cfg.BridgeSecret when one is set.
func DialBridge(ctx context.Context, cfg *Config, logger *Logger) (*BridgeHost, error) {
	if logger == nil {
		logger = GetGlobalLogger()
	}

	header := make(http.Header)
	if cfg.BridgeSecret != "" {
		token, err := MintBridgeToken(cfg.BridgeSecret, time.Now())
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token.Token)
	}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.BridgeEndpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, NewAuthError("bridge rejected credentials").
				WithCause(err).
				WithOp("dial_bridge").
				AddDetail("endpoint", cfg.BridgeEndpoint)
		}
		return nil, NewBridgeError("dialing bridge failed").
			WithCause(err).
			WithOp("dial_bridge").
			AddDetail("endpoint", cfg.BridgeEndpoint)
	}

	logger.WithComponent("bridge").WithField("endpoint", cfg.BridgeEndpoint).Info("Connected to host bridge")
	return NewBridgeHost(conn, cfg.BridgeCallTimeout, logger), nil
}

// NewBridgeHost wraps an established connection and starts reading from it.
func NewBridgeHost(conn *websocket.Conn, timeout time.Duration, logger *Logger) *BridgeHost {
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}
	if logger == nil {
		logger = GetGlobalLogger()
	}
	b := &BridgeHost{
		conn:    conn,
		timeout: timeout,
		logger:  logger.WithComponent("bridge"),
		pending: make(map[string]chan BridgeFrame),
		events:  make(chan BridgeFrame, bridgeEventBuffer),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *BridgeHost) readLoop() {
	for {
		var f BridgeFrame
		if err := b.conn.ReadJSON(&f); err != nil {
			if b.closing.Load() {
				b.shutdown(nil)
				return
			}
			b.shutdown(NewBridgeError("bridge link lost").WithCause(err).WithOp("read"))
			return
		}

		if f.Event != "" {
			select {
			case b.events <- f:
			default:
				b.logger.WithField("event", f.Event).Warn("Event queue full, dropping event")
			}
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[f.ID]
		delete(b.pending, f.ID)
		b.mu.Unlock()
		if !ok {
			b.logger.WithField("id", f.ID).Debug("Response for unknown request")
			continue
		}
		ch <- f
	}
}

func (b *BridgeHost) shutdown(err error) {
	b.closeOnce.Do(func() {
		b.err = err
		close(b.done)
		b.conn.Close()
	})
}

// Done is closed once the link is gone.
func (b *BridgeHost) Done() <-chan struct{} {
	return b.done
}

// Err returns why the link closed; nil after Close or while open.
func (b *BridgeHost) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Close sends a close frame and tears the link down.
func (b *BridgeHost) Close() error {
	b.closing.Store(true)
	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	b.shutdown(nil)
	return nil
}

func (b *BridgeHost) call(method string, params BridgeParams, result interface{}) error {
	select {
	case <-b.done:
		return NewBridgeError("bridge closed").WithOp(method)
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return NewBridgeError("encoding params failed").WithCause(err).WithOp(method)
	}

	id := uuid.NewString()
	ch := make(chan BridgeFrame, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.timeout))
	err = b.conn.WriteJSON(BridgeFrame{ID: id, Method: method, Params: raw})
	b.writeMu.Unlock()
	if err != nil {
		return NewBridgeError("sending request failed").WithCause(err).WithOp(method)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.Error != "" {
			return NewBridgeError(f.Error).WithOp(method)
		}
		if result != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, result); err != nil {
				return NewBridgeError("decoding result failed").WithCause(err).WithOp(method)
			}
		}
		return nil
	case <-timer.C:
		return NewBridgeError("call timed out").WithOp(method).AddDetail("timeout", b.timeout.String())
	case <-b.done:
		return NewBridgeError("bridge closed").WithOp(method)
	}
}

func (b *BridgeHost) LocalMemberID(conn ConnectionID) (MemberID, error) {
	var id MemberID
	err := b.call(MethodLocalMemberID, BridgeParams{Connection: conn}, &id)
	return id, err
}

func (b *BridgeHost) LocalIdentity(conn ConnectionID) (string, error) {
	var identity string
	err := b.call(MethodLocalIdentity, BridgeParams{Connection: conn}, &identity)
	return identity, err
}

func (b *BridgeHost) CurrentChannel(conn ConnectionID) (ChannelID, error) {
	var channel ChannelID
	err := b.call(MethodCurrentChannel, BridgeParams{Connection: conn}, &channel)
	return channel, err
}

func (b *BridgeHost) ChannelDescription(conn ConnectionID, channel ChannelID) (string, error) {
	var desc string
	err := b.call(MethodChannelDescription, BridgeParams{Connection: conn, Channel: channel}, &desc)
	return desc, err
}

func (b *BridgeHost) ChannelMembers(conn ConnectionID, channel ChannelID) ([]MemberID, error) {
	var members []MemberID
	err := b.call(MethodChannelMembers, BridgeParams{Connection: conn, Channel: channel}, &members)
	return members, err
}

func (b *BridgeHost) MemberIdentity(conn ConnectionID, member MemberID) (string, error) {
	var identity string
	err := b.call(MethodMemberIdentity, BridgeParams{Connection: conn, Member: member}, &identity)
	return identity, err
}

func (b *BridgeHost) SetMemberPosition(conn ConnectionID, member MemberID, pos Vector) error {
	return b.call(MethodSetMemberPosition, BridgeParams{Connection: conn, Member: member, Position: &pos}, nil)
}

func (b *BridgeHost) SetListenerOrientation(conn ConnectionID, center, forward, up Vector) error {
	return b.call(MethodSetListenerOrientation, BridgeParams{
		Connection: conn,
		Center:     &center,
		Forward:    &forward,
		Up:         &up,
	}, nil)
}

func (b *BridgeHost) SetDistanceModel(conn ConnectionID, distanceFactor, rolloffScale float64) error {
	return b.call(MethodSetDistanceModel, BridgeParams{
		Connection:     conn,
		DistanceFactor: distanceFactor,
		RolloffScale:   rolloffScale,
	}, nil)
}

// Run dispatches bridge events to h until ctx is cancelled or the link
// drops. Events are handled one at a time, in arrival order, on the
// caller's goroutine; the read loop keeps delivering call responses
// meanwhile, so handlers may call back into the bridge.
func (b *BridgeHost) Run(ctx context.Context, h EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return b.err
		case f := <-b.events:
			b.dispatch(h, f)
		}
	}
}

func (b *BridgeHost) dispatch(h EventHandler, f BridgeFrame) {
	var p BridgeParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &p); err != nil {
			b.logger.WithError(err).WithField("event", f.Event).Warn("Malformed event params")
			return
		}
	}

	switch f.Event {
	case EventConnected:
		h.HandleConnected(p.Connection)
	case EventDisconnected:
		h.HandleDisconnected(p.Connection)
	case EventChannelEdited:
		h.HandleChannelEdited(p.Connection, p.Channel)
	case EventChannelDescriptionUpdated:
		h.HandleChannelDescriptionUpdated(p.Connection, p.Channel)
	case EventClientMoved:
		h.HandleClientMoved(p.Connection, p.Member, p.OldChannel, p.NewChannel)
	case EventMenuEnable:
		h.EnableGlobally()
	case EventMenuDisable:
		h.DisableGlobally()
	case EventMenuRefresh:
		if err := h.RefreshConfiguration(p.Connection); err != nil {
			b.logger.LogError(WrapError(err, ErrCodeUnknown))
		}
	default:
		b.logger.WithField("event", f.Event).Debug("Ignoring unknown event")
	}
}
