package posaudio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// BridgeShim serves a Host over the bridge protocol. It is the host side of
// the link: the simulator runs one in front of a MemoryHost, and a voice
// client plugin embeds the equivalent.
type BridgeShim struct {
	host     Host
	secret   string
	upgrader websocket.Upgrader
	logger   *Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewBridgeShim returns a shim for host. A non-empty secret requires
// clients to present a valid bridge token.
func NewBridgeShim(host Host, secret string, logger *Logger) *BridgeShim {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return &BridgeShim{
		host:   host,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.WithComponent("bridge_shim"),
		conns:  make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (s *BridgeShim) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := ParseBridgeToken(token, s.secret); err != nil {
			s.logger.WithError(err).Warn("Rejected bridge client")
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Bridge upgrade failed")
		return
	}
	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = writeMu
	s.mu.Unlock()
	s.logger.WithField("remote", r.RemoteAddr).Info("Bridge client connected")

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var req BridgeFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.handle(req)
		writeMu.Lock()
		err := conn.WriteJSON(resp)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *BridgeShim) handle(req BridgeFrame) BridgeFrame {
	resp := BridgeFrame{ID: req.ID}
	var p BridgeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = "malformed params: " + err.Error()
			return resp
		}
	}

	result, err := s.invoke(req.Method, p)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = raw
	}
	return resp
}

func (s *BridgeShim) invoke(method string, p BridgeParams) (interface{}, error) {
	switch method {
	case MethodLocalMemberID:
		return s.host.LocalMemberID(p.Connection)
	case MethodLocalIdentity:
		return s.host.LocalIdentity(p.Connection)
	case MethodCurrentChannel:
		return s.host.CurrentChannel(p.Connection)
	case MethodChannelDescription:
		return s.host.ChannelDescription(p.Connection, p.Channel)
	case MethodChannelMembers:
		return s.host.ChannelMembers(p.Connection, p.Channel)
	case MethodMemberIdentity:
		return s.host.MemberIdentity(p.Connection, p.Member)
	case MethodSetMemberPosition:
		if p.Position == nil {
			return nil, fmt.Errorf("missing position")
		}
		return nil, s.host.SetMemberPosition(p.Connection, p.Member, *p.Position)
	case MethodSetListenerOrientation:
		if p.Center == nil || p.Forward == nil || p.Up == nil {
			return nil, fmt.Errorf("missing orientation vectors")
		}
		return nil, s.host.SetListenerOrientation(p.Connection, *p.Center, *p.Forward, *p.Up)
	case MethodSetDistanceModel:
		return nil, s.host.SetDistanceModel(p.Connection, p.DistanceFactor, p.RolloffScale)
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

// Emit sends an event to every connected client.
func (s *BridgeShim) Emit(event string, params BridgeParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return NewBridgeError("encoding event failed").WithCause(err).WithOp("emit")
	}
	frame := BridgeFrame{Event: event, Params: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, writeMu := range s.conns {
		writeMu.Lock()
		err := conn.WriteJSON(frame)
		writeMu.Unlock()
		if err != nil {
			return NewBridgeError("sending event failed").WithCause(err).WithOp("emit").AddDetail("event", event)
		}
	}
	return nil
}

// Clients returns the number of connected bridge clients.
func (s *BridgeShim) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
