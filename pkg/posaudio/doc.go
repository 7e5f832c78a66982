// Package posaudio synchronizes member positions from a remote position
// server into a voice client's 3D audio engine and computes the volume
// rolloff heard by the local listener.
//
// # Overview
//
// A channel opts in by embedding "|host|port|" in its description. While the
// local member sits in such a channel the engine polls the position server
// at a fixed rate, places every other member where the server reports them
// and turns the listener to face the local member's yaw:
//   - ParseChannelDescription discovers the server address
//   - APIClient fetches /config and /request
//   - PositionSync applies one snapshot per tick
//   - Scheduler drives ticks without overlap
//   - EventRouter reacts to connection, channel and menu events
//
// # Quick Start
//
//	host := posaudio.NewMemoryHost()
//	host.AddConnection(1, 10, "local-uid", 100)
//	host.SetChannelDescription(1, 100, "Arena |127.0.0.1|9000|")
//
//	router := posaudio.NewEventRouter(host, &posaudio.RouterOptions{
//		Config: posaudio.NewConfig(),
//	})
//	defer router.Close()
//
//	router.HandleConnected(1)
//
// # Rolloff
//
// The host calls back for every audible member. Volume is full inside the
// safe zone, silent past the cutoff and falls off as a power curve between:
//
//	v := router.Rolloff(conn, member, distance)
//
// # Host bridge
//
// When the engine runs outside the voice client, BridgeHost implements Host
// over a websocket link and feeds host events to the router:
//
//	bridge, err := posaudio.DialBridge(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer bridge.Close()
//	router := posaudio.NewEventRouter(bridge, &posaudio.RouterOptions{Config: cfg})
//	return bridge.Run(ctx, router)
//
// # Configuration
//
// NewConfig reads POSAUDIO_* environment variables, after loading an
// optional .env file:
//
//	POSAUDIO_ENABLED=true
//	POSAUDIO_DEFAULT_PORT=9000
//	POSAUDIO_UPDATES_PER_SECOND=15
//	POSAUDIO_BRIDGE_ENDPOINT=ws://127.0.0.1:25639/bridge
//	POSAUDIO_BRIDGE_SECRET=...
//	POSAUDIO_LOG_LEVEL=INFO
//
// # Error Handling
//
// Operations return *Error values carrying a code:
//
//	if posaudio.IsErrorCode(err, posaudio.ErrCodeRemoteFetch) {
//		// the next tick retries
//	}
//
// # Logging
//
// Logging goes through a zerolog-backed Logger:
//
//	logger := posaudio.NewLogger(&posaudio.LogConfig{
//		Level:  posaudio.DebugLevel,
//		Pretty: true,
//	})
//	posaudio.SetGlobalLogger(logger)
package posaudio
