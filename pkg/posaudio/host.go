package posaudio

// Host is the accessor surface of the voice client the engine runs in.
// Implementations must be safe for concurrent use: ticks call it from
// scheduler goroutines while event handlers call it from the host's side.
type Host interface {
	LocalMemberID(conn ConnectionID) (MemberID, error)
	LocalIdentity(conn ConnectionID) (string, error)
	CurrentChannel(conn ConnectionID) (ChannelID, error)
	ChannelDescription(conn ConnectionID, channel ChannelID) (string, error)
	ChannelMembers(conn ConnectionID, channel ChannelID) ([]MemberID, error)
	MemberIdentity(conn ConnectionID, member MemberID) (string, error)

	SetMemberPosition(conn ConnectionID, member MemberID, pos Vector) error
	SetListenerOrientation(conn ConnectionID, center, forward, up Vector) error
	SetDistanceModel(conn ConnectionID, distanceFactor, rolloffScale float64) error
}

// hostError wraps a failed accessor call as HOST_ACCESSOR_ERROR.
func hostError(op string, conn ConnectionID, err error) *Error {
	if pe, ok := err.(*Error); ok && pe.Code == ErrCodeHostAccessor {
		if pe.Op == "" {
			pe.Op = op
		}
		return pe
	}
	return NewHostAccessorError("host accessor failed").
		WithCause(err).
		WithOp(op).
		AddDetail("connection", uint64(conn))
}
