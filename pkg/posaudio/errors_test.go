package posaudio

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := NewRemoteFetchError("request failed").
		WithOp("fetch_positions").
		WithCause(errors.New("connection refused")).
		AddDetail("url", "http://srv:9000/request").
		AddDetail("connection", 1)

	assert.Equal(t,
		"fetch_positions: request failed: connection refused (REMOTE_FETCH_ERROR) [connection=1 url=http://srv:9000/request]",
		err.Error())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewHostAccessorError("host accessor failed").WithOp("member_identity")
	assert.True(t, errors.Is(err, ErrHostAccessor))
	assert.False(t, errors.Is(err, ErrRemoteFetch))

	wrapped := fmt.Errorf("tick: %w", err)
	assert.True(t, errors.Is(wrapped, ErrHostAccessor))
	assert.True(t, IsErrorCode(wrapped, ErrCodeHostAccessor))
}

func TestErrorUnwrapReachesCause(t *testing.T) {
	cause := errors.New("boom")
	err := hostError("current_channel", 2, cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "current_channel", err.Op)

	conn, ok := err.GetDetail("connection")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), conn)
}

func TestHostErrorWrapsBridgeFailure(t *testing.T) {
	bridgeErr := NewBridgeError("call timed out").WithOp(MethodChannelMembers)
	err := hostError("channel_members", 1, bridgeErr)
	assert.Equal(t, ErrCodeHostAccessor, err.Code)
	assert.True(t, errors.Is(err, ErrBridge))
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError(nil, ErrCodeUnknown))

	pe := NewRemoteParseError("bad")
	assert.Same(t, pe, WrapError(pe, ErrCodeUnknown))

	plain := errors.New("plain")
	wrapped := WrapError(plain, ErrCodeBridge)
	assert.Equal(t, ErrCodeBridge, wrapped.Code)
	assert.Equal(t, "plain", wrapped.Message)
	assert.True(t, errors.Is(wrapped, plain))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(NewRemoteFetchError("x")))
	assert.True(t, IsRetryableError(NewRemoteParseError("x")))
	assert.True(t, IsRetryableError(NewHostAccessorError("x")))
	assert.False(t, IsRetryableError(NewConfigParseError("x")))
	assert.False(t, IsRetryableError(NewAuthError("x")))
	assert.False(t, IsRetryableError(nil))
}
