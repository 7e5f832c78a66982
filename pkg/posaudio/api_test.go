package posaudio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRemoteTunables(t *testing.T) {
	rt, err := DecodeRemoteTunables([]byte(`{
		"cutoffDistance": 80,
		"attenuationCoefficient": 4,
		"safeZoneSize": 10,
		"unregisteredCanBroadcast": false
	}`))
	require.Nil(t, err)
	assert.Equal(t, RemoteTunables{
		CutoffDistance:           80,
		AttenuationCoefficient:   4,
		SafeZoneSize:             10,
		UnregisteredCanBroadcast: false,
	}, rt)
}

func TestDecodeRemoteTunablesRejects(t *testing.T) {
	tests := map[string]string{
		"not json":           `cutoff=80`,
		"array":              `[1,2,3]`,
		"null":               `null`,
		"missing field":      `{"cutoffDistance": 80, "attenuationCoefficient": 4, "safeZoneSize": 10}`,
		"null field":         `{"cutoffDistance": null, "attenuationCoefficient": 4, "safeZoneSize": 10, "unregisteredCanBroadcast": true}`,
		"mistyped number":    `{"cutoffDistance": "80", "attenuationCoefficient": 4, "safeZoneSize": 10, "unregisteredCanBroadcast": true}`,
		"mistyped bool":      `{"cutoffDistance": 80, "attenuationCoefficient": 4, "safeZoneSize": 10, "unregisteredCanBroadcast": "yes"}`,
		"zero coefficient":   `{"cutoffDistance": 80, "attenuationCoefficient": 0, "safeZoneSize": 10, "unregisteredCanBroadcast": true}`,
		"cutoff inside zone": `{"cutoffDistance": 10, "attenuationCoefficient": 4, "safeZoneSize": 10, "unregisteredCanBroadcast": true}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRemoteTunables([]byte(body))
			require.NotNil(t, err)
			assert.Equal(t, ErrCodeRemoteParse, err.Code)
		})
	}
}

func TestDecodePositionSnapshot(t *testing.T) {
	snap, err := DecodePositionSnapshot([]byte(`{
		"alice": [1, 2, 3],
		"me": [0, 64, 0, 0.1, 1.5],
		"bob": "unregistered",
		"carol": [1, 2],
		"dave": null,
		"erin": [1, "x", 3]
	}`))
	require.Nil(t, err)
	require.Len(t, snap.Entries, 6)

	alice, ok := snap.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, PositionEntry{Kind: EntryPosition, X: 1, Y: 2, Z: 3}, alice)

	me, _ := snap.Lookup("me")
	assert.Equal(t, PositionEntry{Kind: EntryOriented, X: 0, Y: 64, Z: 0, Pitch: 0.1, Yaw: 1.5}, me)

	for _, id := range []string{"bob", "carol", "erin"} {
		e, ok := snap.Lookup(id)
		require.True(t, ok, id)
		assert.Equal(t, EntryUnregistered, e.Kind, id)
	}

	_, ok = snap.Lookup("nobody")
	assert.False(t, ok)
}

func TestDecodePositionSnapshotEmpty(t *testing.T) {
	snap, err := DecodePositionSnapshot([]byte(`{}`))
	require.Nil(t, err)
	assert.True(t, snap.Empty())
}

func TestDecodePositionSnapshotRejectsNonObject(t *testing.T) {
	for _, body := range []string{``, `null`, `[]`, `"x"`, `{"a":`} {
		_, err := DecodePositionSnapshot([]byte(body))
		require.NotNil(t, err, body)
		assert.Equal(t, ErrCodeRemoteParse, err.Code)
	}
}

func TestHostPositionNegatesX(t *testing.T) {
	e := PositionEntry{Kind: EntryPosition, X: 3, Y: 4, Z: 5}
	assert.Equal(t, Vector{X: -3, Y: 4, Z: 5}, e.HostPosition())
}

func newPositionServer(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAPIClient(srv.URL, time.Second, map[string]string{"X-Test": "1"})
}

func TestAPIClientFetchPositions(t *testing.T) {
	client := newPositionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RequestPath, r.URL.Path)
		assert.Equal(t, "me=1&2", r.URL.Query().Get("id"))
		assert.Equal(t, "1", r.Header.Get("X-Test"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"alice": [1, 2, 3]}`))
	})

	snap, err := client.FetchPositions(context.Background(), "me=1&2")
	require.NoError(t, err)
	alice, ok := snap.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, EntryPosition, alice.Kind)
}

func TestAPIClientFetchConfig(t *testing.T) {
	client := newPositionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ConfigPath, r.URL.Path)
		w.Write([]byte(`{"cutoffDistance": 100, "attenuationCoefficient": 2, "safeZoneSize": 5, "unregisteredCanBroadcast": true}`))
	})

	rt, err := client.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, rt.CutoffDistance)
	assert.Equal(t, 2.0, rt.AttenuationCoefficient)
	assert.True(t, rt.UnregisteredCanBroadcast)
}

func TestAPIClientNon2xx(t *testing.T) {
	client := newPositionServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})

	_, err := client.FetchPositions(context.Background(), "me")
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeRemoteFetch))

	pe := err.(*Error)
	status, ok := pe.GetDetail("status_code")
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "fetch_positions", pe.Op)
}

func TestAPIClientMalformedBody(t *testing.T) {
	client := newPositionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := client.FetchPositions(context.Background(), "me")
	assert.True(t, IsErrorCode(err, ErrCodeRemoteParse))

	_, err = client.FetchConfig(context.Background())
	assert.True(t, IsErrorCode(err, ErrCodeRemoteParse))
}

func TestAPIClientTimeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(done)

	client := NewAPIClient(srv.URL, 50*time.Millisecond, nil)
	_, err := client.FetchPositions(context.Background(), "me")
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeRemoteFetch))
	assert.True(t, IsRetryableError(err.(*Error)))
}

func TestAPIClientConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewAPIClient(url, time.Second, nil)
	_, err := client.FetchConfig(context.Background())
	assert.True(t, IsErrorCode(err, ErrCodeRemoteFetch))
}
