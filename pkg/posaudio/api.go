package posaudio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	ConfigPath  = "/config"
	RequestPath = "/request"

	maxResponseBytes = 1 << 20
)

// APIClient talks to one position server.
type APIClient struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
}

// NewAPIClient creates a client for baseURL ("http://host:port"). Every
// request is bounded by timeout.
func NewAPIClient(baseURL string, timeout time.Duration, headers map[string]string) *APIClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &APIClient{
		baseURL: baseURL,
		headers: headers,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// NewAPIClientForConfig builds a client for a discovered RemoteConfig.
func NewAPIClientForConfig(rc RemoteConfig, timeout time.Duration, headers map[string]string) *APIClient {
	return NewAPIClient(rc.BaseURL(), timeout, headers)
}

func (ac *APIClient) BaseURL() string {
	return ac.baseURL
}

func (ac *APIClient) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	endpoint := ac.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewRemoteFetchError("invalid request").WithCause(err).WithOp(op).AddDetail("url", endpoint)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "PosAudio-Go/1.0")
	for k, v := range ac.headers {
		req.Header.Set(k, v)
	}

	resp, err := ac.httpClient.Do(req)
	if err != nil {
		return nil, NewRemoteFetchError("request failed").WithCause(err).WithOp(op).AddDetail("url", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewRemoteFetchError("reading response failed").WithCause(err).WithOp(op).AddDetail("url", endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewRemoteFetchError(fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithOp(op).
			AddDetail("url", endpoint).
			AddDetail("status_code", resp.StatusCode)
	}

	return body, nil
}

// FetchConfig queries GET /config. Missing or mistyped fields reject the
// whole response.
func (ac *APIClient) FetchConfig(ctx context.Context) (RemoteTunables, error) {
	body, err := ac.get(ctx, "fetch_config", ConfigPath, nil)
	if err != nil {
		return RemoteTunables{}, err
	}
	rt, perr := DecodeRemoteTunables(body)
	if perr != nil {
		return RemoteTunables{}, perr.WithOp("fetch_config")
	}
	return rt, nil
}

// FetchPositions queries GET /request?id=<identity>.
func (ac *APIClient) FetchPositions(ctx context.Context, identity string) (PositionSnapshot, error) {
	body, err := ac.get(ctx, "fetch_positions", RequestPath, url.Values{"id": []string{identity}})
	if err != nil {
		return PositionSnapshot{}, err
	}
	snap, perr := DecodePositionSnapshot(body)
	if perr != nil {
		return PositionSnapshot{}, perr.WithOp("fetch_positions")
	}
	return snap, nil
}

// DecodeRemoteTunables validates and decodes a /config body.
func DecodeRemoteTunables(body []byte) (RemoteTunables, *Error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return RemoteTunables{}, NewRemoteParseError("config is not a JSON object").WithCause(err)
	}

	var rt RemoteTunables
	fields := []struct {
		name string
		dst  interface{}
	}{
		{"cutoffDistance", &rt.CutoffDistance},
		{"attenuationCoefficient", &rt.AttenuationCoefficient},
		{"safeZoneSize", &rt.SafeZoneSize},
		{"unregisteredCanBroadcast", &rt.UnregisteredCanBroadcast},
	}
	for _, f := range fields {
		msg, ok := raw[f.name]
		if !ok || string(msg) == "null" {
			return RemoteTunables{}, NewRemoteParseError("missing config field").AddDetail("field", f.name)
		}
		if err := json.Unmarshal(msg, f.dst); err != nil {
			return RemoteTunables{}, NewRemoteParseError("malformed config field").WithCause(err).AddDetail("field", f.name)
		}
	}

	if err := rt.Validate(); err != nil {
		return RemoteTunables{}, err
	}
	return rt, nil
}

// DecodePositionSnapshot validates and decodes a /request body. The body
// must be a JSON object. Values that are numeric arrays of length 3 or 5
// become positions; any other value is recorded as unregistered.
func DecodePositionSnapshot(body []byte) (PositionSnapshot, *Error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return PositionSnapshot{}, NewRemoteParseError("positions are not a JSON object").WithCause(err)
	}

	snap := PositionSnapshot{Entries: make(map[string]PositionEntry, len(raw))}
	for identity, msg := range raw {
		snap.Entries[identity] = decodeEntry(msg)
	}
	return snap, nil
}

func decodeEntry(msg json.RawMessage) PositionEntry {
	var coords []float64
	if err := json.Unmarshal(msg, &coords); err != nil {
		return PositionEntry{Kind: EntryUnregistered}
	}
	switch len(coords) {
	case 3:
		return PositionEntry{Kind: EntryPosition, X: coords[0], Y: coords[1], Z: coords[2]}
	case 5:
		return PositionEntry{
			Kind:  EntryOriented,
			X:     coords[0],
			Y:     coords[1],
			Z:     coords[2],
			Pitch: coords[3],
			Yaw:   coords[4],
		}
	}
	return PositionEntry{Kind: EntryUnregistered}
}
