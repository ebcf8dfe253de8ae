package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Timing and sizing defaults shared by both processes. Each is a default for
// a config knob, not a hard constant, so tests can run them in milliseconds.
const (
	// DefaultChunkSize is the payload size of one transfer message.
	DefaultChunkSize = 16 << 20

	// DefaultProbeInterval is the initial liveness-probe period. The period
	// is halved after every consecutive failure.
	DefaultProbeInterval = 16 * time.Second

	// DefaultMaxProbeFailures is the consecutive-failure count after which a
	// node is evicted.
	DefaultMaxProbeFailures = 3

	// DefaultRoomStaleAfter is how long an unpaused room may go without a
	// sync before reads force it into the paused state.
	DefaultRoomStaleAfter = 3500 * time.Millisecond

	// DefaultReservationTTL is how long an unfinished asset reservation
	// survives without writes before it may be reclaimed.
	DefaultReservationTTL = time.Minute

	// DefaultSyncInterval is the edge node's cadence for polling the
	// coordinator's finished-asset list.
	DefaultSyncInterval = 7 * time.Second

	// DefaultReconnectDelay is the edge node's pause between registration
	// attempts while the coordinator is unreachable.
	DefaultReconnectDelay = 2 * time.Second
)

// SessionIdentity identifies one connected client session: the callback
// endpoint the cluster pushes into, plus its credentials. Username is unique
// and immutable for the session's lifetime.
type SessionIdentity struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// NodeHello is an edge node's registration request. ID and Epoch echo the
// node's previous registration; an epoch mismatch or unknown ID marks the
// candidate as new.
type NodeHello struct {
	Addr  string `json:"addr"`
	ID    int    `json:"id"`
	Epoch int64  `json:"epoch"`
}

// NodeWelcome carries the identity the coordinator settled on. It doubles as
// the assign-id push body.
type NodeWelcome struct {
	ID    int   `json:"id"`
	Epoch int64 `json:"epoch"`
}

// NodeInfo describes a registered edge node for listing endpoints.
type NodeInfo struct {
	Addr     string `json:"addr"`
	ID       int    `json:"id"`
	Sessions int    `json:"sessions"`
}

// AssignmentNotice tells a session which edge node serves it from now on.
type AssignmentNotice struct {
	NodeAddr string `json:"node_addr"`
	NodeID   int    `json:"node_id"`
	Epoch    int64  `json:"epoch"`
}

// Chunk is one opaque slice of an asset transfer. Data is never interpreted,
// only appended at the destination in arrival order. Size is the valid prefix
// of Data.
type Chunk struct {
	Data []byte `json:"data"`
	Size int    `json:"size"`
}

// Room is the wire form of a playback room. Time is the playback offset in
// milliseconds.
type Room struct {
	Asset   string   `json:"asset"`
	Owner   string   `json:"owner"`
	Viewers []string `json:"viewers"`
	ID      int      `json:"id"`
	Time    int64    `json:"time"`
	Paused  bool     `json:"paused"`
}

// Request bodies for the asset, replication, and room operations.
type (
	ReserveRequest struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
	}

	AppendRequest struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
		Chunk Chunk  `json:"chunk"`
	}

	FinalizeRequest struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
	}

	ReplicateRequest struct {
		Name   string `json:"name"`
		NodeID int    `json:"node_id"`
	}

	// ChunkPush and CommitPush carry the replica stamp on the
	// coordinator-to-edge hop: the destination identity the stream was
	// issued for. The edge rejects pushes stamped for a previous identity,
	// so a stream that straddles a re-registration aborts instead of
	// committing a truncated replica. Session-bound pushes leave the stamp
	// zero.
	ChunkPush struct {
		Name   string `json:"name"`
		Chunk  Chunk  `json:"chunk"`
		NodeID int    `json:"node_id"`
		Epoch  int64  `json:"epoch"`
	}

	CommitPush struct {
		Name   string `json:"name"`
		NodeID int    `json:"node_id"`
		Epoch  int64  `json:"epoch"`
	}

	CreateRoomRequest struct {
		Asset   string   `json:"asset"`
		Owner   string   `json:"owner"`
		Viewers []string `json:"viewers"`
	}

	SyncRoomRequest struct {
		Time   int64 `json:"time"`
		Paused bool  `json:"paused"`
	}

	DownloadRequest struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	}
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// PostJSON posts body to url and decodes the response into out (skipped when
// out is nil). Non-2xx responses are rebuilt into cluster errors where the
// body carries the standard envelope.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeError(resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
