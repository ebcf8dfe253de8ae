package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
	"github.com/dreamware/parlor/internal/config"
	"github.com/dreamware/parlor/internal/metrics"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	cfg := config.DefaultCoordinator()
	cfg.DataDir = t.TempDir()
	cfg.ChunkSize = 64

	srv, err := newServer(cfg, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.membership.Close)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t).routes()
	rec := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()
	alice := cluster.SessionIdentity{Addr: "http://session/alice", Username: "alice", Password: "pw"}

	var resp cluster.EpochResponse
	rec := doJSON(t, h, http.MethodPost, "/session/register", alice, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, srv.membership.Epoch(), resp.Epoch)

	// Duplicate username comes back as the conflict envelope.
	rec = doJSON(t, h, http.MethodPost, "/session/register", alice, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var ce cluster.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ce))
	require.Equal(t, "username_taken", ce.Code)

	// Login with the wrong password.
	bad := alice
	bad.Password = "nope"
	rec = doJSON(t, h, http.MethodPost, "/session/login", bad, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/session/login", alice, &resp)
	require.Equal(t, http.StatusOK, rec.Code)

	var users cluster.UsersResponse
	rec = doJSON(t, h, http.MethodGet, "/users", nil, &users)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"alice"}, users.Users)
}

func TestSessionRegisterValidation(t *testing.T) {
	h := newTestServer(t).routes()

	rec := doJSON(t, h, http.MethodPost, "/session/register",
		cluster.SessionIdentity{Username: "alice"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetUploadFlow(t *testing.T) {
	h := newTestServer(t).routes()

	var reserve cluster.ReserveResponse
	rec := doJSON(t, h, http.MethodPost, "/assets/reserve",
		cluster.ReserveRequest{Name: "movie.mp4", Owner: "alice"}, &reserve)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, reserve.Reserved)

	// A competing reservation is refused, not an error.
	rec = doJSON(t, h, http.MethodPost, "/assets/reserve",
		cluster.ReserveRequest{Name: "movie.mp4", Owner: "bob"}, &reserve)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, reserve.Reserved)

	rec = doJSON(t, h, http.MethodPost, "/assets/append", cluster.AppendRequest{
		Name: "movie.mp4", Owner: "alice",
		Chunk: cluster.Chunk{Data: []byte("bytes"), Size: 5},
	}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Appends from anyone but the reservation owner hit the conflict envelope.
	rec = doJSON(t, h, http.MethodPost, "/assets/append", cluster.AppendRequest{
		Name: "movie.mp4", Owner: "bob",
		Chunk: cluster.Chunk{Data: []byte("x"), Size: 1},
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var assets cluster.AssetsResponse
	rec = doJSON(t, h, http.MethodGet, "/assets", nil, &assets)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, assets.Assets, "unfinished uploads are not listed")

	rec = doJSON(t, h, http.MethodPost, "/assets/finalize",
		cluster.FinalizeRequest{Name: "movie.mp4", Owner: "alice"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/assets", nil, &assets)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"movie.mp4"}, assets.Assets)
}

func TestReplicateUnknownNode(t *testing.T) {
	h := newTestServer(t).routes()

	rec := doJSON(t, h, http.MethodPost, "/replicate",
		cluster.ReplicateRequest{Name: "movie.mp4", NodeID: 42}, nil)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestReplicateUnknownAsset(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()

	_, err := srv.membership.RegisterNode(context.Background(),
		cluster.NodeHello{Addr: "http://node-a.invalid"})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/replicate",
		cluster.ReplicateRequest{Name: "ghost.mp4", NodeID: 0}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoomEndpoints(t *testing.T) {
	h := newTestServer(t).routes()

	var created cluster.Room
	rec := doJSON(t, h, http.MethodPost, "/rooms", cluster.CreateRoomRequest{
		Asset: "movie.mp4", Owner: "alice", Viewers: []string{"bob"},
	}, &created)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, created.ID)
	require.Equal(t, []string{"alice", "bob"}, created.Viewers)

	rec = doJSON(t, h, http.MethodPost, "/rooms/1/sync",
		cluster.SyncRoomRequest{Time: 9000, Paused: true}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	var got cluster.Room
	rec = doJSON(t, h, http.MethodGet, "/rooms/1", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(9000), got.Time)
	require.True(t, got.Paused)

	var rooms cluster.RoomsResponse
	rec = doJSON(t, h, http.MethodGet, "/rooms?user=bob", nil, &rooms)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rooms.Rooms, 1)

	rec = doJSON(t, h, http.MethodGet, "/rooms?user=stranger", nil, &rooms)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rooms.Rooms)

	rec = doJSON(t, h, http.MethodGet, "/rooms/99", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/rooms/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRoomValidation(t *testing.T) {
	h := newTestServer(t).routes()

	rec := doJSON(t, h, http.MethodPost, "/rooms",
		cluster.CreateRoomRequest{Asset: "movie.mp4"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeEndpoints(t *testing.T) {
	srv := newTestServer(t)
	h := srv.routes()

	var nodes cluster.NodesResponse
	rec := doJSON(t, h, http.MethodGet, "/nodes", nil, &nodes)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, nodes.Nodes)

	rec = doJSON(t, h, http.MethodGet, "/nodes/0/sessions", nil, nil)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestBadJSONRejected(t *testing.T) {
	h := newTestServer(t).routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session/register",
		bytes.NewReader([]byte("{not json"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
