package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
	"github.com/dreamware/parlor/internal/config"
	"github.com/dreamware/parlor/internal/edge"
	"github.com/dreamware/parlor/internal/metrics"
)

// fakeViewer stands in for one client session process: it records the pushes
// the cluster makes into its callback endpoint and reassembles downloads.
type fakeViewer struct {
	mu       sync.Mutex
	notices  []cluster.AssignmentNotice
	rooms    []cluster.Room
	download bytes.Buffer
	commits  []string

	srv *httptest.Server
}

func newFakeViewer(t *testing.T) *fakeViewer {
	v := &fakeViewer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /assign", func(w http.ResponseWriter, r *http.Request) {
		var notice cluster.AssignmentNotice
		_ = json.NewDecoder(r.Body).Decode(&notice)
		v.mu.Lock()
		v.notices = append(v.notices, notice)
		v.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /rooms/notify", func(w http.ResponseWriter, r *http.Request) {
		var room cluster.Room
		_ = json.NewDecoder(r.Body).Decode(&room)
		v.mu.Lock()
		v.rooms = append(v.rooms, room)
		v.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /download/chunk", func(w http.ResponseWriter, r *http.Request) {
		var push cluster.ChunkPush
		_ = json.NewDecoder(r.Body).Decode(&push)
		v.mu.Lock()
		v.download.Write(push.Chunk.Data[:push.Chunk.Size])
		v.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /download/commit", func(w http.ResponseWriter, r *http.Request) {
		var push cluster.CommitPush
		_ = json.NewDecoder(r.Body).Decode(&push)
		v.mu.Lock()
		v.commits = append(v.commits, push.Name)
		v.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeViewer) latestNotice() (cluster.AssignmentNotice, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.notices) == 0 {
		return cluster.AssignmentNotice{}, false
	}
	return v.notices[len(v.notices)-1], true
}

func (v *fakeViewer) downloaded() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.download.String(), len(v.commits) > 0
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestEndToEnd runs a coordinator and an edge node in process and walks the
// whole path: node registration, session assignment, a chunked upload through
// the node, cache replication down to the node, a download pushed into the
// session, and a playback room.
func TestEndToEnd(t *testing.T) {
	cfg := config.DefaultCoordinator()
	cfg.DataDir = t.TempDir()
	cfg.ChunkSize = 8 // several chunks even for tiny payloads

	srv, err := newServer(cfg, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.membership.Close)

	coordSrv := httptest.NewServer(srv.routes())
	t.Cleanup(coordSrv.Close)

	// The node's public address must exist before the node does; a small
	// delegating handler breaks the cycle.
	var nodeHandler http.Handler
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(nodeSrv.Close)

	edgeCfg := config.DefaultEdge()
	edgeCfg.CoordinatorAddr = coordSrv.URL
	edgeCfg.PublicAddr = nodeSrv.URL
	edgeCfg.DataDir = t.TempDir()
	edgeCfg.ChunkSize = 8
	edgeCfg.SyncInterval = 20 * time.Millisecond
	edgeCfg.ReconnectDelay = 20 * time.Millisecond

	node := edge.NewNode(edgeCfg, metrics.NewNop(), zap.NewNop())
	nodeHandler = node.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = node.Run(ctx) }()

	waitFor(t, func() bool { return len(srv.membership.Nodes()) == 1 },
		"node never registered")

	coord := cluster.NewCoordinatorClient(coordSrv.URL)

	// A session registers and gets pushed its node assignment.
	alice := newFakeViewer(t)
	epoch, err := coord.RegisterSession(ctx, cluster.SessionIdentity{
		Addr: alice.srv.URL, Username: "alice", Password: "pw",
	})
	require.NoError(t, err)
	require.Equal(t, srv.membership.Epoch(), epoch)

	waitFor(t, func() bool {
		notice, ok := alice.latestNotice()
		return ok && notice.NodeAddr == nodeSrv.URL
	}, "session never learned its node")

	// Upload through the node's relay surface.
	nodeClient := cluster.NewCoordinatorClient(nodeSrv.URL)
	reserved, err := nodeClient.ReserveAsset(ctx, "movie.mp4", "alice")
	require.NoError(t, err)
	require.True(t, reserved)

	payload := []byte("a watch party needs something to watch")
	for i := 0; i < len(payload); i += 8 {
		end := i + 8
		if end > len(payload) {
			end = len(payload)
		}
		chunk := cluster.Chunk{Data: payload[i:end], Size: end - i}
		require.NoError(t, nodeClient.AppendChunk(ctx, "movie.mp4", "alice", chunk))
	}
	require.NoError(t, nodeClient.FinalizeAsset(ctx, "movie.mp4", "alice"))

	// The node's sync loop notices the finished asset and pulls a replica.
	edgeClient := cluster.NewEdgeClient(nodeSrv.URL)
	waitFor(t, func() bool {
		resp, err := http.Get(nodeSrv.URL + "/assets")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var assets cluster.AssetsResponse
		if json.NewDecoder(resp.Body).Decode(&assets) != nil {
			return false
		}
		return len(assets.Assets) == 1 && assets.Assets[0] == "movie.mp4"
	}, "replica never reached the node")
	_, err = edgeClient.Status(ctx)
	require.NoError(t, err)

	// Download: the node streams its cached copy into the session.
	raw, err := json.Marshal(cluster.DownloadRequest{Name: "movie.mp4", Username: "alice"})
	require.NoError(t, err)
	resp, err := http.Post(nodeSrv.URL+"/download/request", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitFor(t, func() bool {
		_, committed := alice.downloaded()
		return committed
	}, "download never committed")
	got, _ := alice.downloaded()
	require.Equal(t, string(payload), got)

	// Rooms work through the node's relay as well.
	room, err := nodeClient.CreateRoom(ctx, cluster.CreateRoomRequest{
		Asset: "movie.mp4", Owner: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, 1, room.ID)

	require.NoError(t, nodeClient.SyncRoom(ctx, room.ID, 12_000, false))
	got2, err := nodeClient.Room(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, int64(12_000), got2.Time)
	require.False(t, got2.Paused)
}
