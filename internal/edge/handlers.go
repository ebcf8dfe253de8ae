package edge

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/asset"
	"github.com/dreamware/parlor/internal/cluster"
)

// Handler returns the node's HTTP surface: control endpoints for the
// coordinator, the replication receiving hop, and the session-facing mirrors
// of the coordinator's asset and room operations.
func (n *Node) Handler() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /status", n.handleStatus)
	mux.HandleFunc("GET /info", n.handleInfo)

	// Coordinator-facing control surface.
	mux.HandleFunc("POST /control/assign-id", n.handleAssignID)
	mux.HandleFunc("POST /control/assign-session", n.handleAssignSession)
	mux.HandleFunc("POST /control/reset", n.handleReset)

	// Replication receiving hop (coordinator -> this node).
	mux.HandleFunc("POST /replica/chunk", n.handleReplicaChunk)
	mux.HandleFunc("POST /replica/commit", n.handleReplicaCommit)

	// Session-facing surface.
	mux.HandleFunc("GET /assets", n.handleListAssets)
	mux.HandleFunc("POST /assets/reserve", n.handleReserve)
	mux.HandleFunc("POST /upload/chunk", n.handleUploadChunk)
	mux.HandleFunc("POST /upload/finalize", n.handleUploadFinalize)
	mux.HandleFunc("POST /download/request", n.handleDownloadRequest)
	mux.HandleFunc("POST /rooms", n.handleCreateRoom)
	mux.HandleFunc("GET /rooms", n.handleListRooms)
	mux.HandleFunc("GET /rooms/{id}", n.handleGetRoom)
	mux.HandleFunc("POST /rooms/{id}/sync", n.handleSyncRoom)
	mux.HandleFunc("GET /users", n.handleListUsers)

	return mux
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, cluster.EpochResponse{Epoch: n.Epoch()})
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	n.mu.Lock()
	id := n.id
	epoch := n.epoch
	sessions := len(n.sessions)
	store := n.store
	n.mu.Unlock()

	var assets int
	var bytes int64
	if store != nil {
		assets, bytes = store.Stats()
	}
	writeJSON(w, struct {
		NodeID   int   `json:"node_id"`
		Epoch    int64 `json:"epoch"`
		Sessions int   `json:"sessions"`
		Assets   int   `json:"assets"`
		Bytes    int64 `json:"bytes"`
	}{id, epoch, sessions, assets, bytes})
}

func (n *Node) handleAssignID(w http.ResponseWriter, r *http.Request) {
	var welcome cluster.NodeWelcome
	if !decodeJSON(w, r, &welcome) {
		return
	}
	if err := n.adopt(welcome); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleAssignSession(w http.ResponseWriter, r *http.Request) {
	var s cluster.SessionIdentity
	if !decodeJSON(w, r, &s) {
		return
	}
	n.mu.Lock()
	_, reassigned := n.sessions[s.Username]
	n.sessions[s.Username] = s
	notice := cluster.AssignmentNotice{NodeAddr: n.cfg.PublicAddr, NodeID: n.id, Epoch: n.epoch}
	n.mu.Unlock()

	n.logger.Info("session assigned",
		zap.String("username", s.Username), zap.Bool("reassigned", reassigned))

	if err := n.dialSession(s.Addr).AssignNode(r.Context(), notice); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleReset(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.sessions = make(map[string]cluster.SessionIdentity)
	n.requested = make(map[string]bool)
	n.mu.Unlock()

	n.logger.Info("residual state cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleReplicaChunk(w http.ResponseWriter, r *http.Request) {
	var push cluster.ChunkPush
	if !decodeJSON(w, r, &push) {
		return
	}
	store, err := n.replicaStore(push.NodeID, push.Epoch)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := store.CacheAppend(push.Name, push.Chunk); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleReplicaCommit(w http.ResponseWriter, r *http.Request) {
	var push cluster.CommitPush
	if !decodeJSON(w, r, &push) {
		return
	}
	store, err := n.replicaStore(push.NodeID, push.Epoch)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	if err := store.CacheCommit(push.Name); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// replicaStore returns the cache for inbound replica pushes stamped with the
// given destination identity. A stream issued for a previous identity gets
// ErrStaleGeneration on its next push and aborts without committing, so a
// fresh identity never inherits a truncated replica from the old one.
func (n *Node) replicaStore(nodeID int, epoch int64) (*asset.Store, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.registered || n.store == nil {
		return nil, cluster.ErrNotReady
	}
	if nodeID != n.id || epoch != n.epoch {
		return nil, cluster.Errorf(cluster.ErrStaleGeneration,
			"replica push stamped for node %d epoch %d, this node is %d epoch %d",
			nodeID, epoch, n.id, n.epoch)
	}
	return n.store, nil
}

func (n *Node) handleListAssets(w http.ResponseWriter, _ *http.Request) {
	store, _, err := n.runtime()
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	names := store.List()
	writeJSON(w, cluster.AssetsResponse{Assets: names, Count: len(names)})
}

func (n *Node) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reserved, err := n.coord.ReserveAsset(r.Context(), req.Name, req.Owner)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.ReserveResponse{Reserved: reserved})
}

func (n *Node) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	var req cluster.AppendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := n.coord.AppendChunk(r.Context(), req.Name, req.Owner, req.Chunk); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	var req cluster.FinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := n.coord.FinalizeAsset(r.Context(), req.Name, req.Owner); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadRequest starts an edge-to-session transfer of a locally
// cached asset. The transfer runs in its own task and outlives the request;
// it is tied to the node's registration lifetime, so a fresh identity
// cancels in-flight transfers.
func (n *Node) handleDownloadRequest(w http.ResponseWriter, r *http.Request) {
	_, pipeline, err := n.runtime()
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	var req cluster.DownloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n.mu.Lock()
	s, known := n.sessions[req.Username]
	ctx := n.transferCtx
	n.mu.Unlock()
	if !known {
		cluster.WriteError(w, cluster.Errorf(cluster.ErrStaleGeneration,
			"session %q is not assigned to this node", req.Username))
		return
	}

	if err := pipeline.Start(ctx, req.Name, n.dialSession(s.Addr)); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (n *Node) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req cluster.CreateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	room, err := n.coord.CreateRoom(r.Context(), req)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, room)
}

func (n *Node) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := n.coord.RoomsFor(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.RoomsResponse{Rooms: rooms, Count: len(rooms)})
}

func (n *Node) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	room, err := n.coord.Room(r.Context(), id)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, room)
}

func (n *Node) handleSyncRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req cluster.SyncRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := n.coord.SyncRoom(r.Context(), id, req.Time, req.Paused); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := n.coord.Users(r.Context())
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.UsersResponse{Users: users, Count: len(users)})
}

func roomID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
