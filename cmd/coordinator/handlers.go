package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/parlor/internal/cluster"
)

// routes builds the coordinator's HTTP surface.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Node membership.
	mux.HandleFunc("POST /register", s.handleRegisterNode)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /nodes/{id}/sessions", s.handleNodeSessions)

	// Session authentication.
	mux.HandleFunc("POST /session/register", s.handleSessionRegister)
	mux.HandleFunc("POST /session/login", s.handleSessionLogin)
	mux.HandleFunc("GET /users", s.handleListUsers)

	// Asset registry and replication.
	mux.HandleFunc("POST /assets/reserve", s.handleReserve)
	mux.HandleFunc("POST /assets/append", s.handleAppend)
	mux.HandleFunc("POST /assets/finalize", s.handleFinalize)
	mux.HandleFunc("GET /assets", s.handleListAssets)
	mux.HandleFunc("POST /replicate", s.handleReplicate)

	// Playback rooms.
	mux.HandleFunc("POST /rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /rooms", s.handleListRooms)
	mux.HandleFunc("GET /rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /rooms/{id}/sync", s.handleSyncRoom)

	return mux
}

func (s *server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var hello cluster.NodeHello
	if !decodeJSON(w, r, &hello) {
		return
	}
	if hello.Addr == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}
	welcome, err := s.membership.RegisterNode(r.Context(), hello)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, welcome)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.membership.Nodes()
	writeJSON(w, cluster.NodesResponse{Nodes: nodes, Count: len(nodes)})
}

func (s *server) handleNodeSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sessions, err := s.membership.SessionsFor(id)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.SessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *server) handleSessionRegister(w http.ResponseWriter, r *http.Request) {
	identity, ok := decodeIdentity(w, r)
	if !ok {
		return
	}
	epoch, err := s.membership.Register(r.Context(), identity)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.EpochResponse{Epoch: epoch})
}

func (s *server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	identity, ok := decodeIdentity(w, r)
	if !ok {
		return
	}
	epoch, err := s.membership.Login(r.Context(), identity)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.EpochResponse{Epoch: epoch})
}

func (s *server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.membership.Users()
	writeJSON(w, cluster.UsersResponse{Users: users, Count: len(users)})
}

func (s *server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reserved, err := s.store.Reserve(req.Name, req.Owner)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, cluster.ReserveResponse{Reserved: reserved})
}

func (s *server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req cluster.AppendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.Append(req.Name, req.Owner, req.Chunk); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req cluster.FinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.Finalize(req.Name, req.Owner); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListAssets(w http.ResponseWriter, _ *http.Request) {
	names := s.store.List()
	writeJSON(w, cluster.AssetsResponse{Assets: names, Count: len(names)})
}

// handleReplicate starts a coordinator-to-edge transfer. The duplicate check
// and the asset lookup happen before the response; the chunk stream itself
// runs in its own task.
func (s *server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReplicateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := s.membership.NodeAddr(req.NodeID)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	dest := cluster.NewReplicaClient(addr, req.NodeID, s.membership.Epoch())
	if err := s.pipeline.Start(context.Background(), req.Name, dest); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCreateRoom appends a room and pushes an added-to-room notice to
// every viewer's session except the creator, who learns the ID from the
// response.
func (s *server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req cluster.CreateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Asset == "" || req.Owner == "" {
		http.Error(w, "missing asset/owner", http.StatusBadRequest)
		return
	}

	created := s.rooms.Create(req.Asset, req.Owner, req.Viewers)
	s.metrics.RoomsCreated.Inc()

	for _, viewer := range created.Viewers {
		if viewer == created.Owner {
			continue
		}
		identity, ok := s.membership.Lookup(viewer)
		if !ok {
			continue
		}
		go func(addr, viewer string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := cluster.NewSessionClient(addr).NotifyRoom(ctx, created); err != nil {
				s.logger.Warn("room notice push failed",
					zap.Int("room_id", created.ID), zap.String("viewer", viewer), zap.Error(err))
			}
		}(identity.Addr, viewer)
	}

	writeJSON(w, created)
}

func (s *server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.rooms.ListFor(r.URL.Query().Get("user"))
	writeJSON(w, cluster.RoomsResponse{Rooms: rooms, Count: len(rooms)})
}

func (s *server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	roomState, err := s.rooms.Get(id)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	writeJSON(w, roomState)
}

func (s *server) handleSyncRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cluster.SyncRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.rooms.Sync(id, req.Time, req.Paused); err != nil {
		cluster.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeIdentity(w http.ResponseWriter, r *http.Request) (cluster.SessionIdentity, bool) {
	var identity cluster.SessionIdentity
	if !decodeJSON(w, r, &identity) {
		return identity, false
	}
	if identity.Username == "" || identity.Addr == "" {
		http.Error(w, "missing username/addr", http.StatusBadRequest)
		return identity, false
	}
	return identity, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
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
