package cluster

import (
	"context"
	"fmt"
	"strings"
)

// Response envelopes for the listing and login operations.
type (
	EpochResponse struct {
		Epoch int64 `json:"epoch"`
	}

	ReserveResponse struct {
		Reserved bool `json:"reserved"`
	}

	AssetsResponse struct {
		Assets []string `json:"assets"`
		Count  int      `json:"count"`
	}

	UsersResponse struct {
		Users []string `json:"users"`
		Count int      `json:"count"`
	}

	RoomsResponse struct {
		Rooms []Room `json:"rooms"`
		Count int    `json:"count"`
	}

	SessionsResponse struct {
		Sessions []string `json:"sessions"`
		Count    int      `json:"count"`
	}

	NodesResponse struct {
		Nodes []NodeInfo `json:"nodes"`
		Count int        `json:"count"`
	}
)

// normalizeBase accepts both "host:port" and full URLs and returns a base URL
// without a trailing slash.
func normalizeBase(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// CoordinatorClient is the capability reference to the coordinator, used by
// edge nodes directly and by sessions through their edge relay.
type CoordinatorClient struct {
	base string
}

// NewCoordinatorClient returns a client for the coordinator at addr.
func NewCoordinatorClient(addr string) *CoordinatorClient {
	return &CoordinatorClient{base: normalizeBase(addr)}
}

// Addr returns the coordinator's base URL.
func (c *CoordinatorClient) Addr() string { return c.base }

// RegisterNode announces an edge node and returns the identity the
// coordinator settled on.
func (c *CoordinatorClient) RegisterNode(ctx context.Context, hello NodeHello) (NodeWelcome, error) {
	var welcome NodeWelcome
	err := PostJSON(ctx, c.base+"/register", hello, &welcome)
	return welcome, err
}

// RegisterSession creates a new session and returns the current epoch.
func (c *CoordinatorClient) RegisterSession(ctx context.Context, s SessionIdentity) (int64, error) {
	var resp EpochResponse
	err := PostJSON(ctx, c.base+"/session/register", s, &resp)
	return resp.Epoch, err
}

// LoginSession re-authenticates an existing session and returns the current
// epoch.
func (c *CoordinatorClient) LoginSession(ctx context.Context, s SessionIdentity) (int64, error) {
	var resp EpochResponse
	err := PostJSON(ctx, c.base+"/session/login", s, &resp)
	return resp.Epoch, err
}

// ReserveAsset claims a name for owner. A false result means the name is in
// active or completed use by someone else.
func (c *CoordinatorClient) ReserveAsset(ctx context.Context, name, owner string) (bool, error) {
	var resp ReserveResponse
	err := PostJSON(ctx, c.base+"/assets/reserve", ReserveRequest{Name: name, Owner: owner}, &resp)
	return resp.Reserved, err
}

// AppendChunk appends one chunk to the named asset's in-progress copy.
func (c *CoordinatorClient) AppendChunk(ctx context.Context, name, owner string, chunk Chunk) error {
	return PostJSON(ctx, c.base+"/assets/append", AppendRequest{Name: name, Owner: owner, Chunk: chunk}, nil)
}

// FinalizeAsset marks the named asset finished and listable.
func (c *CoordinatorClient) FinalizeAsset(ctx context.Context, name, owner string) error {
	return PostJSON(ctx, c.base+"/assets/finalize", FinalizeRequest{Name: name, Owner: owner}, nil)
}

// ListAssets returns the names of all finished assets on the coordinator.
func (c *CoordinatorClient) ListAssets(ctx context.Context) ([]string, error) {
	var resp AssetsResponse
	err := GetJSON(ctx, c.base+"/assets", &resp)
	return resp.Assets, err
}

// RequestReplication asks the coordinator to stream the named asset to the
// identified edge node.
func (c *CoordinatorClient) RequestReplication(ctx context.Context, name string, nodeID int) error {
	return PostJSON(ctx, c.base+"/replicate", ReplicateRequest{Name: name, NodeID: nodeID}, nil)
}

// CreateRoom registers a new playback room and returns it with its assigned
// ID.
func (c *CoordinatorClient) CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error) {
	var room Room
	err := PostJSON(ctx, c.base+"/rooms", req, &room)
	return room, err
}

// Room reads a room's current playback state.
func (c *CoordinatorClient) Room(ctx context.Context, id int) (Room, error) {
	var room Room
	err := GetJSON(ctx, fmt.Sprintf("%s/rooms/%d", c.base, id), &room)
	return room, err
}

// SyncRoom overwrites a room's playback offset and paused flag.
func (c *CoordinatorClient) SyncRoom(ctx context.Context, id int, time int64, paused bool) error {
	return PostJSON(ctx, fmt.Sprintf("%s/rooms/%d/sync", c.base, id), SyncRoomRequest{Time: time, Paused: paused}, nil)
}

// RoomsFor returns every room the given username is a viewer of.
func (c *CoordinatorClient) RoomsFor(ctx context.Context, username string) ([]Room, error) {
	var resp RoomsResponse
	err := GetJSON(ctx, c.base+"/rooms?user="+username, &resp)
	return resp.Rooms, err
}

// Users returns every registered username, assigned or pooled.
func (c *CoordinatorClient) Users(ctx context.Context) ([]string, error) {
	var resp UsersResponse
	err := GetJSON(ctx, c.base+"/users", &resp)
	return resp.Users, err
}

// SessionsForNode returns the usernames currently assigned to a node.
func (c *CoordinatorClient) SessionsForNode(ctx context.Context, nodeID int) ([]string, error) {
	var resp SessionsResponse
	err := GetJSON(ctx, fmt.Sprintf("%s/nodes/%d/sessions", c.base, nodeID), &resp)
	return resp.Sessions, err
}

// EdgeClient is the capability reference the coordinator holds for a
// registered edge node. It doubles as a replication destination when built
// with NewReplicaClient.
type EdgeClient struct {
	base string

	// Destination identity stamped on chunk and commit pushes. Zero for
	// clients built with NewEdgeClient, which are never used as transfer
	// destinations.
	nodeID  int
	epoch   int64
	stamped bool
}

// NewEdgeClient returns a client for the edge node at addr.
func NewEdgeClient(addr string) *EdgeClient {
	return &EdgeClient{base: normalizeBase(addr)}
}

// NewReplicaClient returns an edge client whose replica pushes are stamped
// with the destination identity the stream was issued for. The edge node
// rejects pushes carrying a stale stamp, aborting the stream at its source.
func NewReplicaClient(addr string, nodeID int, epoch int64) *EdgeClient {
	return &EdgeClient{base: normalizeBase(addr), nodeID: nodeID, epoch: epoch, stamped: true}
}

// Key identifies this destination for duplicate-transfer suppression. Stamped
// clients include the destination identity, so a stream issued under a
// previous identity never suppresses the replacement stream.
func (c *EdgeClient) Key() string {
	if c.stamped {
		return fmt.Sprintf("%s#%d@%d", c.base, c.nodeID, c.epoch)
	}
	return c.base
}

// Status probes the node and returns the epoch it believes it belongs to.
func (c *EdgeClient) Status(ctx context.Context) (int64, error) {
	var resp EpochResponse
	err := GetJSON(ctx, c.base+"/status", &resp)
	return resp.Epoch, err
}

// SetAssignedID informs the node of its (re)assigned identity.
func (c *EdgeClient) SetAssignedID(ctx context.Context, welcome NodeWelcome) error {
	return PostJSON(ctx, c.base+"/control/assign-id", welcome, nil)
}

// AssignSession hands a session to the node; the node pushes the assignment
// notice on to the session itself.
func (c *EdgeClient) AssignSession(ctx context.Context, s SessionIdentity) error {
	return PostJSON(ctx, c.base+"/control/assign-session", s, nil)
}

// Reset clears any residual session and cache state on the node.
func (c *EdgeClient) Reset(ctx context.Context) error {
	return PostJSON(ctx, c.base+"/control/reset", struct{}{}, nil)
}

// WriteChunk delivers one replication chunk to the node's local cache.
func (c *EdgeClient) WriteChunk(ctx context.Context, name string, chunk Chunk) error {
	push := ChunkPush{Name: name, Chunk: chunk, NodeID: c.nodeID, Epoch: c.epoch}
	return PostJSON(ctx, c.base+"/replica/chunk", push, nil)
}

// Commit finalizes a replicated asset in the node's local cache.
func (c *EdgeClient) Commit(ctx context.Context, name string) error {
	return PostJSON(ctx, c.base+"/replica/commit", CommitPush{Name: name, NodeID: c.nodeID, Epoch: c.epoch}, nil)
}

// SessionClient is the capability reference to one session's callback
// endpoint. It doubles as a download destination.
type SessionClient struct {
	base string
}

// NewSessionClient returns a client for the session callback at addr.
func NewSessionClient(addr string) *SessionClient {
	return &SessionClient{base: normalizeBase(addr)}
}

// Key identifies this destination for duplicate-transfer suppression.
func (c *SessionClient) Key() string { return c.base }

// AssignNode tells the session which edge node serves it from now on.
func (c *SessionClient) AssignNode(ctx context.Context, notice AssignmentNotice) error {
	return PostJSON(ctx, c.base+"/assign", notice, nil)
}

// NotifyRoom tells the session it has been added to a room.
func (c *SessionClient) NotifyRoom(ctx context.Context, room Room) error {
	return PostJSON(ctx, c.base+"/rooms/notify", room, nil)
}

// WriteChunk delivers one download chunk to the session.
func (c *SessionClient) WriteChunk(ctx context.Context, name string, chunk Chunk) error {
	return PostJSON(ctx, c.base+"/download/chunk", ChunkPush{Name: name, Chunk: chunk}, nil)
}

// Commit tells the session the named download is complete.
func (c *SessionClient) Commit(ctx context.Context, name string) error {
	return PostJSON(ctx, c.base+"/download/commit", CommitPush{Name: name}, nil)
}
