// Package config loads the coordinator and edge-node configuration from an
// optional YAML file with environment-variable overrides.
//
// All duration fields accept standard Go duration strings like "16s" or
// "3500ms". Every timing knob defaults to the protocol values and only needs
// touching in tests or unusual deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/parlor/internal/cluster"
)

// Coordinator configures the coordinator binary.
type Coordinator struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir is where the coordinator keeps its asset blobs. Wiped at
	// startup; nothing persists across runs.
	DataDir string `yaml:"dataDir"`

	// ChunkSize is the transfer message payload size in bytes.
	ChunkSize int `yaml:"chunkSize"`

	// ProbeInterval is the initial liveness-probe period per node.
	ProbeInterval time.Duration `yaml:"probeInterval"`

	// ProbeTimeout bounds one status call during a probe.
	ProbeTimeout time.Duration `yaml:"probeTimeout"`

	// MaxProbeFailures is the consecutive-failure count that evicts a node.
	MaxProbeFailures int `yaml:"maxProbeFailures"`

	// ReservationTTL is the expiry window for unfinished asset reservations.
	ReservationTTL time.Duration `yaml:"reservationTtl"`

	// RoomStaleAfter is the silence window after which an unpaused room is
	// paused on read.
	RoomStaleAfter time.Duration `yaml:"roomStaleAfter"`
}

// Edge configures the edge-node binary.
type Edge struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// PublicAddr is the address the coordinator and sessions reach this node
	// on.
	PublicAddr string `yaml:"publicAddr"`

	// CoordinatorAddr is the coordinator's base URL. Required.
	CoordinatorAddr string `yaml:"coordinatorAddr"`

	// DataDir is the base directory for this node's asset cache; the node's
	// assigned ID is appended per registration generation.
	DataDir string `yaml:"dataDir"`

	// ChunkSize is the transfer message payload size in bytes.
	ChunkSize int `yaml:"chunkSize"`

	// SyncInterval is the cadence for polling the coordinator's asset list.
	SyncInterval time.Duration `yaml:"syncInterval"`

	// ReconnectDelay is the pause between registration attempts while the
	// coordinator is unreachable.
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

// DefaultCoordinator returns the coordinator defaults.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		Listen:           ":8080",
		DataDir:          "uploads/coordinator",
		ChunkSize:        cluster.DefaultChunkSize,
		ProbeInterval:    cluster.DefaultProbeInterval,
		ProbeTimeout:     5 * time.Second,
		MaxProbeFailures: cluster.DefaultMaxProbeFailures,
		ReservationTTL:   cluster.DefaultReservationTTL,
		RoomStaleAfter:   cluster.DefaultRoomStaleAfter,
	}
}

// DefaultEdge returns the edge-node defaults.
func DefaultEdge() Edge {
	return Edge{
		Listen:         ":8081",
		PublicAddr:     "http://127.0.0.1:8081",
		DataDir:        "uploads/edge",
		ChunkSize:      cluster.DefaultChunkSize,
		SyncInterval:   cluster.DefaultSyncInterval,
		ReconnectDelay: cluster.DefaultReconnectDelay,
	}
}

// LoadCoordinator reads the coordinator config. path may be empty, in which
// case only defaults and environment overrides apply.
func LoadCoordinator(path string) (Coordinator, error) {
	cfg := DefaultCoordinator()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = getenv("COORDINATOR_LISTEN", cfg.Listen)
	cfg.DataDir = getenv("COORDINATOR_DATA_DIR", cfg.DataDir)
	return cfg, nil
}

// LoadEdge reads the edge-node config. path may be empty, in which case only
// defaults and environment overrides apply. CoordinatorAddr must be set one
// way or the other.
func LoadEdge(path string) (Edge, error) {
	cfg := DefaultEdge()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = getenv("EDGE_LISTEN", cfg.Listen)
	cfg.PublicAddr = getenv("EDGE_ADDR", cfg.PublicAddr)
	cfg.CoordinatorAddr = getenv("COORDINATOR_ADDR", cfg.CoordinatorAddr)
	cfg.DataDir = getenv("EDGE_DATA_DIR", cfg.DataDir)

	if cfg.CoordinatorAddr == "" {
		return cfg, errors.New("coordinatorAddr not configured (set COORDINATOR_ADDR or the yaml field)")
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
