package server

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/isparth/Distributed-Systems/leader-election/internal/raft"
	"github.com/isparth/Distributed-Systems/leader-election/internal/types"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config is everything a node process needs, parsed from flags.
type Config struct {
	ID types.NodeID
	// Addr is the HTTP listen address for the admin API and, with the HTTP
	// transport, the raft RPCs.
	Addr string
	// Advertise is the URL other nodes and clients reach this node at.
	Advertise string
	Peers     map[types.NodeID]string

	Transport string
	GRPCAddr  string
	DataDir   string

	Timing          raft.TimingConfig
	HeartbeatRounds int

	LogLevel  slog.Level
	LogFormat string
}

// PeerIDs returns the peer ids in ascending order.
func (c Config) PeerIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ParseConfig parses command line arguments (without the program name).
func ParseConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("electiond", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	def := raft.DefaultTimingConfig()
	var (
		id        = fs.Int("id", 0, "Node ID")
		addr      = fs.String("addr", ":8080", "HTTP listen address")
		advertise = fs.String("advertise", "", "URL advertised to peers and clients (default http://localhost<addr>)")
		peers     = fs.String("peers", "", "Comma-separated list of id=addr pairs (e.g. 1=http://localhost:8081)")
		tp        = fs.String("transport", TransportHTTP, "RPC transport: http or grpc")
		grpcAddr  = fs.String("grpc-addr", ":9090", "gRPC listen address when -transport=grpc")
		dataDir   = fs.String("data-dir", "", "Directory for the bolt store; empty keeps state in memory")
		eMin      = fs.Duration("election-timeout-min", def.ElectionTimeoutMin, "Lower bound of the randomized election timeout")
		eMax      = fs.Duration("election-timeout-max", def.ElectionTimeoutMax, "Upper bound of the randomized election timeout")
		hb        = fs.Duration("heartbeat-interval", def.HeartbeatInterval, "Interval between leader heartbeat rounds")
		rpc       = fs.Duration("rpc-timeout", def.RPCTimeout, "Timeout of a single peer RPC")
		rounds    = fs.Int("heartbeat-rounds", 0, "Stop heartbeating after this many rounds (0 = while leader)")
		level     = fs.String("log-level", "info", "Log level: debug, info, warn, error")
		format    = fs.String("log-format", "text", "Log format: text or json")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ID:        types.NodeID(*id),
		Addr:      *addr,
		Advertise: *advertise,
		Transport: strings.ToLower(*tp),
		GRPCAddr:  *grpcAddr,
		DataDir:   *dataDir,
		Timing: raft.TimingConfig{
			ElectionTimeoutMin: *eMin,
			ElectionTimeoutMax: *eMax,
			HeartbeatInterval:  *hb,
			RPCTimeout:         *rpc,
		},
		HeartbeatRounds: *rounds,
		LogFormat:       strings.ToLower(*format),
	}

	if cfg.ID < 0 {
		return Config{}, fmt.Errorf("invalid -id %d: must not be negative", cfg.ID)
	}
	if cfg.Advertise == "" {
		cfg.Advertise = advertiseFromAddr(cfg.Addr)
	}
	switch cfg.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		return Config{}, fmt.Errorf("invalid -transport %q (expected http or grpc)", *tp)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("invalid -log-format %q (expected text or json)", *format)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(*level)); err != nil {
		return Config{}, fmt.Errorf("invalid -log-level %q: %w", *level, err)
	}
	if cfg.Timing.ElectionTimeoutMax < cfg.Timing.ElectionTimeoutMin {
		return Config{}, fmt.Errorf("election timeout max %v is below min %v", cfg.Timing.ElectionTimeoutMax, cfg.Timing.ElectionTimeoutMin)
	}
	if cfg.Timing.HeartbeatInterval >= cfg.Timing.ElectionTimeoutMin {
		return Config{}, fmt.Errorf("heartbeat interval %v must be below the election timeout %v", cfg.Timing.HeartbeatInterval, cfg.Timing.ElectionTimeoutMin)
	}

	peerMap, err := parsePeers(*peers)
	if err != nil {
		return Config{}, err
	}
	if _, ok := peerMap[cfg.ID]; ok {
		return Config{}, fmt.Errorf("-peers must not contain this node's id %s", cfg.ID)
	}
	cfg.Peers = peerMap

	return cfg, nil
}

func parsePeers(s string) (map[types.NodeID]string, error) {
	peers := make(map[types.NodeID]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, p := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer format: %q (expected id=addr)", p)
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid peer id %q", parts[0])
		}
		id := types.NodeID(n)
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("duplicate peer id %s", id)
		}
		peers[id] = parts[1]
	}
	return peers, nil
}

func advertiseFromAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// NewLogger builds the process logger from the parsed flags.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// shutdownTimeout bounds graceful shutdown of servers and the node.
const shutdownTimeout = 5 * time.Second
