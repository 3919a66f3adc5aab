package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the orchestrator configuration
type Config struct {
	// Client API settings
	WSPort   int    // Websocket client API port
	HTTPPort int    // Ops/status HTTP port
	BindAddr string // Address to bind for listening
	LogLevel string

	// Media server pool settings
	// MediaServerNodes maps node ID to address (e.g., "mserver-0" -> "localhost:9090")
	// Takes precedence over MediaServerAddrs if non-empty
	MediaServerNodes map[string]string
	// MediaServerAddrs is legacy format - list of addresses (auto-generates node IDs)
	MediaServerAddrs []string
	// BalancerPolicy selects host selection: "round-robin" or "affinity"
	BalancerPolicy string

	GRPCConnectTimeout    time.Duration
	GRPCKeepaliveInterval time.Duration
	GRPCKeepaliveTimeout  time.Duration
	// RequestTimeout bounds every backend request
	RequestTimeout time.Duration

	// Legacy bus sidecar (Redis). Empty address disables the bridge.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{
		GRPCConnectTimeout:    10 * time.Second,
		GRPCKeepaliveInterval: 30 * time.Second,
		GRPCKeepaliveTimeout:  10 * time.Second,
		RequestTimeout:        10 * time.Second,
	}

	// Define flags
	flag.IntVar(&cfg.WSPort, "port", 3000, "Websocket client API port")
	flag.IntVar(&cfg.HTTPPort, "http", 8080, "Ops HTTP port (health, metrics, status)")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "Bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "debug", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.BalancerPolicy, "balancer", "round-robin", "Host selection policy (round-robin, affinity)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the legacy bus bridge (empty disables)")

	var mediaServerAddrs string
	flag.StringVar(&mediaServerAddrs, "mservers", "localhost:9090", "Media server gRPC addresses (comma-separated for multiple)")

	flag.Parse()

	cfg.MediaServerAddrs = parseAddressList(mediaServerAddrs)

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.WSPort = p
		}
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if policy := os.Getenv("BALANCER_POLICY"); policy != "" {
		cfg.BalancerPolicy = policy
	}
	if mservers := os.Getenv("MSERVER_ADDRS"); mservers != "" {
		// Try parsing as node=addr format first
		nodeMap := parseNodeAddresses(mservers)
		if len(nodeMap) > 0 {
			cfg.MediaServerNodes = nodeMap
		} else {
			cfg.MediaServerAddrs = parseAddressList(mservers)
		}
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	if redisPass := os.Getenv("REDIS_PASSWORD"); redisPass != "" {
		cfg.RedisPassword = redisPass
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			cfg.RedisDB = db
		}
	}

	return cfg
}

// parseAddressList parses a comma-separated list of addresses
func parseAddressList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			addrs = append(addrs, p)
		}
	}
	return addrs
}

// parseNodeAddresses parses a comma-separated list of nodeId=address pairs
// Returns nil if the format is not detected (no = signs found)
// Example: "mserver-0=localhost:9090,mserver-1=localhost:9091"
func parseNodeAddresses(s string) map[string]string {
	if s == "" || !strings.Contains(s, "=") {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make(map[string]string)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			// Not in node=addr format, return nil to fall back to legacy
			return nil
		}
		nodeID := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])
		if nodeID != "" && addr != "" {
			result[nodeID] = addr
		}
	}
	return result
}

// HostIP extracts the host part of a node address, falling back to the
// address itself when it has no port.
func HostIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
