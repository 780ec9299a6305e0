package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable for a chunkcast peer. Values come from the
// environment (a .env file is honored) with working LAN defaults.
type Config struct {
	ChunkDir    string
	DownloadDir string

	// TCP port chunks are served on, and the UDP port announcements go to.
	ServePort     int
	DiscoveryPort int

	// Extra unicast/broadcast targets for announcements. The loopback
	// target is always included so single-host setups discover themselves.
	BroadcastAddr  string
	MulticastGroup string

	ChunkSize int64

	AnnounceInterval time.Duration
	// StaleAfter must exceed two announce intervals so a single dropped
	// datagram does not evict a live peer.
	StaleAfter    time.Duration
	SweepInterval time.Duration

	PoolIdleAfter     time.Duration
	PoolCleanInterval time.Duration
	DialTimeout       time.Duration

	RequestTimeout    time.Duration
	ServerIdleTimeout time.Duration

	DownloadWorkers int
	ChunkRetries    int

	// Path of the sqlite mirror of the content dictionary. Empty disables
	// persistence.
	CatalogDB string
}

// Load reads the environment (and an optional .env file) and returns a
// fully populated Config.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ChunkDir:    envStr("CHUNKCAST_CHUNK_DIR", "chunks"),
		DownloadDir: envStr("CHUNKCAST_DOWNLOAD_DIR", "downloads"),

		ServePort:     envInt("CHUNKCAST_SERVE_PORT", 5000),
		DiscoveryPort: envInt("CHUNKCAST_DISCOVERY_PORT", 5001),

		BroadcastAddr:  envStr("CHUNKCAST_BROADCAST_ADDR", "255.255.255.255"),
		MulticastGroup: envStr("CHUNKCAST_MULTICAST_GROUP", ""),

		ChunkSize: int64(envInt("CHUNKCAST_CHUNK_SIZE", 1024*1024)),

		AnnounceInterval: envDuration("CHUNKCAST_ANNOUNCE_INTERVAL", 10*time.Second),
		StaleAfter:       envDuration("CHUNKCAST_STALE_AFTER", 25*time.Second),
		SweepInterval:    envDuration("CHUNKCAST_SWEEP_INTERVAL", 5*time.Second),

		PoolIdleAfter:     envDuration("CHUNKCAST_POOL_IDLE_AFTER", 90*time.Second),
		PoolCleanInterval: envDuration("CHUNKCAST_POOL_CLEAN_INTERVAL", 30*time.Second),
		DialTimeout:       envDuration("CHUNKCAST_DIAL_TIMEOUT", 5*time.Second),

		RequestTimeout:    envDuration("CHUNKCAST_REQUEST_TIMEOUT", 10*time.Second),
		ServerIdleTimeout: envDuration("CHUNKCAST_SERVER_IDLE_TIMEOUT", 30*time.Second),

		DownloadWorkers: envInt("CHUNKCAST_DOWNLOAD_WORKERS", 5),
		ChunkRetries:    envInt("CHUNKCAST_CHUNK_RETRIES", 3),

		CatalogDB: envStr("CHUNKCAST_CATALOG_DB", ""),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
