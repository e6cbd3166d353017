package config

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level settings for plexbridge. Loaded from environment
// (PLEXBRIDGE_* keys) after an optional .env file.
type Config struct {
	Host    string
	Port    int
	BaseURL string // advertised to Plex; defaults to http://<host>:<port>

	DataDir string
	DBPath  string
	LogDir  string

	TunerCount   int
	DeviceID     string // empty = derive from DataDir (see DeriveDeviceID)
	FriendlyName string

	EPGRefreshInterval time.Duration // default for sources without their own interval
	EPGRetention       time.Duration

	PlexOptimize  bool // lower resolver inter-request delay for Plex clients
	SSDPDisabled  bool
	HDHRDiscovery bool // answer native HDHomeRun UDP discovery on :65001
	FFmpegPath    string

	Tuning Tuning
}

// Tuning centralizes the numeric knobs of the streaming path. Defaults come
// from DefaultTuning; a few are overridable via env.
type Tuning struct {
	PacketSize int
	NullPID    uint16

	BitrateWindow         time.Duration
	BitrateSamples        int
	BitrateSampleInterval time.Duration

	IdleTimeout     time.Duration
	JanitorInterval time.Duration

	PaddingInterval    time.Duration // one tick per interval
	PaddingPerTick     int           // packets written per tick
	InitDeadline       time.Duration
	WorkerGrace        time.Duration
	HeartbeatInterval  time.Duration
	DedupActivityLimit time.Duration

	ResolverCacheTTL        time.Duration
	ResolverDeadline        time.Duration
	ResolverLimitedDeadline time.Duration
	ResolverRetries         int
	ResolverBaseTimeout     time.Duration
	HeadSampleK             int
	AccessibilityFloor      float64
	LimitedHostDelay        time.Duration // non-Plex clients
	LimitedHostDelayPlex    time.Duration

	EscalationThreshold int
	EscalationWindow    time.Duration
	EscalationDecay     time.Duration

	DNSCacheTTL time.Duration
	LineupTTL   time.Duration
}

// DefaultTuning returns the stock numbers.
func DefaultTuning() Tuning {
	return Tuning{
		PacketSize: 188,
		NullPID:    0x1FFF,

		BitrateWindow:         30 * time.Second,
		BitrateSamples:        15,
		BitrateSampleInterval: 2 * time.Second,

		IdleTimeout:     45 * time.Second,
		JanitorInterval: 5 * time.Second,

		PaddingInterval:    200 * time.Millisecond,
		PaddingPerTick:     1,
		InitDeadline:       30 * time.Second,
		WorkerGrace:        5 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		DedupActivityLimit: 45 * time.Second,

		ResolverCacheTTL:        5 * time.Minute,
		ResolverDeadline:        30 * time.Second,
		ResolverLimitedDeadline: 45 * time.Second,
		ResolverRetries:         3,
		ResolverBaseTimeout:     5 * time.Second,
		HeadSampleK:             3,
		AccessibilityFloor:      0.5,
		LimitedHostDelay:        2 * time.Second,
		LimitedHostDelayPlex:    500 * time.Millisecond,

		EscalationThreshold: 5,
		EscalationWindow:    60 * time.Second,
		EscalationDecay:     120 * time.Second,

		DNSCacheTTL: 5 * time.Minute,
		LineupTTL:   30 * time.Second,
	}
}

// Load reads configuration from the environment.
func Load() *Config {
	c := &Config{
		Host:               getEnv("PLEXBRIDGE_HOST", "0.0.0.0"),
		Port:               getEnvInt("PLEXBRIDGE_PORT", 5004),
		BaseURL:            strings.TrimSuffix(os.Getenv("PLEXBRIDGE_BASE_URL"), "/"),
		DataDir:            getEnv("PLEXBRIDGE_DATA_DIR", "./data"),
		DBPath:             os.Getenv("PLEXBRIDGE_DB_PATH"),
		LogDir:             os.Getenv("PLEXBRIDGE_LOG_DIR"),
		TunerCount:         getEnvInt("PLEXBRIDGE_TUNER_COUNT", 4),
		DeviceID:           strings.TrimSpace(os.Getenv("PLEXBRIDGE_DEVICE_ID")),
		FriendlyName:       getEnv("PLEXBRIDGE_FRIENDLY_NAME", "PlexBridge"),
		EPGRefreshInterval: getEnvDuration("PLEXBRIDGE_EPG_REFRESH_INTERVAL", 4*time.Hour),
		EPGRetention:       getEnvDuration("PLEXBRIDGE_EPG_RETENTION", 7*24*time.Hour),
		PlexOptimize:       getEnvBool("PLEXBRIDGE_PLEX_OPTIMIZE", true),
		SSDPDisabled:       getEnvBool("PLEXBRIDGE_SSDP_DISABLED", false),
		HDHRDiscovery:      getEnvBool("PLEXBRIDGE_HDHR_DISCOVERY", true),
		FFmpegPath:         getEnv("PLEXBRIDGE_FFMPEG_PATH", "ffmpeg"),
		Tuning:             DefaultTuning(),
	}
	c.Tuning.IdleTimeout = getEnvDuration("PLEXBRIDGE_IDLE_TIMEOUT", c.Tuning.IdleTimeout)
	c.Tuning.PaddingInterval = getEnvDuration("PLEXBRIDGE_PADDING_INTERVAL", c.Tuning.PaddingInterval)
	c.Tuning.InitDeadline = getEnvDuration("PLEXBRIDGE_INIT_DEADLINE", c.Tuning.InitDeadline)
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.TunerCount < 1 {
		c.TunerCount = 1
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "plexbridge.db")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.BaseURL == "" {
		host := c.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = guessLANAddr()
		}
		c.BaseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CacheDir is the optional cache subdirectory of the data dir.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// DeriveDeviceID returns an 8-hex-digit HDHomeRun-style device id that is a
// pure function of the absolute data directory.
func DeriveDeviceID(dataDir string) string {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		abs = dataDir
	}
	sum := sha1.Sum([]byte("plexbridge:" + abs))
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// guessLANAddr picks the first non-loopback IPv4 address, falling back to localhost.
func guessLANAddr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s", "4h") or bare seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
