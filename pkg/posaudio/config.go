package posaudio

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultServerPort       = "9000"
	DefaultUpdatesPerSecond = 15
	DefaultSafeZone         = 20.0
	DefaultCutoff           = 60.0
	DefaultRawAttenuation   = 5.0 // stored inverted, 0.2
	DefaultMutedHeight      = -1024.0
	DefaultKickoffDelay     = 500 * time.Millisecond
	DefaultHTTPTimeout      = 2 * time.Second
	DefaultBridgeEndpoint   = "ws://127.0.0.1:25639/bridge"
	DefaultBridgeTimeout    = time.Second
)

// Config holds startup settings. Tunables seed the EngineState and may later
// be replaced by the position server's /config.
type Config struct {
	Enabled             bool              `json:"enabled"`
	DefaultPort         string            `json:"default_port"`
	UpdatesPerSecond    int               `json:"updates_per_second"`
	Offset              float64           `json:"safe_zone"`
	Cutoff              float64           `json:"cutoff"`
	RawAttenuation      float64           `json:"attenuation_coefficient"`
	CanHearUnregistered bool              `json:"unregistered_can_broadcast"`
	MutedHeight         float64           `json:"muted_height"`
	KickoffDelay        time.Duration     `json:"kickoff_delay"`
	HTTPTimeout         time.Duration     `json:"http_timeout"`
	BridgeEndpoint      string            `json:"bridge_endpoint"`
	BridgeSecret        string            `json:"-"`
	BridgeCallTimeout   time.Duration     `json:"bridge_call_timeout"`
	Headers             map[string]string `json:"headers,omitempty"`
	LogLevel            string            `json:"log_level"`
}

// DefaultConfig returns the built-in defaults without reading the environment.
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		DefaultPort:         DefaultServerPort,
		UpdatesPerSecond:    DefaultUpdatesPerSecond,
		Offset:              DefaultSafeZone,
		Cutoff:              DefaultCutoff,
		RawAttenuation:      DefaultRawAttenuation,
		CanHearUnregistered: true,
		MutedHeight:         DefaultMutedHeight,
		KickoffDelay:        DefaultKickoffDelay,
		HTTPTimeout:         DefaultHTTPTimeout,
		BridgeEndpoint:      DefaultBridgeEndpoint,
		BridgeCallTimeout:   DefaultBridgeTimeout,
		Headers:             make(map[string]string),
		LogLevel:            "INFO",
	}
}

// NewConfig returns the defaults overlaid by POSAUDIO_* environment
// variables, after loading an optional .env file.
func NewConfig() *Config {
	c := DefaultConfig()
	_ = godotenv.Load()
	c.loadFromEnv(os.Getenv)
	return c
}

func (c *Config) loadFromEnv(getenv func(string) string) {
	if v := getenv("POSAUDIO_ENABLED"); v != "" {
		c.Enabled = v != "false"
	}
	if v := getenv("POSAUDIO_DEFAULT_PORT"); v != "" {
		c.DefaultPort = v
	}
	if v := getenv("POSAUDIO_UPDATES_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UpdatesPerSecond = n
		}
	}
	if v := getenv("POSAUDIO_SAFE_ZONE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Offset = f
		}
	}
	if v := getenv("POSAUDIO_CUTOFF"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Cutoff = f
		}
	}
	if v := getenv("POSAUDIO_ATTENUATION_COEFFICIENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RawAttenuation = f
		}
	}
	if v := getenv("POSAUDIO_UNREGISTERED_CAN_BROADCAST"); v != "" {
		c.CanHearUnregistered = v != "false"
	}
	if v := getenv("POSAUDIO_MUTED_HEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MutedHeight = f
		}
	}
	if d, ok := envMillis(getenv, "POSAUDIO_KICKOFF_DELAY_MS"); ok {
		c.KickoffDelay = d
	}
	if d, ok := envMillis(getenv, "POSAUDIO_HTTP_TIMEOUT_MS"); ok {
		c.HTTPTimeout = d
	}
	if v := getenv("POSAUDIO_BRIDGE_ENDPOINT"); v != "" {
		c.BridgeEndpoint = v
	}
	if v := getenv("POSAUDIO_BRIDGE_SECRET"); v != "" {
		c.BridgeSecret = v
	}
	if d, ok := envMillis(getenv, "POSAUDIO_BRIDGE_CALL_TIMEOUT_MS"); ok {
		c.BridgeCallTimeout = d
	}
	if v := getenv("POSAUDIO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func envMillis(getenv func(string) string, key string) (time.Duration, bool) {
	v := getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// Tunables returns the rolloff and sync tunables described by c, with the
// attenuation coefficient already inverted.
func (c *Config) Tunables() Tunables {
	t := Tunables{
		Offset:              c.Offset,
		Cutoff:              c.Cutoff,
		CanHearUnregistered: c.CanHearUnregistered,
		UpdatesPerSecond:    c.UpdatesPerSecond,
	}
	if c.RawAttenuation > 0 {
		t.Attenuation = 1 / c.RawAttenuation
	} else {
		t.Attenuation = 1 / DefaultRawAttenuation
	}
	if t.UpdatesPerSecond <= 0 {
		t.UpdatesPerSecond = DefaultUpdatesPerSecond
	}
	return t
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.RawAttenuation <= 0 {
		issues = append(issues, fmt.Sprintf("Attenuation coefficient must be positive, got %g", c.RawAttenuation))
	}
	if c.Cutoff <= c.Offset {
		issues = append(issues, fmt.Sprintf("Cutoff (%g) must be greater than safe zone (%g)", c.Cutoff, c.Offset))
	}
	if c.UpdatesPerSecond < 1 || c.UpdatesPerSecond > 120 {
		issues = append(issues, fmt.Sprintf("Updates per second must be within 1..120, got %d", c.UpdatesPerSecond))
	}
	if c.DefaultPort == "" {
		issues = append(issues, "Default port is empty")
	} else if p, err := strconv.Atoi(c.DefaultPort); err != nil || p < 1 || p > 65535 {
		issues = append(issues, fmt.Sprintf("Invalid default port: %s", c.DefaultPort))
	}
	if c.HTTPTimeout <= 0 {
		issues = append(issues, "HTTP timeout must be positive")
	}
	if u, err := url.Parse(c.BridgeEndpoint); err != nil || !strings.HasPrefix(u.Scheme, "ws") {
		issues = append(issues, "Invalid bridge endpoint format")
	}
	if _, ok := ParseLogLevel(c.LogLevel); !ok {
		issues = append(issues, fmt.Sprintf("Invalid log level: %s", c.LogLevel))
	}

	return issues
}

// Interval is the steady-state tick interval, 1000/updatesPerSecond ms.
func (c *Config) Interval() time.Duration {
	return c.Tunables().Interval()
}

func (c *Config) PrintConfig() {
	fmt.Println("Positional Audio Configuration")
	fmt.Println("==================================================")
	fmt.Printf("Enabled: %t\n", c.Enabled)
	fmt.Printf("Default Port: %s\n", c.DefaultPort)
	fmt.Printf("Updates Per Second: %d (%v interval)\n", c.UpdatesPerSecond, c.Interval())
	fmt.Printf("Safe Zone: %.1f\n", c.Offset)
	fmt.Printf("Cutoff: %.1f\n", c.Cutoff)
	fmt.Printf("Attenuation Coefficient: %.3f (stored %.3f)\n", c.RawAttenuation, c.Tunables().Attenuation)
	fmt.Printf("Unregistered Can Broadcast: %t\n", c.CanHearUnregistered)
	fmt.Printf("Muted Height: %.1f\n", c.MutedHeight)
	fmt.Printf("Kickoff Delay: %v\n", c.KickoffDelay)
	fmt.Printf("HTTP Timeout: %v\n", c.HTTPTimeout)
	fmt.Printf("Bridge Endpoint: %s\n", c.BridgeEndpoint)
	if c.BridgeSecret != "" {
		fmt.Println("Bridge Secret: set")
	} else {
		fmt.Println("Bridge Secret: NOT SET")
	}
	fmt.Printf("Bridge Call Timeout: %v\n", c.BridgeCallTimeout)
	fmt.Printf("Log Level: %s\n", c.LogLevel)
}
