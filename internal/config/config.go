// Package config manages overlayd configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l2sm/overlayd/internal/fabric"
	"github.com/l2sm/overlayd/internal/overlay"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete overlayd configuration.
type Config struct {
	API      APIConfig       `koanf:"api"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Overlay  OverlayConfig   `koanf:"overlay"`
	Store    StoreConfig     `koanf:"store"`
	Topology TopologyConfig  `koanf:"topology"`
	Networks []NetworkConfig `koanf:"networks"`
}

// APIConfig holds the ConnectRPC server configuration.
type APIConfig struct {
	// Addr is the h2c listen address (e.g., ":50061").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// OverlayConfig tunes the overlay manager.
type OverlayConfig struct {
	// Workers is the number of worker goroutines executing operations.
	Workers int `koanf:"workers"`

	// QueueSize bounds the number of queued operations.
	QueueSize int `koanf:"queue_size"`

	// LockTimeout bounds the wait for a per-network lock. Zero waits
	// until the caller's context ends.
	LockTimeout time.Duration `koanf:"lock_timeout"`

	// GetTimeout bounds the wait for Get and List.
	GetTimeout time.Duration `koanf:"get_timeout"`

	// PacketInRate is the sustained packet-in rate in frames per second.
	PacketInRate float64 `koanf:"packet_in_rate"`

	// PacketInBurst is the packet-in token bucket size.
	PacketInBurst int `koanf:"packet_in_burst"`

	Priorities PrioritiesConfig `koanf:"priorities"`
}

// PrioritiesConfig holds the three rule priority tiers. They must be
// strictly ordered host_shortcut > link > flood.
type PrioritiesConfig struct {
	HostShortcut int `koanf:"host_shortcut"`
	Link         int `koanf:"link"`
	Flood        int `koanf:"flood"`
}

// StoreConfig holds the declaration journal configuration.
type StoreConfig struct {
	// Path is the bbolt file. Empty disables persistence.
	Path string `koanf:"path"`
}

// TopologyConfig declares the fabric links known to the daemon.
type TopologyConfig struct {
	Links []LinkConfig `koanf:"links"`

	// Bidirectional adds the reverse of every declared link.
	Bidirectional bool `koanf:"bidirectional"`
}

// LinkConfig is one unidirectional fabric link, e.g.
// {src: "of:1/2", dst: "of:2/1"}.
type LinkConfig struct {
	Src string `koanf:"src"`
	Dst string `koanf:"dst"`
}

// NetworkConfig describes a declarative overlay network. Each entry is
// created on startup and reconciled on SIGHUP. A network lists either
// Ports or a Link, not both.
type NetworkConfig struct {
	ID    string            `koanf:"id"`
	Ports []string          `koanf:"ports"`
	Link  VirtualLinkConfig `koanf:"link"`
}

// VirtualLinkConfig is the explicit-path two-endpoint form of a network.
type VirtualLinkConfig struct {
	From string   `koanf:"from"`
	To   string   `koanf:"to"`
	Path []string `koanf:"path"`
}

// IsZero reports whether no link was declared.
func (vl VirtualLinkConfig) IsZero() bool {
	return vl.From == "" && vl.To == "" && len(vl.Path) == 0
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	prio := overlay.DefaultPriorities()

	return &Config{
		API: APIConfig{
			Addr: ":50061",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Overlay: OverlayConfig{
			Workers:       4,
			QueueSize:     1024,
			LockTimeout:   5 * time.Second,
			GetTimeout:    5 * time.Second,
			PacketInRate:  1000,
			PacketInBurst: 100,
			Priorities: PrioritiesConfig{
				HostShortcut: prio.HostShortcut,
				Link:         prio.Link,
				Flood:        prio.Flood,
			},
		},
		Topology: TopologyConfig{
			Bidirectional: true,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for overlayd configuration.
// Variables are named OVERLAYD_<section>_<key>, e.g., OVERLAYD_API_ADDR.
const envPrefix = "OVERLAYD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (OVERLAYD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
//
// Environment variable mapping:
//
//	OVERLAYD_API_ADDR              -> api.addr
//	OVERLAYD_LOG_LEVEL             -> log.level
//	OVERLAYD_OVERLAY_QUEUE_SIZE    -> overlay.queue_size
//	OVERLAYD_STORE_PATH            -> store.path
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %q: %w", path, err)
	}

	return cfg, nil
}

// defaultMap returns the flattened defaults. Its keys double as the set of
// scalar keys reachable from the environment.
func defaultMap(defaults *Config) map[string]any {
	return map[string]any{
		"api.addr":                         defaults.API.Addr,
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
		"overlay.workers":                  defaults.Overlay.Workers,
		"overlay.queue_size":               defaults.Overlay.QueueSize,
		"overlay.lock_timeout":             defaults.Overlay.LockTimeout.String(),
		"overlay.get_timeout":              defaults.Overlay.GetTimeout.String(),
		"overlay.packet_in_rate":           defaults.Overlay.PacketInRate,
		"overlay.packet_in_burst":          defaults.Overlay.PacketInBurst,
		"overlay.priorities.host_shortcut": defaults.Overlay.Priorities.HostShortcut,
		"overlay.priorities.link":          defaults.Overlay.Priorities.Link,
		"overlay.priorities.flood":         defaults.Overlay.Priorities.Flood,
		"store.path":                       defaults.Store.Path,
		"topology.bidirectional":           defaults.Topology.Bidirectional,
	}
}

// envKeys maps OVERLAYD_-stripped, lower-cased variable names to koanf
// keys. Key segments themselves contain underscores, so a blind "_" to "."
// replacement cannot recover them.
var envKeys = func() map[string]string {
	m := make(map[string]string)
	for key := range defaultMap(DefaultConfig()) {
		m[strings.ReplaceAll(key, ".", "_")] = key
	}
	return m
}()

// envKeyMapper transforms OVERLAYD_OVERLAY_QUEUE_SIZE -> overlay.queue_size.
// Unknown variables fall back to replacing every _ with a dot.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if key, ok := envKeys[s]; ok {
		return key
	}
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	for key, val := range defaultMap(defaults) {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAPIAddr indicates the API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidWorkers indicates a non-positive worker count.
	ErrInvalidWorkers = errors.New("overlay.workers must be >= 1")

	// ErrInvalidQueueSize indicates a non-positive queue size.
	ErrInvalidQueueSize = errors.New("overlay.queue_size must be >= 1")

	// ErrInvalidTimeout indicates a negative lock or get timeout.
	ErrInvalidTimeout = errors.New("overlay timeouts must be >= 0")

	// ErrInvalidPacketInRate indicates a non-positive packet-in rate or burst.
	ErrInvalidPacketInRate = errors.New("overlay.packet_in_rate and packet_in_burst must be > 0")

	// ErrInvalidPriorities indicates the priority tiers are not strictly ordered.
	ErrInvalidPriorities = errors.New("overlay.priorities must satisfy host_shortcut > link > flood")

	// ErrInvalidLink indicates a topology link with an unparseable endpoint.
	ErrInvalidLink = errors.New("topology link is invalid")

	// ErrEmptyNetworkID indicates a declarative network without an id.
	ErrEmptyNetworkID = errors.New("network id must not be empty")

	// ErrDuplicateNetworkID indicates two declarative networks share an id.
	ErrDuplicateNetworkID = errors.New("duplicate network id")

	// ErrInvalidNetworkPort indicates an unparseable or repeated network port.
	ErrInvalidNetworkPort = errors.New("network port is invalid")

	// ErrNetworkShape indicates a network declaring both ports and a link,
	// or a link missing an endpoint.
	ErrNetworkShape = errors.New("network must declare either ports or a link with from and to")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if cfg.Overlay.Workers < 1 {
		return ErrInvalidWorkers
	}

	if cfg.Overlay.QueueSize < 1 {
		return ErrInvalidQueueSize
	}

	if cfg.Overlay.LockTimeout < 0 || cfg.Overlay.GetTimeout < 0 {
		return ErrInvalidTimeout
	}

	if cfg.Overlay.PacketInRate <= 0 || cfg.Overlay.PacketInBurst <= 0 {
		return ErrInvalidPacketInRate
	}

	if err := cfg.Overlay.OverlayPriorities().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPriorities, err)
	}

	if _, err := cfg.Topology.FabricLinks(); err != nil {
		return err
	}

	if _, err := Declarations(cfg.Networks); err != nil {
		return err
	}

	return nil
}

// -------------------------------------------------------------------------
// Conversions
// -------------------------------------------------------------------------

// OverlayPriorities returns the configured tiers as overlay.Priorities.
func (oc OverlayConfig) OverlayPriorities() overlay.Priorities {
	return overlay.Priorities{
		HostShortcut: oc.Priorities.HostShortcut,
		Link:         oc.Priorities.Link,
		Flood:        oc.Priorities.Flood,
	}
}

// FabricLinks parses the declared links. With Bidirectional set, the
// reverse of every link is included.
func (tc TopologyConfig) FabricLinks() ([]fabric.Link, error) {
	links := make([]fabric.Link, 0, len(tc.Links))
	for i, lc := range tc.Links {
		src, err := fabric.ParsePort(lc.Src)
		if err != nil {
			return nil, fmt.Errorf("topology.links[%d] src: %w: %w", i, ErrInvalidLink, err)
		}
		dst, err := fabric.ParsePort(lc.Dst)
		if err != nil {
			return nil, fmt.Errorf("topology.links[%d] dst: %w: %w", i, ErrInvalidLink, err)
		}
		if src.Device == dst.Device {
			return nil, fmt.Errorf("topology.links[%d] %s -> %s loops on one device: %w",
				i, lc.Src, lc.Dst, ErrInvalidLink)
		}
		links = append(links, fabric.Link{Src: src, Dst: dst})
	}

	if tc.Bidirectional {
		return fabric.Bidirectional(links), nil
	}
	return links, nil
}

// Declarations converts declarative networks into reconcile input.
func Declarations(networks []NetworkConfig) ([]overlay.Declaration, error) {
	decls := make([]overlay.Declaration, 0, len(networks))
	seen := make(map[string]struct{}, len(networks))

	for i, nc := range networks {
		if nc.ID == "" {
			return nil, fmt.Errorf("networks[%d]: %w", i, ErrEmptyNetworkID)
		}
		if _, dup := seen[nc.ID]; dup {
			return nil, fmt.Errorf("networks[%d] id %q: %w", i, nc.ID, ErrDuplicateNetworkID)
		}
		seen[nc.ID] = struct{}{}

		d, err := nc.declaration()
		if err != nil {
			return nil, fmt.Errorf("networks[%d] id %q: %w", i, nc.ID, err)
		}
		decls = append(decls, d)
	}

	return decls, nil
}

func (nc NetworkConfig) declaration() (overlay.Declaration, error) {
	d := overlay.Declaration{ID: nc.ID, Declared: true}

	if nc.Link.IsZero() {
		ports, err := parsePorts(nc.Ports)
		if err != nil {
			return overlay.Declaration{}, err
		}
		d.Ports = ports
		return d, nil
	}

	if len(nc.Ports) > 0 || nc.Link.From == "" || nc.Link.To == "" {
		return overlay.Declaration{}, ErrNetworkShape
	}

	ends, err := parsePorts([]string{nc.Link.From, nc.Link.To})
	if err != nil {
		return overlay.Declaration{}, err
	}

	path := make([]fabric.DeviceID, 0, len(nc.Link.Path))
	for _, dev := range nc.Link.Path {
		path = append(path, fabric.DeviceID(dev))
	}

	d.Link = &overlay.LinkDeclaration{From: ends[0], To: ends[1], Path: path}
	return d, nil
}

func parsePorts(ss []string) ([]fabric.Port, error) {
	ports := make([]fabric.Port, 0, len(ss))
	seen := make(map[fabric.Port]struct{}, len(ss))

	for _, s := range ss {
		p, err := fabric.ParsePort(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidNetworkPort, err)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("port %s repeated: %w", p, ErrInvalidNetworkPort)
		}
		seen[p] = struct{}{}
		ports = append(ports, p)
	}

	return ports, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
