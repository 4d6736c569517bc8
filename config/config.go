// Package config loads and validates relay node configuration.
//
// Configuration is layered JSON: defaults, then files in order, then
// environment overrides with the DOCRELAY_ prefix. The routing table is a
// separate YAML document so operators can redistribute routes without
// touching node settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Storage mode constants
const (
	StorageModeMemory   = "memory"   // In-memory only (tests, single-process runs)
	StorageModePostgres = "postgres" // PostgreSQL (recommended for production)
)

// Blob mode constants
const (
	BlobModeMemory      = "memory"      // In-memory payload storage
	BlobModeObjectStore = "objectstore" // NATS JetStream ObjectStore
)

// Config represents the complete relay node configuration.
type Config struct {
	Version  string         `json:"version"` // Semantic version (e.g., "1.0.0")
	Node     NodeConfig     `json:"node"`
	NATS     NATSConfig     `json:"nats"`
	Protocol ProtocolConfig `json:"protocol"`
	Storage  StorageConfig  `json:"storage"`
	Blob     BlobConfig     `json:"blob"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// NodeConfig defines relay node identity and the domains it serves.
type NodeConfig struct {
	ID string `json:"id"` // Node identifier (e.g., "relay-west-1")

	// LocalDomains are the domains this node receives for. Inbound
	// fragments addressed to any of them are confirmed and built here.
	LocalDomains []string `json:"local_domains"`

	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	CredsFile     string        `json:"creds_file,omitempty"`
}

// ProtocolConfig tunes fragmentation and reconciliation behavior.
type ProtocolConfig struct {
	// FragmentSize is the maximum payload bytes per fragment.
	FragmentSize int `json:"fragment_size,omitempty"`

	// DeprecationDelay is how long a document stays live once deprecated.
	DeprecationDelay time.Duration `json:"deprecation_delay,omitempty"`

	// StaleAfter is the age past which an unfinished inbound document is
	// reported as stale.
	StaleAfter time.Duration `json:"stale_after,omitempty"`

	// CycleInterval is the reconciliation loop period.
	CycleInterval time.Duration `json:"cycle_interval,omitempty"`

	// RoutesPath points at the YAML routing table.
	RoutesPath string `json:"routes_path,omitempty"`
}

// StorageConfig selects the protocol state backend.
type StorageConfig struct {
	Mode        string `json:"mode"` // "memory" or "postgres"
	PostgresURL string `json:"postgres_url,omitempty"`
}

// BlobConfig selects the payload blob backend.
type BlobConfig struct {
	Mode   string `json:"mode"` // "memory" or "objectstore"
	Bucket string `json:"bucket,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // e.g., ":9090"
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}

	if len(c.Node.LocalDomains) == 0 {
		return errors.New("node.local_domains must list at least one domain")
	}
	for i, d := range c.Node.LocalDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if !isValidDomainName(d) {
			return fmt.Errorf("node.local_domains[%d] %q is not a valid domain name", i, c.Node.LocalDomains[i])
		}
		c.Node.LocalDomains[i] = d
	}

	if c.Protocol.FragmentSize < 0 {
		return fmt.Errorf("protocol.fragment_size cannot be negative: %d", c.Protocol.FragmentSize)
	}
	if c.Protocol.DeprecationDelay < 0 {
		return errors.New("protocol.deprecation_delay cannot be negative")
	}

	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModePostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required when storage.mode is postgres")
		}
	default:
		return fmt.Errorf("storage.mode %q is not supported (use %q or %q)",
			c.Storage.Mode, StorageModeMemory, StorageModePostgres)
	}

	switch c.Blob.Mode {
	case BlobModeMemory, BlobModeObjectStore:
	default:
		return fmt.Errorf("blob.mode %q is not supported (use %q or %q)",
			c.Blob.Mode, BlobModeMemory, BlobModeObjectStore)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// isValidDomainName checks if a string can serve as a protocol domain name.
// Domain names travel in NATS subjects, so the character set is restricted
// to alphanumerics, dots, dashes, and underscores.
func isValidDomainName(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "DOCRELAY",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// getDefaults returns default configuration
func (l *Loader) getDefaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Protocol: ProtocolConfig{
			FragmentSize:     1 << 20, // 1 MiB
			DeprecationDelay: 60 * time.Minute,
			StaleAfter:       30 * time.Minute,
			CycleInterval:    5 * time.Second,
			RoutesPath:       "routes.yaml",
		},
		Storage: StorageConfig{
			Mode: StorageModeMemory,
		},
		Blob: BlobConfig{
			Mode:   BlobModeObjectStore,
			Bucket: "XFER_PAYLOADS",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	l.parseDurations(rawConfig)

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}

	return &merged
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) {
	if nats, ok := data["nats"].(map[string]any); ok {
		parseDurationField(nats, "reconnect_wait")
	}
	if proto, ok := data["protocol"].(map[string]any); ok {
		parseDurationField(proto, "deprecation_delay")
		parseDurationField(proto, "stale_after")
		parseDurationField(proto, "cycle_interval")
	}
}

func parseDurationField(m map[string]any, key string) {
	if s, ok := m[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			m[key] = d.Nanoseconds()
		}
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_NODE_ID"); val != "" {
		cfg.Node.ID = val
	}
	if val := os.Getenv(l.envPrefix + "_LOCAL_DOMAINS"); val != "" {
		cfg.Node.LocalDomains = strings.Split(val, ",")
	}

	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	if val := os.Getenv(l.envPrefix + "_POSTGRES_URL"); val != "" {
		cfg.Storage.Mode = StorageModePostgres
		cfg.Storage.PostgresURL = val
	}
	if val := os.Getenv(l.envPrefix + "_ROUTES_PATH"); val != "" {
		cfg.Protocol.RoutesPath = val
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return safeWriteFile(path, data)
}

// IsLocalDomain reports whether name is one of this node's local domains.
func (c *Config) IsLocalDomain(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, d := range c.Node.LocalDomains {
		if d == name {
			return true
		}
	}
	return false
}

// String returns a JSON representation of the config with secrets redacted
func (c *Config) String() string {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[redacted]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[redacted]"
	}
	if clone.Storage.PostgresURL != "" {
		clone.Storage.PostgresURL = redactURL(clone.Storage.PostgresURL)
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// redactURL strips the userinfo portion of a connection URL.
func redactURL(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return u
	}
	return u[:scheme+3] + "[redacted]" + u[at:]
}

// UnmarshalJSON implements custom JSON unmarshaling for Config so duration
// fields accept both "5m" strings and raw nanosecond numbers.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		NATS struct {
			URLs          []string `json:"urls"`
			MaxReconnects int      `json:"max_reconnects"`
			ReconnectWait any      `json:"reconnect_wait"`
			Username      string   `json:"username,omitempty"`
			Password      string   `json:"password,omitempty"`
			Token         string   `json:"token,omitempty"`
			CredsFile     string   `json:"creds_file,omitempty"`
		} `json:"nats"`
		Protocol struct {
			FragmentSize     int    `json:"fragment_size"`
			DeprecationDelay any    `json:"deprecation_delay"`
			StaleAfter       any    `json:"stale_after"`
			CycleInterval    any    `json:"cycle_interval"`
			RoutesPath       string `json:"routes_path"`
		} `json:"protocol"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.NATS.URLs = aux.NATS.URLs
	c.NATS.MaxReconnects = aux.NATS.MaxReconnects
	c.NATS.Username = aux.NATS.Username
	c.NATS.Password = aux.NATS.Password
	c.NATS.Token = aux.NATS.Token
	c.NATS.CredsFile = aux.NATS.CredsFile

	c.Protocol.FragmentSize = aux.Protocol.FragmentSize
	c.Protocol.RoutesPath = aux.Protocol.RoutesPath

	var err error
	if c.NATS.ReconnectWait, err = parseDurationValue(aux.NATS.ReconnectWait); err != nil {
		return fmt.Errorf("nats.reconnect_wait: %w", err)
	}
	if c.Protocol.DeprecationDelay, err = parseDurationValue(aux.Protocol.DeprecationDelay); err != nil {
		return fmt.Errorf("protocol.deprecation_delay: %w", err)
	}
	if c.Protocol.StaleAfter, err = parseDurationValue(aux.Protocol.StaleAfter); err != nil {
		return fmt.Errorf("protocol.stale_after: %w", err)
	}
	if c.Protocol.CycleInterval, err = parseDurationValue(aux.Protocol.CycleInterval); err != nil {
		return fmt.Errorf("protocol.cycle_interval: %w", err)
	}

	return nil
}

func parseDurationValue(v any) (time.Duration, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		return time.ParseDuration(val)
	case float64:
		return time.Duration(val), nil
	default:
		return 0, fmt.Errorf("unsupported duration value %v", v)
	}
}
