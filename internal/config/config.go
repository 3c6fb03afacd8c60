// Package config defines the indexer's configuration schema and loading
// pipeline, consolidating the teacher's split pkg/config + internal/config
// packages into the single shape SPEC_FULL.md §6 describes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/evmindex/indexcore/internal/common"
	"github.com/evmindex/indexcore/internal/logger"
)

// Mode selects which components a process hosts.
type Mode string

const (
	ModeStandalone Mode = "Standalone"
	ModeIndexer    Mode = "Indexer"
	ModeWatcher    Mode = "Watcher"
)

// Config is the top-level configuration document.
type Config struct {
	Database  DatabaseConfig   `yaml:"database" json:"database" toml:"database"`
	Networks  []NetworkConfig  `yaml:"networks" json:"networks" toml:"networks"`
	Filters   []FilterConfig   `yaml:"filters" json:"filters" toml:"filters"`
	Options   OptionsConfig    `yaml:"options" json:"options" toml:"options"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`
	Retry     *RetryConfig     `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`
}

// DatabaseConfig picks and configures the storage backend.
type DatabaseConfig struct {
	Kind             string `yaml:"kind" json:"kind" toml:"kind"` // "sqlite" | "postgres"
	Directory        string `yaml:"directory,omitempty" json:"directory,omitempty" toml:"directory,omitempty"`
	ConnectionString string `yaml:"connection_string,omitempty" json:"connection_string,omitempty" toml:"connection_string,omitempty"`

	JournalMode        string `yaml:"journal_mode,omitempty" json:"journal_mode,omitempty" toml:"journal_mode,omitempty"`
	Synchronous        string `yaml:"synchronous,omitempty" json:"synchronous,omitempty" toml:"synchronous,omitempty"`
	BusyTimeoutMS      int    `yaml:"busy_timeout_ms,omitempty" json:"busy_timeout_ms,omitempty" toml:"busy_timeout_ms,omitempty"`
	CacheSize          int    `yaml:"cache_size,omitempty" json:"cache_size,omitempty" toml:"cache_size,omitempty"`
	MaxOpenConnections int    `yaml:"max_open_connections,omitempty" json:"max_open_connections,omitempty" toml:"max_open_connections,omitempty"`
	MaxIdleConnections int    `yaml:"max_idle_connections,omitempty" json:"max_idle_connections,omitempty" toml:"max_idle_connections,omitempty"`
	EnableForeignKeys  bool   `yaml:"enable_foreign_keys,omitempty" json:"enable_foreign_keys,omitempty" toml:"enable_foreign_keys,omitempty"`
}

func (d *DatabaseConfig) ApplyDefaults() {
	if d.Kind == "" {
		d.Kind = "sqlite"
	}
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeoutMS == 0 {
		d.BusyTimeoutMS = 30000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

func (d *DatabaseConfig) Validate() error {
	switch d.Kind {
	case "sqlite":
		if d.Directory == "" {
			return fmt.Errorf("database.directory is required when kind=sqlite")
		}
	case "postgres":
		if d.ConnectionString == "" {
			return fmt.Errorf("database.connection_string is required when kind=postgres")
		}
	default:
		return fmt.Errorf("database.kind must be one of: sqlite, postgres")
	}
	return nil
}

// PaymentsConfig configures the Paid RPC transport's voucher collaborator.
type PaymentsConfig struct {
	Endpoint string          `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	Methods  []string        `yaml:"methods,omitempty" json:"methods,omitempty" toml:"methods,omitempty"`
	Timeout  common.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" toml:"timeout,omitempty"`
}

func (p *PaymentsConfig) ApplyDefaults() {
	if len(p.Methods) == 0 {
		p.Methods = []string{"eth_getLogs", "eth_getBlockByNumber", "eth_getBlockByHash"}
	}
	if p.Timeout.Duration == 0 {
		p.Timeout = common.NewDuration(defaultPaymentsTimeout)
	}
}

// NetworkConfig describes one chain the indexer talks to.
type NetworkConfig struct {
	Name                      string          `yaml:"name" json:"name" toml:"name"`
	ChainID                   uint64          `yaml:"chain_id" json:"chain_id" toml:"chain_id"`
	RPCURL                    string          `yaml:"rpc_url,omitempty" json:"rpc_url,omitempty" toml:"rpc_url,omitempty"`
	IndexerURL                string          `yaml:"indexer_url,omitempty" json:"indexer_url,omitempty" toml:"indexer_url,omitempty"`
	PollingInterval           common.Duration `yaml:"polling_interval,omitempty" json:"polling_interval,omitempty" toml:"polling_interval,omitempty"`
	MaxRPCRequestConcurrency  int             `yaml:"max_rpc_request_concurrency,omitempty" json:"max_rpc_request_concurrency,omitempty" toml:"max_rpc_request_concurrency,omitempty"` //nolint:lll
	Payments                  *PaymentsConfig `yaml:"payments,omitempty" json:"payments,omitempty" toml:"payments,omitempty"`
}

func (n *NetworkConfig) ApplyDefaults() {
	if n.PollingInterval.Duration == 0 {
		n.PollingInterval = common.NewDuration(defaultPollingInterval)
	}
	if n.MaxRPCRequestConcurrency == 0 {
		n.MaxRPCRequestConcurrency = 10
	}
	if n.Payments != nil {
		n.Payments.ApplyDefaults()
	}
}

func (n *NetworkConfig) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("networks[]: name is required")
	}
	if n.RPCURL == "" && n.IndexerURL == "" {
		return fmt.Errorf("network %q: one of rpc_url or indexer_url is required", n.Name)
	}
	return nil
}

// FilterConfig describes one named log filter (a "contract" in the
// distilled spec's vocabulary).
type FilterConfig struct {
	Name          string   `yaml:"name" json:"name" toml:"name"`
	Network       string   `yaml:"network" json:"network" toml:"network"`
	ABI           string   `yaml:"abi,omitempty" json:"abi,omitempty" toml:"abi,omitempty"`
	Addresses     []string `yaml:"addresses,omitempty" json:"addresses,omitempty" toml:"addresses,omitempty"`
	Events        []string `yaml:"events,omitempty" json:"events,omitempty" toml:"events,omitempty"`
	StartBlock    uint64   `yaml:"start_block,omitempty" json:"start_block,omitempty" toml:"start_block,omitempty"`
	EndBlock      *uint64  `yaml:"end_block,omitempty" json:"end_block,omitempty" toml:"end_block,omitempty"`
	MaxBlockRange uint64   `yaml:"max_block_range,omitempty" json:"max_block_range,omitempty" toml:"max_block_range,omitempty"`
}

func (f *FilterConfig) ApplyDefaults(rpcURL string, chainID uint64) {
	if f.MaxBlockRange == 0 {
		f.MaxBlockRange = DefaultMaxBlockRange(chainID, rpcURL)
	}
}

func (f *FilterConfig) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("filters[]: name is required")
	}
	if f.Network == "" {
		return fmt.Errorf("filter %q: network is required", f.Name)
	}
	return nil
}

// DefaultMaxBlockRange reproduces the per-chain defaults named in
// SPEC_FULL.md §6.
func DefaultMaxBlockRange(chainID uint64, rpcURL string) uint64 {
	switch chainID {
	case 1, 3, 4, 5, 42, 11155111:
		return 2000
	}
	if strings.Contains(rpcURL, "quiknode.pro") {
		return 10000
	}
	return 50000
}

// FinalityBlockCount reproduces the per-chain finality depths named in
// SPEC_FULL.md §6.
func FinalityBlockCount(chainID uint64) uint64 {
	switch chainID {
	case 1, 3, 4, 5, 42, 11155111: // Ethereum mainnet + testnets
		return 32
	case 10, 420, 11155420, 7777777: // Optimism family + Zora
		return 5
	case 137, 80001, 80002: // Polygon family
		return 100
	case 42161, 421613, 421614: // Arbitrum family
		return 40
	default:
		return 5
	}
}

// OptionsConfig carries process-wide toggles.
type OptionsConfig struct {
	MaxHealthcheckDuration common.Duration `yaml:"max_healthcheck_duration,omitempty" json:"max_healthcheck_duration,omitempty" toml:"max_healthcheck_duration,omitempty"` //nolint:lll
	Mode                   Mode            `yaml:"mode" json:"mode" toml:"mode"`
}

func (o *OptionsConfig) ApplyDefaults() {
	if o.MaxHealthcheckDuration.Duration == 0 {
		o.MaxHealthcheckDuration = common.NewDuration(defaultHealthcheckDuration)
	}
	if o.Mode == "" {
		o.Mode = ModeStandalone
	}
}

func (o *OptionsConfig) Validate() error {
	switch o.Mode {
	case ModeStandalone, ModeIndexer, ModeWatcher:
		return nil
	default:
		return fmt.Errorf("options.mode must be one of: Standalone, Indexer, Watcher")
	}
}

// RetryConfig is carried verbatim from the teacher's pkg/config shape.
type RetryConfig struct {
	MaxAttempts       int             `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`
	InitialBackoff    common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`
	BackoffMultiplier float64         `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(defaultInitialBackoff)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(defaultMaxBackoff)
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// MaintenanceConfig is carried verbatim from the teacher's pkg/config shape.
type MaintenanceConfig struct {
	Enabled           bool            `yaml:"enabled" json:"enabled" toml:"enabled"`
	CheckInterval     common.Duration `yaml:"check_interval" json:"check_interval" toml:"check_interval"`
	VacuumOnStartup   bool            `yaml:"vacuum_on_startup" json:"vacuum_on_startup" toml:"vacuum_on_startup"`
	WALCheckpointMode string          `yaml:"wal_checkpoint_mode" json:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = common.NewDuration(defaultMaintenanceInterval)
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
}

func (m *MaintenanceConfig) Validate() error {
	valid := map[string]struct{}{"PASSIVE": {}, "FULL": {}, "RESTART": {}, "TRUNCATE": {}}
	if _, ok := valid[m.WALCheckpointMode]; m.WALCheckpointMode != "" && !ok {
		return fmt.Errorf("maintenance.wal_checkpoint_mode: must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
	}
	return nil
}

// LoggingConfig is carried verbatim from the teacher's pkg/config shape.
type LoggingConfig struct {
	DefaultLevel    string            `yaml:"default_level" json:"default_level" toml:"default_level"`
	Development     bool              `yaml:"development" json:"development" toml:"development"`
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

func (l *LoggingConfig) Validate() error {
	if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; l.DefaultLevel != "" && !valid {
		return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
	}
	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component %q", component)
		}
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}
	return nil
}

func (l *LoggingConfig) GetComponentLevel(component string) string {
	if level, ok := l.ComponentLevels[component]; ok {
		return level
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// MetricsConfig is carried verbatim from the teacher's pkg/config shape.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`
	Path          string `yaml:"path" json:"path" toml:"path"`
}

func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && (m.ListenAddress == "" || m.Path == "" || m.Path[0] != '/') {
		return fmt.Errorf("metrics: listen_address and a leading-slash path are required when enabled")
	}
	return nil
}

const (
	defaultPollingInterval     = 1000 * time.Millisecond
	defaultHealthcheckDuration = 240 * time.Second
	defaultMaintenanceInterval = 30 * time.Minute
	defaultInitialBackoff      = 1 * time.Second
	defaultMaxBackoff          = 30 * time.Second
	defaultPaymentsTimeout     = 10 * time.Second
)

// ApplyDefaults fills in every optional field across the document.
func (c *Config) ApplyDefaults() {
	c.Database.ApplyDefaults()
	for i := range c.Networks {
		c.Networks[i].ApplyDefaults()
	}
	byName := c.networksByName()
	for i := range c.Filters {
		net := byName[c.Filters[i].Network]
		c.Filters[i].ApplyDefaults(net.RPCURL, net.ChainID)
	}
	c.Options.ApplyDefaults()
	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}
	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
	if c.Retry != nil {
		c.Retry.ApplyDefaults()
	}
	if c.Maintenance != nil {
		c.Maintenance.ApplyDefaults()
	}
}

func (c *Config) networksByName() map[string]NetworkConfig {
	m := make(map[string]NetworkConfig, len(c.Networks))
	for _, n := range c.Networks {
		m[n.Name] = n
	}
	return m
}

// Validate checks the whole document, including cross-references between
// filters and the networks they name.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("networks: at least one network is required")
	}
	seenNetworks := map[string]struct{}{}
	for i := range c.Networks {
		if err := c.Networks[i].Validate(); err != nil {
			return err
		}
		if _, dup := seenNetworks[c.Networks[i].Name]; dup {
			return fmt.Errorf("networks: duplicate name %q", c.Networks[i].Name)
		}
		seenNetworks[c.Networks[i].Name] = struct{}{}
	}
	seenFilters := map[string]struct{}{}
	for i := range c.Filters {
		if err := c.Filters[i].Validate(); err != nil {
			return err
		}
		if _, dup := seenFilters[c.Filters[i].Name]; dup {
			return fmt.Errorf("filters: duplicate name %q", c.Filters[i].Name)
		}
		seenFilters[c.Filters[i].Name] = struct{}{}
		if _, ok := seenNetworks[c.Filters[i].Network]; !ok {
			return fmt.Errorf("filter %q: unknown network %q", c.Filters[i].Name, c.Filters[i].Network)
		}
	}
	if err := c.Options.Validate(); err != nil {
		return err
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return err
		}
	}
	if c.Maintenance != nil {
		if err := c.Maintenance.Validate(); err != nil {
			return err
		}
	}
	return nil
}
