package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type RPCConfig struct {
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps" default:"10"`
}

type ChainConfig struct {
	RPC                *RPCConfig    `yaml:"rpc"`
	ChainID            string        `yaml:"chain_id"`
	EmitterChainID     uint16        `yaml:"emitter_chain_id"`
	BlockTime          time.Duration `yaml:"block_time"`
	BlockIndexInterval time.Duration `yaml:"block_index_interval"`
	SafeLogsRequest    bool          `yaml:"safe_logs_request"`
}

type BridgeSideConfig struct {
	ChainName          string         `yaml:"chain"`
	Chain              *ChainConfig   `yaml:"-"`
	Address            common.Address `yaml:"address"`
	StartBlock         uint           `yaml:"start_block"`
	BlockConfirmations uint           `yaml:"required_block_confirmations" default:"12"`
	MaxBlockRangeSize  uint           `yaml:"max_block_range_size" default:"1000"`
}

func (c *BridgeSideConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := new(struct {
		ChainName          string `yaml:"chain"`
		Address            string `yaml:"address"`
		StartBlock         uint   `yaml:"start_block"`
		BlockConfirmations uint   `yaml:"required_block_confirmations"`
		MaxBlockRangeSize  uint   `yaml:"max_block_range_size"`
	})
	if err := strictDecode(node, raw); err != nil {
		return err
	}
	addr, err := parseAddress(raw.Address)
	if err != nil {
		return err
	}
	*c = BridgeSideConfig{
		ChainName:          raw.ChainName,
		Address:            addr,
		StartBlock:         raw.StartBlock,
		BlockConfirmations: raw.BlockConfirmations,
		MaxBlockRangeSize:  raw.MaxBlockRangeSize,
	}
	return nil
}

// TokenPairConfig maps a token contract on the home chain to its counterpart
// on the foreign chain.
type TokenPairConfig struct {
	Symbol  string         `yaml:"symbol"`
	Home    common.Address `yaml:"home"`
	Foreign common.Address `yaml:"foreign"`
}

func (c *TokenPairConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := new(struct {
		Symbol  string `yaml:"symbol"`
		Home    string `yaml:"home"`
		Foreign string `yaml:"foreign"`
	})
	if err := strictDecode(node, raw); err != nil {
		return err
	}
	home, err := parseAddress(raw.Home)
	if err != nil {
		return err
	}
	foreign, err := parseAddress(raw.Foreign)
	if err != nil {
		return err
	}
	*c = TokenPairConfig{
		Symbol:  raw.Symbol,
		Home:    home,
		Foreign: foreign,
	}
	return nil
}

type GuardianConfig struct {
	API                   *RPCConfig    `yaml:"api"`
	AttestationAttempts   uint          `yaml:"attestation_attempts" default:"5"`
	AttestationRetryDelay time.Duration `yaml:"attestation_retry_delay"`
	AttestationCacheTTL   time.Duration `yaml:"attestation_cache_ttl"`
}

type ProcessorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     uint          `yaml:"batch_size" default:"10"`
	MaxConcurrent uint          `yaml:"max_concurrent" default:"4"`
	MaxRetries    uint          `yaml:"max_retries" default:"5"`
}

type RecoveryConfig struct {
	CheckpointDir      string        `yaml:"checkpoint_dir" default:"checkpoints"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	StuckScanInterval  time.Duration `yaml:"stuck_scan_interval"`
	MaxStuckTime       time.Duration `yaml:"max_stuck_time"`
	AutoAbort          bool          `yaml:"auto_abort"`
	KeysCheckInterval  time.Duration `yaml:"keys_check_interval"`
}

type KeysConfig struct {
	Primary string `yaml:"primary"`
	Backup  string `yaml:"backup"`
}

type BridgeConfig struct {
	ID        string            `yaml:"-"`
	Home      *BridgeSideConfig `yaml:"home"`
	Foreign   *BridgeSideConfig `yaml:"foreign"`
	Tokens    []TokenPairConfig `yaml:"tokens"`
	Guardian  *GuardianConfig   `yaml:"guardian"`
	Processor *ProcessorConfig  `yaml:"processor"`
	Recovery  *RecoveryConfig   `yaml:"recovery"`
	Keys      *KeysConfig       `yaml:"keys"`
}

// SideByChainID returns the bridge side deployed on the given chain.
func (c *BridgeConfig) SideByChainID(chainID string) *BridgeSideConfig {
	if c.Home.Chain != nil && c.Home.Chain.ChainID == chainID {
		return c.Home
	}
	if c.Foreign.Chain != nil && c.Foreign.Chain.ChainID == chainID {
		return c.Foreign
	}
	return nil
}

func (c *BridgeConfig) OtherSide(side *BridgeSideConfig) *BridgeSideConfig {
	if side == c.Home {
		return c.Foreign
	}
	return c.Home
}

func (c *BridgeConfig) TokenPairByHome(addr common.Address) (*TokenPairConfig, bool) {
	for i := range c.Tokens {
		if c.Tokens[i].Home == addr {
			return &c.Tokens[i], true
		}
	}
	return nil, false
}

func (c *BridgeConfig) TokenPairByForeign(addr common.Address) (*TokenPairConfig, bool) {
	for i := range c.Tokens {
		if c.Tokens[i].Foreign == addr {
			return &c.Tokens[i], true
		}
	}
	return nil, false
}

type DBConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port" default:"5432"`
	DB       string `yaml:"database"`
}

type PresenterConfig struct {
	Host string `yaml:"host"`
}

type Config struct {
	Chains          map[string]*ChainConfig  `yaml:"chains"`
	Bridges         map[string]*BridgeConfig `yaml:"bridges"`
	DBConfig        *DBConfig                `yaml:"postgres"`
	LogLevel        logrus.Level             `yaml:"-"`
	DisabledBridges []string                 `yaml:"disabled_bridges"`
	EnabledBridges  []string                 `yaml:"enabled_bridges"`
	Presenter       *PresenterConfig         `yaml:"presenter"`
}

func (cfg *Config) UnmarshalYAML(node *yaml.Node) error {
	raw := new(struct {
		Chains          map[string]*ChainConfig  `yaml:"chains"`
		Bridges         map[string]*BridgeConfig `yaml:"bridges"`
		DBConfig        *DBConfig                `yaml:"postgres"`
		LogLevel        string                   `yaml:"log_level"`
		DisabledBridges []string                 `yaml:"disabled_bridges"`
		EnabledBridges  []string                 `yaml:"enabled_bridges"`
		Presenter       *PresenterConfig         `yaml:"presenter"`
	})
	if err := strictDecode(node, raw); err != nil {
		return err
	}
	level := logrus.InfoLevel
	if raw.LogLevel != "" {
		var err error
		level, err = logrus.ParseLevel(raw.LogLevel)
		if err != nil {
			return fmt.Errorf("can't parse log level: %w", err)
		}
	}
	*cfg = Config{
		Chains:          raw.Chains,
		Bridges:         raw.Bridges,
		DBConfig:        raw.DBConfig,
		LogLevel:        level,
		DisabledBridges: raw.DisabledBridges,
		EnabledBridges:  raw.EnabledBridges,
		Presenter:       raw.Presenter,
	}
	return nil
}

// ReadConfig parses, defaults and validates the config from the given blob.
// Components constructed from the result never re-validate it.
func ReadConfig(blob []byte) (*Config, error) {
	cfg := new(Config)
	if err := parseYaml(cfg, blob); err != nil {
		return nil, err
	}
	if err := cfg.process(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfigWithEnv is like ReadConfig, expanding ${VAR} placeholders from
// the process environment first.
func ReadConfigWithEnv(blob []byte) (*Config, error) {
	return ReadConfig([]byte(os.ExpandEnv(string(blob))))
}

func ReadConfigFromFile(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}
	return ReadConfigWithEnv(blob)
}

func (cfg *Config) process() error {
	for _, chainCfg := range cfg.Chains {
		if err := defaults.Set(chainCfg); err != nil {
			return fmt.Errorf("can't apply chain config defaults: %w", err)
		}
		setDefaultDuration(&chainCfg.BlockTime, 15*time.Second)
		setDefaultDuration(&chainCfg.BlockIndexInterval, time.Minute)
		if chainCfg.RPC != nil {
			setDefaultDuration(&chainCfg.RPC.Timeout, 10*time.Second)
		}
	}
	for id, bridgeCfg := range cfg.Bridges {
		bridgeCfg.ID = id
		if bridgeCfg.Guardian == nil {
			bridgeCfg.Guardian = new(GuardianConfig)
		}
		if bridgeCfg.Processor == nil {
			bridgeCfg.Processor = new(ProcessorConfig)
		}
		if bridgeCfg.Recovery == nil {
			bridgeCfg.Recovery = new(RecoveryConfig)
		}
		if bridgeCfg.Keys == nil {
			bridgeCfg.Keys = new(KeysConfig)
		}
		if err := defaults.Set(bridgeCfg); err != nil {
			return fmt.Errorf("can't apply bridge config defaults: %w", err)
		}
		setDefaultDuration(&bridgeCfg.Guardian.AttestationRetryDelay, 5*time.Second)
		setDefaultDuration(&bridgeCfg.Guardian.AttestationCacheTTL, 10*time.Minute)
		if bridgeCfg.Guardian.API != nil {
			setDefaultDuration(&bridgeCfg.Guardian.API.Timeout, 10*time.Second)
		}
		setDefaultDuration(&bridgeCfg.Processor.Interval, 10*time.Second)
		setDefaultDuration(&bridgeCfg.Recovery.CheckpointInterval, time.Minute)
		setDefaultDuration(&bridgeCfg.Recovery.StuckScanInterval, time.Minute)
		setDefaultDuration(&bridgeCfg.Recovery.MaxStuckTime, 10*time.Minute)
		setDefaultDuration(&bridgeCfg.Recovery.KeysCheckInterval, time.Minute)
		for _, side := range [2]*BridgeSideConfig{bridgeCfg.Home, bridgeCfg.Foreign} {
			if side == nil {
				return fmt.Errorf("bridge %s misses home or foreign side", id)
			}
			chainCfg, ok := cfg.Chains[side.ChainName]
			if !ok {
				return fmt.Errorf("unknown chain %q in bridge %s", side.ChainName, id)
			}
			side.Chain = chainCfg
		}
	}
	return nil
}

func (cfg *Config) Validate() error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	if cfg.DBConfig == nil {
		return fmt.Errorf("postgres config is required")
	}
	for name, chainCfg := range cfg.Chains {
		if chainCfg.RPC == nil || chainCfg.RPC.Host == "" {
			return fmt.Errorf("chain %s misses rpc host", name)
		}
		if chainCfg.ChainID == "" {
			return fmt.Errorf("chain %s misses chain_id", name)
		}
		if chainCfg.EmitterChainID == 0 {
			return fmt.Errorf("chain %s misses emitter_chain_id", name)
		}
	}
	for id, bridgeCfg := range cfg.Bridges {
		if err := bridgeCfg.Validate(); err != nil {
			return fmt.Errorf("invalid config of bridge %s: %w", id, err)
		}
	}
	return nil
}

func (c *BridgeConfig) Validate() error {
	for _, side := range [2]*BridgeSideConfig{c.Home, c.Foreign} {
		if side.Address == (common.Address{}) {
			return fmt.Errorf("bridge side on chain %s misses contract address", side.ChainName)
		}
		if side.StartBlock == 0 {
			return fmt.Errorf("bridge side on chain %s misses start_block", side.ChainName)
		}
		if side.MaxBlockRangeSize == 0 {
			return fmt.Errorf("bridge side on chain %s has zero max_block_range_size", side.ChainName)
		}
	}
	if c.Home.Chain == c.Foreign.Chain {
		return fmt.Errorf("home and foreign sides share the chain %s", c.Home.ChainName)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("no token pairs configured")
	}
	if c.Guardian.API == nil || c.Guardian.API.Host == "" {
		return fmt.Errorf("guardian api host is required")
	}
	if c.Guardian.AttestationAttempts == 0 {
		return fmt.Errorf("attestation_attempts must be positive")
	}
	if c.Processor.BatchSize == 0 || c.Processor.MaxConcurrent == 0 {
		return fmt.Errorf("processor batch_size and max_concurrent must be positive")
	}
	if c.Keys.Primary == "" {
		return fmt.Errorf("primary signing key is required")
	}
	return nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", s)
	}
	return common.HexToAddress(s), nil
}

func setDefaultDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
