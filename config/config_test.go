package config_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/config"
)

const testCfg = `
chains:
  mainnet:
    rpc:
      host: https://mainnet.infura.io/v3/${INFURA_PROJECT_KEY}
      timeout: 30s
      rps: 10
    chain_id: 1
    emitter_chain_id: 2
    block_time: 15s
    block_index_interval: 60s
  sidechain:
    rpc:
      host: https://rpc.example.com/sidechain
      timeout: 20s
    chain_id: 100
    emitter_chain_id: 23
    block_time: 5s
    block_index_interval: 30s
    safe_logs_request: true
bridges:
  usdc:
    home:
      chain: mainnet
      address: 0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016
      start_block: 6478411
      required_block_confirmations: 12
      max_block_range_size: 2000
    foreign:
      chain: sidechain
      address: 0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6
      start_block: 756
    tokens:
      - symbol: USDC
        home: 0x89d24A6b4CcB1B6fAA2625fE562bDD9a23260359
        foreign: 0x6B175474E89094C44Da98b954EedeAC495271d0F
    guardian:
      api:
        host: https://guardian.example.com
        timeout: 15s
      attestation_attempts: 3
      attestation_retry_delay: 2s
    processor:
      batch_size: 20
      max_retries: 3
    recovery:
      checkpoint_dir: /var/lib/relayer/checkpoints
      max_stuck_time: 30m
      auto_abort: true
    keys:
      primary: ${RELAYER_PRIMARY_KEY}
      backup: ${RELAYER_BACKUP_KEY}
postgres:
  user: test_user
  password: test_password
  host: test_host
  port: 5432
  database: test_db
log_level: info
presenter:
  host: 0.0.0.0:3333
`

const testPrimaryKey = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
const testBackupKey = "77c5495fbb039eed474fc940f29955ed0531693cc9212911efd35dff0373153f"

//nolint:paralleltest
func TestReadConfigWithEnv(t *testing.T) {
	t.Setenv("INFURA_PROJECT_KEY", "12345678")
	t.Setenv("RELAYER_PRIMARY_KEY", testPrimaryKey)
	t.Setenv("RELAYER_BACKUP_KEY", testBackupKey)

	cfg, err := config.ReadConfigWithEnv([]byte(testCfg))
	require.NoError(t, err)

	mainnetChainCfg := &config.ChainConfig{
		RPC: &config.RPCConfig{
			Host:    "https://mainnet.infura.io/v3/12345678",
			Timeout: 30 * time.Second,
			RPS:     10,
		},
		ChainID:            "1",
		EmitterChainID:     2,
		BlockTime:          15 * time.Second,
		BlockIndexInterval: 60 * time.Second,
		SafeLogsRequest:    false,
	}
	sidechainChainCfg := &config.ChainConfig{
		RPC: &config.RPCConfig{
			Host:    "https://rpc.example.com/sidechain",
			Timeout: 20 * time.Second,
			RPS:     10,
		},
		ChainID:            "100",
		EmitterChainID:     23,
		BlockTime:          5 * time.Second,
		BlockIndexInterval: 30 * time.Second,
		SafeLogsRequest:    true,
	}
	require.Equal(t, &config.Config{
		Chains: map[string]*config.ChainConfig{
			"mainnet":   mainnetChainCfg,
			"sidechain": sidechainChainCfg,
		},
		Bridges: map[string]*config.BridgeConfig{
			"usdc": {
				ID: "usdc",
				Home: &config.BridgeSideConfig{
					ChainName:          "mainnet",
					Chain:              mainnetChainCfg,
					Address:            common.HexToAddress("0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016"),
					StartBlock:         6478411,
					BlockConfirmations: 12,
					MaxBlockRangeSize:  2000,
				},
				Foreign: &config.BridgeSideConfig{
					ChainName:          "sidechain",
					Chain:              sidechainChainCfg,
					Address:            common.HexToAddress("0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6"),
					StartBlock:         756,
					BlockConfirmations: 12,
					MaxBlockRangeSize:  1000,
				},
				Tokens: []config.TokenPairConfig{
					{
						Symbol:  "USDC",
						Home:    common.HexToAddress("0x89d24A6b4CcB1B6fAA2625fE562bDD9a23260359"),
						Foreign: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
					},
				},
				Guardian: &config.GuardianConfig{
					API: &config.RPCConfig{
						Host:    "https://guardian.example.com",
						Timeout: 15 * time.Second,
						RPS:     10,
					},
					AttestationAttempts:   3,
					AttestationRetryDelay: 2 * time.Second,
					AttestationCacheTTL:   10 * time.Minute,
				},
				Processor: &config.ProcessorConfig{
					Interval:      10 * time.Second,
					BatchSize:     20,
					MaxConcurrent: 4,
					MaxRetries:    3,
				},
				Recovery: &config.RecoveryConfig{
					CheckpointDir:      "/var/lib/relayer/checkpoints",
					CheckpointInterval: time.Minute,
					StuckScanInterval:  time.Minute,
					MaxStuckTime:       30 * time.Minute,
					AutoAbort:          true,
					KeysCheckInterval:  time.Minute,
				},
				Keys: &config.KeysConfig{
					Primary: testPrimaryKey,
					Backup:  testBackupKey,
				},
			},
		},
		DBConfig: &config.DBConfig{
			User:     "test_user",
			Password: "test_password",
			Host:     "test_host",
			Port:     5432,
			DB:       "test_db",
		},
		LogLevel:  logrus.InfoLevel,
		Presenter: &config.PresenterConfig{Host: "0.0.0.0:3333"},
	}, cfg)
}

//nolint:paralleltest
func TestReadConfigRejectsUnknownFields(t *testing.T) {
	t.Setenv("INFURA_PROJECT_KEY", "12345678")
	t.Setenv("RELAYER_PRIMARY_KEY", testPrimaryKey)
	t.Setenv("RELAYER_BACKUP_KEY", testBackupKey)

	_, err := config.ReadConfigWithEnv([]byte(testCfg + "\nunknown_key: 1\n"))
	require.Error(t, err)
}

//nolint:paralleltest
func TestBridgeConfigHelpers(t *testing.T) {
	t.Setenv("INFURA_PROJECT_KEY", "12345678")
	t.Setenv("RELAYER_PRIMARY_KEY", testPrimaryKey)
	t.Setenv("RELAYER_BACKUP_KEY", testBackupKey)

	cfg, err := config.ReadConfigWithEnv([]byte(testCfg))
	require.NoError(t, err)
	bridge := cfg.Bridges["usdc"]

	require.Equal(t, bridge.Home, bridge.SideByChainID("1"))
	require.Equal(t, bridge.Foreign, bridge.SideByChainID("100"))
	require.Nil(t, bridge.SideByChainID("5"))
	require.Equal(t, bridge.Foreign, bridge.OtherSide(bridge.Home))
	require.Equal(t, bridge.Home, bridge.OtherSide(bridge.Foreign))

	pair, ok := bridge.TokenPairByHome(common.HexToAddress("0x89d24A6b4CcB1B6fAA2625fE562bDD9a23260359"))
	require.True(t, ok)
	require.Equal(t, "USDC", pair.Symbol)
	_, ok = bridge.TokenPairByForeign(common.HexToAddress("0x89d24A6b4CcB1B6fAA2625fE562bDD9a23260359"))
	require.False(t, ok)
}

//nolint:paralleltest
func TestReadConfigRequiresTokens(t *testing.T) {
	t.Setenv("INFURA_PROJECT_KEY", "12345678")
	t.Setenv("RELAYER_PRIMARY_KEY", testPrimaryKey)
	t.Setenv("RELAYER_BACKUP_KEY", testBackupKey)

	cfg, err := config.ReadConfigWithEnv([]byte(testCfg))
	require.NoError(t, err)
	cfg.Bridges["usdc"].Tokens = nil
	require.Error(t, cfg.Bridges["usdc"].Validate())
}
