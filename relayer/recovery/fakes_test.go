package recovery_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/alerting"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/relayer/recovery"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/signer"
)

var (
	testHomeBridgeAddr    = common.HexToAddress("0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016")
	testForeignBridgeAddr = common.HexToAddress("0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6")
)

func newRecoveryConfig(t *testing.T) *config.BridgeConfig {
	t.Helper()
	return &config.BridgeConfig{
		ID: "test_bridge",
		Home: &config.BridgeSideConfig{
			ChainName: "home",
			Chain:     &config.ChainConfig{ChainID: "1", EmitterChainID: 2},
			Address:   testHomeBridgeAddr,
		},
		Foreign: &config.BridgeSideConfig{
			ChainName: "foreign",
			Chain:     &config.ChainConfig{ChainID: "100", EmitterChainID: 5},
			Address:   testForeignBridgeAddr,
		},
		Processor: &config.ProcessorConfig{
			Interval:      time.Minute,
			BatchSize:     10,
			MaxConcurrent: 4,
			MaxRetries:    3,
		},
		Recovery: &config.RecoveryConfig{
			CheckpointDir:      t.TempDir(),
			CheckpointInterval: time.Hour,
			StuckScanInterval:  time.Hour,
			MaxStuckTime:       time.Minute,
			KeysCheckInterval:  time.Hour,
		},
	}
}

// fakeTxsRepo keeps transactions as provided, timestamps included, so stuck
// detection windows are controllable from tests.
type fakeTxsRepo struct {
	mu    sync.Mutex
	txs   map[common.Hash]*entity.BridgeTransaction
	order []common.Hash
}

func newFakeTxsRepo() *fakeTxsRepo {
	return &fakeTxsRepo{txs: map[common.Hash]*entity.BridgeTransaction{}}
}

func cloneTx(tx *entity.BridgeTransaction) *entity.BridgeTransaction {
	cp := *tx
	return &cp
}

func (f *fakeTxsRepo) Ensure(_ context.Context, tx *entity.BridgeTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[tx.ID]; ok {
		return nil
	}
	cp := cloneTx(tx)
	if cp.UpdatedAt == nil {
		now := time.Now()
		cp.UpdatedAt = &now
	}
	f.txs[tx.ID] = cp
	f.order = append(f.order, tx.ID)
	return nil
}

func (f *fakeTxsRepo) Update(_ context.Context, tx *entity.BridgeTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[tx.ID]; !ok {
		return nil
	}
	f.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (f *fakeTxsRepo) GetByID(_ context.Context, bridgeID string, id common.Hash) (*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.BridgeID != bridgeID {
		return nil, fmt.Errorf("can't get bridge transaction: %w", db.ErrNotFound)
	}
	return cloneTx(tx), nil
}

func (f *fakeTxsRepo) FindByStatus(_ context.Context, bridgeID string, status entity.TxStatus, limit uint) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID != bridgeID || tx.Status != status {
			continue
		}
		res = append(res, cloneTx(tx))
		if uint(len(res)) >= limit {
			break
		}
	}
	return res, nil
}

func (f *fakeTxsRepo) FindBySourceTxHash(_ context.Context, bridgeID string, txHash common.Hash) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID == bridgeID && tx.SourceTxHash == txHash {
			res = append(res, cloneTx(tx))
		}
	}
	return res, nil
}

func (f *fakeTxsRepo) FindStuck(_ context.Context, bridgeID string, olderThan time.Time) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID != bridgeID {
			continue
		}
		if tx.Status != entity.TxStatusPending && tx.Status != entity.TxStatusProcessing {
			continue
		}
		if tx.UpdatedAt == nil || !tx.UpdatedAt.Before(olderThan) {
			continue
		}
		res = append(res, cloneTx(tx))
	}
	return res, nil
}

func (f *fakeTxsRepo) FindUnfinished(_ context.Context, bridgeID string, chainID string) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID != bridgeID || tx.SourceChainID != chainID {
			continue
		}
		if tx.Status != entity.TxStatusPending && tx.Status != entity.TxStatusProcessing {
			continue
		}
		res = append(res, cloneTx(tx))
	}
	return res, nil
}

func (f *fakeTxsRepo) CountByStatus(_ context.Context, bridgeID string) (map[entity.TxStatus]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[entity.TxStatus]uint{}
	for _, tx := range f.txs {
		if tx.BridgeID == bridgeID {
			counts[tx.Status]++
		}
	}
	return counts, nil
}

func (f *fakeTxsRepo) stored(id common.Hash) *entity.BridgeTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil
	}
	return cloneTx(tx)
}

func (f *fakeTxsRepo) statusOf(id common.Hash) entity.TxStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return ""
	}
	return tx.Status
}

type fakeCursorsRepo struct {
	mu      sync.Mutex
	cursors map[string]*entity.BlockCursor
}

func newFakeCursorsRepo() *fakeCursorsRepo {
	return &fakeCursorsRepo{cursors: map[string]*entity.BlockCursor{}}
}

func cursorKey(chainID string, addr common.Address) string {
	return chainID + "/" + addr.Hex()
}

func (f *fakeCursorsRepo) Ensure(_ context.Context, cursor *entity.BlockCursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cursor
	f.cursors[cursorKey(cursor.ChainID, cursor.Address)] = &cp
	return nil
}

func (f *fakeCursorsRepo) GetByChainIDAndAddress(_ context.Context, chainID string, addr common.Address) (*entity.BlockCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor, ok := f.cursors[cursorKey(chainID, addr)]
	if !ok {
		return nil, fmt.Errorf("can't get block cursor: %w", db.ErrNotFound)
	}
	cp := *cursor
	return &cp, nil
}

func (f *fakeCursorsRepo) lastProcessed(chainID string, addr common.Address) (uint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor, ok := f.cursors[cursorKey(chainID, addr)]
	if !ok {
		return 0, false
	}
	return cursor.LastProcessedBlock, true
}

type fakeCheckpointsRepo struct {
	mu      sync.Mutex
	records []*entity.Checkpoint
}

func newFakeCheckpointsRepo() *fakeCheckpointsRepo {
	return &fakeCheckpointsRepo{}
}

func (f *fakeCheckpointsRepo) Ensure(_ context.Context, cp *entity.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, cp)
	return nil
}

func (f *fakeCheckpointsRepo) GetLatest(_ context.Context, bridgeID string) (*entity.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].BridgeID == bridgeID {
			return f.records[i], nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeCheckpointsRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeCheckpointsRepo) latest() *entity.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return f.records[len(f.records)-1]
}

type fakeStatusSource struct {
	mu       sync.Mutex
	snapshot *recovery.Snapshot
	err      error
}

func (f *fakeStatusSource) Snapshot(context.Context) (*recovery.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.snapshot
	return &cp, nil
}

func (f *fakeStatusSource) set(snapshot *recovery.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snapshot
}

type fakeNotifier struct {
	mu          sync.Mutex
	rotations   []common.Address
	checkpoints []string
}

func (f *fakeNotifier) KeyRotated(newActive common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations = append(f.rotations, newActive)
}

func (f *fakeNotifier) CheckpointWritten(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, id)
}

func (f *fakeNotifier) rotatedTo() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.rotations...)
}

func (f *fakeNotifier) writtenCheckpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checkpoints...)
}

type recordedAlert struct {
	level   alerting.Level
	source  string
	message string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (f *fakeAlerter) SendAlert(level alerting.Level, source, message string, _ logrus.Fields) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, recordedAlert{level: level, source: source, message: message})
}

func (f *fakeAlerter) has(message string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, alert := range f.alerts {
		if alert.message == message {
			return true
		}
	}
	return false
}

// fakeBalanceProber answers balance probes per address, defaulting to a
// funded account.
type fakeBalanceProber struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	err      error
}

func newFakeBalanceProber() *fakeBalanceProber {
	return &fakeBalanceProber{balances: map[common.Address]*big.Int{}}
}

func (f *fakeBalanceProber) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if balance, ok := f.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(1), nil
}

func (f *fakeBalanceProber) drain(account common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = big.NewInt(0)
}

type managerEnv struct {
	cfg      *config.BridgeConfig
	txs      *fakeTxsRepo
	cursors  *fakeCursorsRepo
	audit    *fakeCheckpointsRepo
	source   *fakeStatusSource
	notifier *fakeNotifier
	alerter  *fakeAlerter
	prober   *fakeBalanceProber
	signer   *signer.Signer
	manager  *recovery.Manager
}

func keyHex(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey)
}

func newManagerEnv(t *testing.T, withStandby bool) *managerEnv {
	t.Helper()
	keys := &config.KeysConfig{}
	var active common.Address
	keys.Primary, active = keyHex(t)
	if withStandby {
		keys.Backup, _ = keyHex(t)
	}
	cfg := newRecoveryConfig(t)
	cfg.Keys = keys
	sgn, err := signer.NewSigner(keys)
	require.NoError(t, err)

	env := &managerEnv{
		cfg:      cfg,
		txs:      newFakeTxsRepo(),
		cursors:  newFakeCursorsRepo(),
		audit:    newFakeCheckpointsRepo(),
		notifier: &fakeNotifier{},
		alerter:  &fakeAlerter{},
		prober:   newFakeBalanceProber(),
		signer:   sgn,
	}
	env.source = &fakeStatusSource{snapshot: &recovery.Snapshot{
		Running:    true,
		Pending:    2,
		Processing: 1,
		Cursors:    map[string]uint{"1": 42, "100": 77},
		ActiveKey:  active,
	}}
	repo := &repository.Repo{
		BridgeTransactions: env.txs,
		BlockCursors:       env.cursors,
		Checkpoints:        env.audit,
	}
	clients := map[string]recovery.BalanceProber{"1": env.prober, "100": env.prober}
	env.manager = recovery.NewManager(logging.New(), repo, cfg, sgn, env.alerter, clients, env.source, env.notifier)
	return env
}

func (e *managerEnv) addTransaction(t *testing.T, sequence uint64, status entity.TxStatus, age time.Duration, retryCount uint) *entity.BridgeTransaction {
	t.Helper()
	sourceTxHash := common.BigToHash(new(big.Int).SetUint64(0xa00 + sequence))
	updatedAt := time.Now().Add(-age)
	errMsg := "no attestation after 3 attempts: not found"
	tx := &entity.BridgeTransaction{
		ID:            entity.TransactionID("1", sourceTxHash, 0, sequence),
		BridgeID:      "test_bridge",
		TransferType:  entity.TransferTypeDeposit,
		Status:        status,
		SourceChainID: "1",
		TargetChainID: "100",
		Amount:        "1000",
		SourceTxHash:  sourceTxHash,
		Sequence:      sequence,
		RetryCount:    retryCount,
		ErrorMsg:      &errMsg,
		UpdatedAt:     &updatedAt,
	}
	require.NoError(t, e.txs.Ensure(context.Background(), tx))
	return tx
}

// runManager starts the recovery jobs in the background. Intervals in the
// test config are long, so every job fires exactly once.
func runManager(t *testing.T, m *recovery.Manager) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}
