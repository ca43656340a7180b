package relayer_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/alerting"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/guardianrpc"
	"github.com/omni/tokenbridge-relayer/signer"
	"github.com/omni/tokenbridge-relayer/vaa"
)

var (
	homeBridgeAddr    = common.HexToAddress("0x4aa42145Aa6Ebf72e164C9bBC74fbD3788045016")
	foreignBridgeAddr = common.HexToAddress("0x7301CFA0e1756B71869E93d4e4Dca5c7d0eb0AA6")
	homeTokenAddr     = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	foreignTokenAddr  = common.HexToAddress("0x44fA8E6f47987339850636F88629646662444217")
	senderAddr        = common.HexToAddress("0x0000000000000000000000000000000000000001")
	recipientAddr     = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func newTestBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		ID: "test_bridge",
		Home: &config.BridgeSideConfig{
			ChainName: "home",
			Chain: &config.ChainConfig{
				ChainID:            "1",
				EmitterChainID:     2,
				BlockTime:          time.Millisecond,
				BlockIndexInterval: 2 * time.Millisecond,
			},
			Address:           homeBridgeAddr,
			StartBlock:        1,
			MaxBlockRangeSize: 100,
		},
		Foreign: &config.BridgeSideConfig{
			ChainName: "foreign",
			Chain: &config.ChainConfig{
				ChainID:            "100",
				EmitterChainID:     5,
				BlockTime:          time.Millisecond,
				BlockIndexInterval: 2 * time.Millisecond,
			},
			Address:           foreignBridgeAddr,
			StartBlock:        1,
			MaxBlockRangeSize: 100,
		},
		Tokens: []config.TokenPairConfig{
			{Symbol: "TST", Home: homeTokenAddr, Foreign: foreignTokenAddr},
		},
		Guardian: &config.GuardianConfig{
			AttestationAttempts:   3,
			AttestationRetryDelay: time.Millisecond,
			AttestationCacheTTL:   time.Minute,
		},
		Processor: &config.ProcessorConfig{
			Interval:      2 * time.Millisecond,
			BatchSize:     10,
			MaxConcurrent: 4,
			MaxRetries:    3,
		},
		Recovery: &config.RecoveryConfig{
			CheckpointInterval: time.Minute,
			StuckScanInterval:  time.Minute,
			MaxStuckTime:       time.Minute,
			KeysCheckInterval:  time.Minute,
		},
		Keys: &config.KeysConfig{},
	}
}

func paddedAddress(addr common.Address) [32]byte {
	return vaa.EmitterFromAddress(addr)
}

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sgn, err := signer.NewSigner(&config.KeysConfig{Primary: hex.EncodeToString(crypto.FromECDSA(key))})
	require.NoError(t, err)
	return sgn
}

type fakeTransactionsRepo struct {
	mu         sync.Mutex
	txs        map[common.Hash]*entity.BridgeTransaction
	order      []common.Hash
	ensures    int
	idLookups  int
	updateErrs map[common.Hash]error
}

func newFakeTransactionsRepo() *fakeTransactionsRepo {
	return &fakeTransactionsRepo{
		txs:        map[common.Hash]*entity.BridgeTransaction{},
		updateErrs: map[common.Hash]error{},
	}
}

func cloneTx(tx *entity.BridgeTransaction) *entity.BridgeTransaction {
	cp := *tx
	return &cp
}

func (f *fakeTransactionsRepo) Ensure(_ context.Context, tx *entity.BridgeTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	now := time.Now()
	if stored, ok := f.txs[tx.ID]; ok {
		stored.UpdatedAt = &now
		return nil
	}
	cp := cloneTx(tx)
	cp.CreatedAt = &now
	cp.UpdatedAt = &now
	f.txs[tx.ID] = cp
	f.order = append(f.order, tx.ID)
	return nil
}

func (f *fakeTransactionsRepo) Update(_ context.Context, tx *entity.BridgeTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErrs[tx.ID]; err != nil {
		return err
	}
	if _, ok := f.txs[tx.ID]; !ok {
		return nil
	}
	now := time.Now()
	cp := cloneTx(tx)
	cp.UpdatedAt = &now
	f.txs[tx.ID] = cp
	return nil
}

func (f *fakeTransactionsRepo) GetByID(_ context.Context, bridgeID string, id common.Hash) (*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idLookups++
	tx, ok := f.txs[id]
	if !ok || tx.BridgeID != bridgeID {
		return nil, fmt.Errorf("can't get bridge transaction: %w", db.ErrNotFound)
	}
	return cloneTx(tx), nil
}

func (f *fakeTransactionsRepo) FindByStatus(_ context.Context, bridgeID string, status entity.TxStatus, limit uint) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txs []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID != bridgeID || tx.Status != status {
			continue
		}
		txs = append(txs, cloneTx(tx))
		if limit > 0 && uint(len(txs)) == limit {
			break
		}
	}
	return txs, nil
}

func (f *fakeTransactionsRepo) FindBySourceTxHash(_ context.Context, bridgeID string, txHash common.Hash) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txs []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID == bridgeID && tx.SourceTxHash == txHash {
			txs = append(txs, cloneTx(tx))
		}
	}
	return txs, nil
}

func (f *fakeTransactionsRepo) FindStuck(_ context.Context, bridgeID string, olderThan time.Time) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txs []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID != bridgeID || (tx.Status != entity.TxStatusPending && tx.Status != entity.TxStatusProcessing) {
			continue
		}
		if tx.UpdatedAt != nil && tx.UpdatedAt.Before(olderThan) {
			txs = append(txs, cloneTx(tx))
		}
	}
	return txs, nil
}

func (f *fakeTransactionsRepo) FindUnfinished(_ context.Context, bridgeID string, chainID string) ([]*entity.BridgeTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txs []*entity.BridgeTransaction
	for _, id := range f.order {
		tx := f.txs[id]
		if tx.BridgeID != bridgeID || tx.SourceChainID != chainID {
			continue
		}
		if tx.Status == entity.TxStatusPending || tx.Status == entity.TxStatusProcessing {
			txs = append(txs, cloneTx(tx))
		}
	}
	return txs, nil
}

func (f *fakeTransactionsRepo) CountByStatus(_ context.Context, bridgeID string) (map[entity.TxStatus]uint, error) {
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

func (f *fakeTransactionsRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func (f *fakeTransactionsRepo) stored(id common.Hash) *entity.BridgeTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil
	}
	return cloneTx(tx)
}

func (f *fakeTransactionsRepo) statusOf(id common.Hash) entity.TxStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return ""
	}
	return tx.Status
}

func (f *fakeTransactionsRepo) ensureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures
}

func (f *fakeTransactionsRepo) getByIDCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idLookups
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

type fakeSetsRepo struct {
	mu   sync.Mutex
	sets map[uint32]*entity.GuardianSet
}

func newFakeSetsRepo(sets ...*entity.GuardianSet) *fakeSetsRepo {
	f := &fakeSetsRepo{sets: map[uint32]*entity.GuardianSet{}}
	for _, set := range sets {
		f.sets[set.SetIndex] = set
	}
	return f
}

func (f *fakeSetsRepo) Ensure(_ context.Context, set *entity.GuardianSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[set.SetIndex] = set
	return nil
}

func (f *fakeSetsRepo) GetByIndex(_ context.Context, index uint32) (*entity.GuardianSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[index]
	if !ok {
		return nil, db.ErrNotFound
	}
	return set, nil
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

// fakeChainClient serves canned chain data and captures submitted
// transactions. A receipt is minted for every sent transaction with the
// configured receipt status.
type fakeChainClient struct {
	mu            sync.Mutex
	chainID       *big.Int
	head          uint
	logs          []types.Log
	balance       *big.Int
	completed     map[common.Hash]bool
	receipts      map[common.Hash]*types.Receipt
	sentTxs       []*types.Transaction
	receiptStatus uint64
	ranges        [][2]uint
	failFrom      map[uint]error
}

func newFakeChainClient(chainID int64) *fakeChainClient {
	return &fakeChainClient{
		chainID:       big.NewInt(chainID),
		balance:       big.NewInt(1),
		completed:     map[common.Hash]bool{},
		receipts:      map[common.Hash]*types.Receipt{},
		receiptStatus: types.ReceiptStatusSuccessful,
		failFrom:      map[uint]error{},
	}
}

func (c *fakeChainClient) ChainID() *big.Int {
	return c.chainID
}

func (c *fakeChainClient) BlockNumber(context.Context) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChainClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, to := uint(q.FromBlock.Uint64()), uint(q.ToBlock.Uint64())
	c.ranges = append(c.ranges, [2]uint{from, to})
	if err, ok := c.failFrom[from]; ok {
		delete(c.failFrom, from)
		return nil, err
	}
	var logs []types.Log
	for _, log := range c.logs {
		if uint(log.BlockNumber) >= from && uint(log.BlockNumber) <= to {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

func (c *fakeChainClient) FilterLogsSafe(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.FilterLogs(ctx, q)
}

func (c *fakeChainClient) TransactionReceiptByHash(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// CallContract answers isTransferCompleted(bytes32) from the completed set.
func (c *fakeChainClient) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(msg.Data) < 36 {
		return nil, fmt.Errorf("unexpected calldata of %d bytes", len(msg.Data))
	}
	digest := common.BytesToHash(msg.Data[4:36])
	if c.completed[digest] {
		return common.LeftPadBytes([]byte{1}, 32), nil
	}
	return common.LeftPadBytes([]byte{0}, 32), nil
}

func (c *fakeChainClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChainClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (c *fakeChainClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (c *fakeChainClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTxs = append(c.sentTxs, tx)
	c.receipts[tx.Hash()] = &types.Receipt{Status: c.receiptStatus, TxHash: tx.Hash()}
	return nil
}

func (c *fakeChainClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *fakeChainClient) setHead(head uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

func (c *fakeChainClient) addLogs(logs ...types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, logs...)
}

func (c *fakeChainClient) markCompleted(digest common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[digest] = true
}

func (c *fakeChainClient) failRangeOnce(fromBlock uint, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFrom[fromBlock] = err
}

func (c *fakeChainClient) filterRanges() [][2]uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ranges := make([][2]uint, len(c.ranges))
	copy(ranges, c.ranges)
	return ranges
}

func (c *fakeChainClient) sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	txs := make([]*types.Transaction, len(c.sentTxs))
	copy(txs, c.sentTxs)
	return txs
}

type fakeGuardianAPI struct {
	mu            sync.Mutex
	attestations  map[string]*vaa.VAA
	sets          map[uint32]*entity.GuardianSet
	notFoundFirst int
	calls         int
}

func newFakeGuardianAPI() *fakeGuardianAPI {
	return &fakeGuardianAPI{
		attestations: map[string]*vaa.VAA{},
		sets:         map[uint32]*entity.GuardianSet{},
	}
}

func (f *fakeGuardianAPI) addAttestation(attestation *vaa.VAA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attestations[attestation.MessageID()] = attestation
}

func (f *fakeGuardianAPI) GetSignedAttestation(_ context.Context, emitterChain uint16, emitter [32]byte, sequence uint64) (*vaa.VAA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.notFoundFirst > 0 {
		f.notFoundFirst--
		return nil, guardianrpc.ErrNotFound
	}
	id := fmt.Sprintf("%d/%s/%d", emitterChain, common.Bytes2Hex(emitter[:]), sequence)
	attestation, ok := f.attestations[id]
	if !ok {
		return nil, guardianrpc.ErrNotFound
	}
	return attestation, nil
}

func (f *fakeGuardianAPI) GetGuardianSet(_ context.Context, index uint32) (*entity.GuardianSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[index]
	if !ok {
		return nil, guardianrpc.ErrNotFound
	}
	return set, nil
}

func (f *fakeGuardianAPI) GetCurrentGuardianSet(context.Context) (*entity.GuardianSet, error) {
	return nil, guardianrpc.ErrNotFound
}

func (f *fakeGuardianAPI) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
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

// testGuardians is a generated guardian set together with its signing keys.
type testGuardians struct {
	keys []*ecdsa.PrivateKey
	set  *entity.GuardianSet
}

func newTestGuardians(t *testing.T, size int) *testGuardians {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, size)
	addrs := make(pq.StringArray, size)
	for i := range keys {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = key
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}
	return &testGuardians{
		keys: keys,
		set:  &entity.GuardianSet{SetIndex: 1, Keys: addrs},
	}
}

func (g *testGuardians) sign(attestation *vaa.VAA, signers int) {
	for i := 0; i < signers; i++ {
		attestation.AddSignature(g.keys[i], uint8(i))
	}
}

func makeTransferLog(t *testing.T, event string, contractAddr common.Address, blockNumber uint64, txHash common.Hash, logIndex uint,
	sender, token common.Address, amount *big.Int, recipient [32]byte, recipientChain uint16, sequence uint64) types.Log {
	t.Helper()
	eventABI := bridgeabi.BridgeABI.Events[event]
	data, err := eventABI.Inputs.NonIndexed().Pack(amount, recipient, recipientChain)
	require.NoError(t, err)
	return types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			eventABI.ID,
			sender.Hash(),
			token.Hash(),
			common.BigToHash(new(big.Int).SetUint64(sequence)),
		},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		Index:       logIndex,
	}
}
