package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/cache"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/contract"
	"github.com/omni/tokenbridge-relayer/contract/bridgeabi"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/utils"
	"github.com/omni/tokenbridge-relayer/vaa"
)

const defaultSyncedThreshold = 10
const defaultSeenIDsCacheSize = 10000

// ChainSide bundles the per-chain collaborators of one side of the bridge.
type ChainSide struct {
	Cfg      *config.BridgeSideConfig
	Client   ethclient.Client
	Contract *contract.BridgeContract
}

// Watcher discovers transfer events emitted by the bridge contract on one
// chain and records them as pending transactions in the ledger. Discovery is
// at-least-once: the block cursor advances only after a whole range was
// handled, and inserts are idempotent by the deterministic transaction id.
type Watcher struct {
	logger      logging.Logger
	bridgeCfg   *config.BridgeConfig
	cfg         *config.BridgeSideConfig
	repo        *repository.Repo
	client      ethclient.Client
	contract    *contract.BridgeContract
	broadcaster *Broadcaster
	seenIDs     *cache.SeenCache
	cursor      *entity.BlockCursor
	headBlock   uint
	isSynced    bool

	syncedMetric         prometheus.Gauge
	headBlockMetric      prometheus.Gauge
	processedBlockMetric prometheus.Gauge
}

func NewWatcher(ctx context.Context, logger logging.Logger, repo *repository.Repo, bridgeCfg *config.BridgeConfig, side *ChainSide, broadcaster *Broadcaster) (*Watcher, error) {
	cfg := side.Cfg
	cursor, err := repo.BlockCursors.GetByChainIDAndAddress(ctx, cfg.Chain.ChainID, cfg.Address)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("can't read block cursor: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"chain_id":    cfg.Chain.ChainID,
			"address":     cfg.Address,
			"start_block": cfg.StartBlock,
		}).Warn("block cursor is not present, starting discovery from scratch")
		cursor = &entity.BlockCursor{
			ChainID:            cfg.Chain.ChainID,
			Address:            cfg.Address,
			LastProcessedBlock: cfg.StartBlock - 1,
		}
	}
	commonLabels := prometheus.Labels{
		"bridge_id": bridgeCfg.ID,
		"chain_id":  cfg.Chain.ChainID,
		"address":   cfg.Address.String(),
	}
	w := &Watcher{
		logger:               logger,
		bridgeCfg:            bridgeCfg,
		cfg:                  cfg,
		repo:                 repo,
		client:               side.Client,
		contract:             side.Contract,
		broadcaster:          broadcaster,
		seenIDs:              cache.NewSeenCache(defaultSeenIDsCacheSize),
		cursor:               cursor,
		syncedMetric:         SyncedWatcher.With(commonLabels),
		headBlockMetric:      LatestHeadBlock.With(commonLabels),
		processedBlockMetric: LatestProcessedBlock.With(commonLabels),
	}
	if err = w.seedSeenIDs(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// seedSeenIDs warms the duplicate-suppression cache from non-terminal ledger
// rows. The cache is an optimization only, the ledger existence check stays in
// place for everything it misses.
func (w *Watcher) seedSeenIDs(ctx context.Context) error {
	txs, err := w.repo.BridgeTransactions.FindUnfinished(ctx, w.bridgeCfg.ID, w.cfg.Chain.ChainID)
	if err != nil {
		return fmt.Errorf("can't load unfinished transactions: %w", err)
	}
	for _, tx := range txs {
		w.seenIDs.Add(tx.ID)
	}
	return nil
}

func (w *Watcher) IsSynced() bool {
	return w.isSynced
}

func (w *Watcher) ChainID() string {
	return w.cfg.Chain.ChainID
}

func (w *Watcher) LastProcessedBlock() uint {
	return w.cursor.LastProcessedBlock
}

func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("starting chain watcher")
	for {
		if err := w.watchTick(ctx); err != nil {
			w.logger.WithError(err).Error("can't complete discovery tick")
		}
		if utils.ContextSleep(ctx, w.cfg.Chain.BlockIndexInterval) == nil {
			return
		}
	}
}

func (w *Watcher) watchTick(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("can't fetch latest block number: %w", err)
	}
	if head <= w.cfg.BlockConfirmations {
		return nil
	}
	toBlock := head - w.cfg.BlockConfirmations
	w.recordHeadBlockNumber(toBlock)

	start := w.cursor.LastProcessedBlock + 1
	for start <= toBlock {
		end := start + w.cfg.MaxBlockRangeSize - 1
		if end > toBlock {
			end = toBlock
		}
		if err = w.processRange(ctx, start, end, true); err != nil {
			return fmt.Errorf("can't process block range %d-%d: %w", start, end, err)
		}
		start = end + 1
	}
	return nil
}

// ReprocessRange re-scans an old block range for missed transfer events.
// Found transactions are inserted idempotently, the block cursor is left
// untouched.
func (w *Watcher) ReprocessRange(ctx context.Context, fromBlock, toBlock uint) error {
	if fromBlock < w.cfg.StartBlock {
		fromBlock = w.cfg.StartBlock
	}
	for fromBlock <= toBlock {
		end := fromBlock + w.cfg.MaxBlockRangeSize - 1
		if end > toBlock {
			end = toBlock
		}
		if err := w.processRange(ctx, fromBlock, end, false); err != nil {
			return fmt.Errorf("can't process block range %d-%d: %w", fromBlock, end, err)
		}
		fromBlock = end + 1
	}
	return nil
}

func (w *Watcher) processRange(ctx context.Context, fromBlock, toBlock uint, advanceCursor bool) error {
	logs, err := w.fetchLogs(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}
	for _, log := range logs {
		if err = w.handleLog(ctx, log); err != nil {
			return err
		}
	}
	if advanceCursor {
		return w.recordProcessedBlockNumber(ctx, toBlock)
	}
	return nil
}

func (w *Watcher) fetchLogs(ctx context.Context, fromBlock, toBlock uint) ([]*entity.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(fromBlock)),
		ToBlock:   big.NewInt(int64(toBlock)),
		Addresses: []common.Address{w.cfg.Address},
		Topics: [][]common.Hash{{
			bridgeabi.DepositInitiatedEventSignature,
			bridgeabi.WithdrawalInitiatedEventSignature,
		}},
	}
	var logsBatch []types.Log
	var err error
	if w.cfg.Chain.SafeLogsRequest {
		logsBatch, err = w.client.FilterLogsSafe(ctx, q)
	} else {
		logsBatch, err = w.client.FilterLogs(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("can't fetch logs: %w", err)
	}
	logs := make([]*entity.Log, len(logsBatch))
	for i, log := range logsBatch {
		logs[i] = entity.NewLog(w.cfg.Chain.ChainID, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		return a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.LogIndex < b.LogIndex)
	})
	w.logger.WithFields(logrus.Fields{
		"count":      len(logs),
		"from_block": fromBlock,
		"to_block":   toBlock,
	}).Info("fetched logs in range")
	return logs, nil
}

func (w *Watcher) handleLog(ctx context.Context, log *entity.Log) error {
	event, data, err := w.contract.ParseLog(log)
	if err != nil {
		return fmt.Errorf("can't parse log: %w", err)
	}
	switch event {
	case bridgeabi.DepositInitiated:
		return w.handleTransfer(ctx, entity.TransferTypeDeposit, log, data)
	case bridgeabi.WithdrawalInitiated:
		return w.handleTransfer(ctx, entity.TransferTypeWithdrawal, log, data)
	default:
		if event == "" {
			event = log.Topic0.String()
		}
		w.logger.WithFields(logrus.Fields{
			"event":        event,
			"block_number": log.BlockNumber,
			"tx_hash":      log.TransactionHash,
			"log_index":    log.LogIndex,
		}).Warn("received unknown event")
	}
	return nil
}

func (w *Watcher) handleTransfer(ctx context.Context, transferType entity.TransferType, log *entity.Log, data map[string]interface{}) error {
	sender := data["sender"].(common.Address)
	token := data["token"].(common.Address)
	amount := data["amount"].(*big.Int)
	recipient := data["recipient"].([32]byte)
	recipientChain := data["recipientChain"].(uint16)
	sequence := data["sequence"].(uint64)

	target := w.bridgeCfg.OtherSide(w.cfg)
	if recipientChain != target.Chain.EmitterChainID {
		w.logger.WithFields(logrus.Fields{
			"recipient_chain": recipientChain,
			"tx_hash":         log.TransactionHash,
			"sequence":        sequence,
		}).Warn("skipping transfer to an unserved recipient chain")
		return nil
	}
	targetToken, ok := w.counterpartToken(token)
	if !ok {
		w.logger.WithFields(logrus.Fields{
			"token":    token,
			"tx_hash":  log.TransactionHash,
			"sequence": sequence,
		}).Warn("skipping transfer of an unconfigured token")
		return nil
	}

	id := entity.TransactionID(w.cfg.Chain.ChainID, log.TransactionHash, log.LogIndex, sequence)
	if w.seenIDs.Has(id) {
		return nil
	}
	_, err := w.repo.BridgeTransactions.GetByID(ctx, w.bridgeCfg.ID, id)
	if err == nil {
		w.seenIDs.Add(id)
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("can't check transaction existence: %w", err)
	}

	tx := &entity.BridgeTransaction{
		ID:            id,
		BridgeID:      w.bridgeCfg.ID,
		TransferType:  transferType,
		Status:        entity.TxStatusPending,
		SourceChainID: w.cfg.Chain.ChainID,
		TargetChainID: target.Chain.ChainID,
		SourceToken:   token,
		TargetToken:   targetToken,
		Amount:        amount.String(),
		Sender:        sender,
		Recipient:     vaa.AddressFromPadded(recipient),
		SourceTxHash:  log.TransactionHash,
		Sequence:      sequence,
	}
	if err = w.repo.BridgeTransactions.Ensure(ctx, tx); err != nil {
		return fmt.Errorf("can't save discovered transaction: %w", err)
	}
	w.seenIDs.Add(id)
	DiscoveredTransfers.WithLabelValues(w.bridgeCfg.ID, w.cfg.Chain.ChainID, string(transferType)).Inc()
	w.logger.WithFields(logrus.Fields{
		"tx_id":         tx.ID,
		"transfer_type": transferType,
		"sequence":      sequence,
		"amount":        tx.Amount,
		"block_number":  log.BlockNumber,
	}).Info("discovered new bridge transfer")
	w.broadcaster.Publish(Event{Type: EventTransactionCreated, Transaction: tx})
	return nil
}

func (w *Watcher) counterpartToken(token common.Address) (common.Address, bool) {
	if w.cfg == w.bridgeCfg.Home {
		if pair, ok := w.bridgeCfg.TokenPairByHome(token); ok {
			return pair.Foreign, true
		}
		return common.Address{}, false
	}
	if pair, ok := w.bridgeCfg.TokenPairByForeign(token); ok {
		return pair.Home, true
	}
	return common.Address{}, false
}

func (w *Watcher) recordHeadBlockNumber(blockNumber uint) {
	if blockNumber < w.headBlock {
		return
	}
	w.headBlock = blockNumber
	w.headBlockMetric.Set(float64(blockNumber))
	w.recordIsSynced()
}

func (w *Watcher) recordIsSynced() {
	w.isSynced = w.cursor.LastProcessedBlock+defaultSyncedThreshold > w.headBlock
	if w.isSynced {
		w.syncedMetric.Set(1)
	} else {
		w.syncedMetric.Set(0)
	}
}

func (w *Watcher) recordProcessedBlockNumber(ctx context.Context, blockNumber uint) error {
	if blockNumber < w.cursor.LastProcessedBlock {
		return nil
	}
	w.cursor.LastProcessedBlock = blockNumber
	w.processedBlockMetric.Set(float64(blockNumber))
	w.recordIsSynced()
	if err := w.repo.BlockCursors.Ensure(ctx, w.cursor); err != nil {
		return fmt.Errorf("can't save block cursor: %w", err)
	}
	return nil
}
