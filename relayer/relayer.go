// Package relayer implements the asset-transfer pipeline of one bridge:
// watchers discover transfer events on both chains, the processor redeems
// them on the opposite chain under guardian-quorum attestations, and the
// recovery manager keeps the pipeline able to make progress after failures.
package relayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/alerting"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/contract"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/guardian"
	"github.com/omni/tokenbridge-relayer/guardianrpc"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/relayer/recovery"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/signer"
)

// ErrMaxRetriesExceeded is returned by retry requests for transactions that
// spent their whole retry budget.
var ErrMaxRetriesExceeded = recovery.ErrMaxRetriesExceeded

const defaultStopTimeout = 10 * time.Second

// Relayer owns the discovery, processing and recovery subsystems of one
// bridge and their lifecycle.
type Relayer struct {
	logger      logging.Logger
	cfg         *config.BridgeConfig
	repo        *repository.Repo
	sides       map[string]*ChainSide
	watchers    []*Watcher
	processor   *Processor
	recovery    *recovery.Manager
	broadcaster *Broadcaster
	signer      *signer.Signer

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewRelayer(ctx context.Context, logger logging.Logger, repo *repository.Repo, cfg *config.BridgeConfig) (*Relayer, error) {
	sgn, err := signer.NewSigner(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("can't initialize signing keystore: %w", err)
	}
	sides := make(map[string]*ChainSide, 2)
	for _, sideCfg := range [2]*config.BridgeSideConfig{cfg.Home, cfg.Foreign} {
		client, err := ethclient.NewClient(sideCfg.Chain.RPC.Host, sideCfg.Chain.RPC.Timeout, sideCfg.Chain.ChainID)
		if err != nil {
			return nil, fmt.Errorf("can't start eth client for chain %s: %w", sideCfg.Chain.ChainID, err)
		}
		sides[sideCfg.Chain.ChainID] = &ChainSide{
			Cfg:      sideCfg,
			Client:   client,
			Contract: contract.NewBridgeContract(client, sideCfg.Address),
		}
	}
	guardianAPI := guardianrpc.NewClient(cfg.Guardian.API)
	verifier := guardian.NewVerifier(guardian.NewRegistry(logger, guardianAPI, repo.GuardianSets))
	alerter := alerting.NewAlerter(logger, cfg.ID)
	broadcaster := NewBroadcaster(cfg.ID)

	r := &Relayer{
		logger:      logger,
		cfg:         cfg,
		repo:        repo,
		sides:       sides,
		broadcaster: broadcaster,
		signer:      sgn,
	}
	for _, sideCfg := range [2]*config.BridgeSideConfig{cfg.Home, cfg.Foreign} {
		side := sides[sideCfg.Chain.ChainID]
		watcher, err := NewWatcher(ctx, logger.WithField("chain_id", sideCfg.Chain.ChainID), repo, cfg, side, broadcaster)
		if err != nil {
			return nil, fmt.Errorf("can't initialize watcher for chain %s: %w", sideCfg.Chain.ChainID, err)
		}
		r.watchers = append(r.watchers, watcher)
	}
	r.processor = NewProcessor(logger, repo, cfg, sides, guardianAPI, verifier, sgn, alerter, broadcaster)
	clients := make(map[string]recovery.BalanceProber, len(sides))
	for chainID, side := range sides {
		clients[chainID] = side.Client
	}
	r.recovery = recovery.NewManager(logger, repo, cfg, sgn, alerter, clients, r, broadcastNotifier{broadcaster})
	return r, nil
}

func (r *Relayer) BridgeID() string {
	return r.cfg.ID
}

// Start launches the pipeline goroutines. Calling Start on a running relayer
// is a no-op.
func (r *Relayer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	r.mu.Unlock()

	r.logger.Info("starting bridge relayer")
	for _, watcher := range r.watchers {
		r.wg.Add(1)
		go func(w *Watcher) {
			defer r.wg.Done()
			w.Start(ctx)
		}(watcher)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processor.Start(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.recovery.Start(ctx)
	}()
}

// Stop cancels periodic work, waits for in-flight ticks to finish and writes
// a final checkpoint recording the terminal state.
func (r *Relayer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancelStop()
	if err := r.recovery.WriteCheckpoint(stopCtx); err != nil {
		r.logger.WithError(err).Error("can't write final checkpoint")
	}
	r.processor.Stop()
	r.broadcaster.Close()
	r.logger.Info("bridge relayer stopped")
}

// Status is a point-in-time summary of the relayer state.
type Status struct {
	BridgeID         string                   `json:"bridge_id"`
	Running          bool                     `json:"running"`
	Cursors          map[string]uint          `json:"last_processed_blocks"`
	Counts           map[entity.TxStatus]uint `json:"transaction_counts"`
	ActiveKey        common.Address           `json:"active_signing_key"`
	KeyRotatedAt     *time.Time               `json:"key_rotated_at,omitempty"`
	LastCheckpointAt *time.Time               `json:"last_checkpoint_at,omitempty"`
}

func (r *Relayer) Status(ctx context.Context) (*Status, error) {
	counts, err := r.repo.BridgeTransactions.CountByStatus(ctx, r.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("can't count transactions: %w", err)
	}
	return &Status{
		BridgeID:         r.cfg.ID,
		Running:          r.isRunning(),
		Cursors:          r.cursors(),
		Counts:           counts,
		ActiveKey:        r.signer.Address(),
		KeyRotatedAt:     r.signer.RotatedAt(),
		LastCheckpointAt: r.recovery.LastCheckpointAt(),
	}, nil
}

// Snapshot collects the checkpoint data for the recovery manager.
func (r *Relayer) Snapshot(ctx context.Context) (*recovery.Snapshot, error) {
	counts, err := r.repo.BridgeTransactions.CountByStatus(ctx, r.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("can't count transactions: %w", err)
	}
	return &recovery.Snapshot{
		Running:    r.isRunning(),
		Pending:    counts[entity.TxStatusPending],
		Processing: counts[entity.TxStatusProcessing],
		Cursors:    r.cursors(),
		ActiveKey:  r.signer.Address(),
	}, nil
}

func (r *Relayer) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Relayer) cursors() map[string]uint {
	cursors := make(map[string]uint, len(r.watchers))
	for _, w := range r.watchers {
		cursors[w.ChainID()] = w.LastProcessedBlock()
	}
	return cursors
}

func (r *Relayer) TransactionByID(ctx context.Context, id common.Hash) (*entity.BridgeTransaction, error) {
	return r.repo.BridgeTransactions.GetByID(ctx, r.cfg.ID, id)
}

func (r *Relayer) TransactionsByStatus(ctx context.Context, status entity.TxStatus, limit uint) ([]*entity.BridgeTransaction, error) {
	return r.repo.BridgeTransactions.FindByStatus(ctx, r.cfg.ID, status, limit)
}

func (r *Relayer) RetryTransaction(ctx context.Context, id common.Hash) (*entity.BridgeTransaction, error) {
	return r.recovery.RetryTransaction(ctx, id)
}

func (r *Relayer) RetryBundle(ctx context.Context, sourceTxHash common.Hash) ([]*entity.BridgeTransaction, error) {
	return r.recovery.RetryBundle(ctx, sourceTxHash)
}

func (r *Relayer) RecoverFromCheckpoint(ctx context.Context) error {
	return r.recovery.RecoverFromCheckpoint(ctx)
}

// Subscribe returns a channel of pipeline events with the given buffer size.
// The channel is closed when the relayer stops.
func (r *Relayer) Subscribe(buffer int) <-chan Event {
	return r.broadcaster.Subscribe(buffer)
}

// Watchers exposes the per-chain watchers, mainly for range reprocessing.
func (r *Relayer) Watchers() []*Watcher {
	return r.watchers
}
