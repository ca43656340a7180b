// Package recovery keeps the relayer able to make progress after partial
// failures: it checkpoints restorable state, detects and aborts stuck
// transactions, re-queues failed ones and fails the signing key over to a
// standby when the active key turns unusable.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/alerting"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/signer"
)

var (
	ErrNotRetryable       = errors.New("transaction is not retryable")
	ErrMaxRetriesExceeded = errors.New("transaction retry budget exhausted")
	ErrRecoveryInProgress = errors.New("recovery is already in progress")
)

const defaultJobTimeout = 10 * time.Second

// Snapshot is the restorable state collected from the running relayer when a
// checkpoint is written.
type Snapshot struct {
	Running    bool
	Pending    uint
	Processing uint
	Cursors    map[string]uint
	ActiveKey  common.Address
}

// StatusSource provides snapshot data for checkpoints without coupling the
// manager to the pipeline internals.
type StatusSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Notifier receives recovery lifecycle notifications.
type Notifier interface {
	KeyRotated(newActive common.Address)
	CheckpointWritten(id string)
}

// BalanceProber is the part of the chain client used by key health checks.
type BalanceProber interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

type job struct {
	logger   logging.Logger
	Interval time.Duration
	Timeout  time.Duration
	Func     func(ctx context.Context) error
}

func (j *job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	for {
		timeoutCtx, cancel := context.WithTimeout(ctx, j.Timeout)
		err := j.Func(timeoutCtx)
		cancel()
		if err != nil {
			j.logger.WithError(err).Error("failed to process recovery job")
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			ticker.Stop()
			return
		}
	}
}

// Manager runs the orthogonal recovery jobs of one bridge and serves manual
// retry and checkpoint-restore requests.
type Manager struct {
	logger   logging.Logger
	cfg      *config.BridgeConfig
	repo     *repository.Repo
	signer   *signer.Signer
	alerter  alerting.Alerter
	clients  map[string]BalanceProber
	source   StatusSource
	notifier Notifier
	jobs     map[string]*job

	mu               sync.Mutex
	lastCheckpointAt *time.Time
	recoveryMu       sync.Mutex
}

func NewManager(
	logger logging.Logger,
	repo *repository.Repo,
	cfg *config.BridgeConfig,
	sgn *signer.Signer,
	alerter alerting.Alerter,
	clients map[string]BalanceProber,
	source StatusSource,
	notifier Notifier,
) *Manager {
	m := &Manager{
		logger:   logger,
		cfg:      cfg,
		repo:     repo,
		signer:   sgn,
		alerter:  alerter,
		clients:  clients,
		source:   source,
		notifier: notifier,
	}
	m.jobs = map[string]*job{
		"write_checkpoint": {
			Interval: cfg.Recovery.CheckpointInterval,
			Timeout:  defaultJobTimeout,
			Func:     m.WriteCheckpoint,
		},
		"find_stuck_transactions": {
			Interval: cfg.Recovery.StuckScanInterval,
			Timeout:  defaultJobTimeout,
			Func:     m.checkStuckTransactions,
		},
		"check_signing_keys": {
			Interval: cfg.Recovery.KeysCheckInterval,
			Timeout:  defaultJobTimeout,
			Func:     m.checkSigningKeys,
		},
	}
	return m
}

// Start runs the recovery jobs until the context is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("starting recovery manager jobs")
	wg := new(sync.WaitGroup)
	for name, j := range m.jobs {
		j.logger = m.logger.WithField("recovery_job", name)
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			j.Start(ctx)
		}(j)
	}
	wg.Wait()
}

// WriteCheckpoint collects a snapshot, writes it atomically to the checkpoint
// dir and records an audit row. A failure is retried on the next interval and
// never stops the pipeline.
func (m *Manager) WriteCheckpoint(ctx context.Context) error {
	snapshot, err := m.source.Snapshot(ctx)
	if err != nil {
		CheckpointsWritten.WithLabelValues(m.cfg.ID, "error").Inc()
		return fmt.Errorf("can't collect state snapshot: %w", err)
	}
	cp := newCheckpoint(m.cfg.ID, snapshot)
	blob, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		CheckpointsWritten.WithLabelValues(m.cfg.ID, "error").Inc()
		return fmt.Errorf("can't marshal checkpoint: %w", err)
	}
	path, err := writeCheckpointFile(m.cfg.Recovery.CheckpointDir, checkpointFileName(cp), blob)
	if err != nil {
		CheckpointsWritten.WithLabelValues(m.cfg.ID, "error").Inc()
		return err
	}
	err = m.repo.Checkpoints.Ensure(ctx, &entity.Checkpoint{
		ID:       cp.ID,
		BridgeID: cp.BridgeID,
		Data:     blob,
	})
	if err != nil {
		// the file checkpoint already stands, the audit row is best-effort
		m.logger.WithError(err).WithField("checkpoint_id", cp.ID).Warn("can't record checkpoint audit row")
	}
	m.recordCheckpoint(cp)
	m.logger.WithFields(logrus.Fields{
		"checkpoint_id": cp.ID,
		"path":          path,
	}).Info("wrote state checkpoint")
	m.notifier.CheckpointWritten(cp.ID)
	return nil
}

func (m *Manager) recordCheckpoint(cp *Checkpoint) {
	m.mu.Lock()
	at := cp.Timestamp
	m.lastCheckpointAt = &at
	m.mu.Unlock()
	CheckpointsWritten.WithLabelValues(m.cfg.ID, "ok").Inc()
	LastCheckpointTimestamp.WithLabelValues(m.cfg.ID).Set(float64(cp.Timestamp.Unix()))
}

func (m *Manager) LastCheckpointAt() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointAt
}

// checkStuckTransactions reports transactions that stopped advancing and,
// with auto-abort enabled, force-aborts those stuck for twice the allowed
// time.
func (m *Manager) checkStuckTransactions(ctx context.Context) error {
	maxStuckTime := m.cfg.Recovery.MaxStuckTime
	now := time.Now()
	txs, err := m.repo.BridgeTransactions.FindStuck(ctx, m.cfg.ID, now.Add(-maxStuckTime))
	if err != nil {
		return fmt.Errorf("can't find stuck transactions: %w", err)
	}
	StuckTransactions.WithLabelValues(m.cfg.ID).Set(float64(len(txs)))
	for _, tx := range txs {
		age := maxStuckTime
		if tx.UpdatedAt != nil {
			age = now.Sub(*tx.UpdatedAt)
		}
		logger := m.logger.WithFields(logrus.Fields{
			"tx_id":  tx.ID,
			"status": tx.Status,
			"age":    age,
		})
		if m.cfg.Recovery.AutoAbort && age > 2*maxStuckTime {
			if err = m.abortTransaction(ctx, tx, age); err != nil {
				logger.WithError(err).Error("can't abort stuck transaction")
				continue
			}
			logger.Warn("aborted stuck transaction")
			m.alerter.SendAlert(alerting.LevelCritical, "recovery", "stuck transaction aborted", logrus.Fields{
				"tx_id": tx.ID,
				"age":   age.String(),
			})
			continue
		}
		m.alerter.SendAlert(alerting.LevelWarning, "recovery", "transaction is stuck", logrus.Fields{
			"tx_id":  tx.ID,
			"status": tx.Status,
			"age":    age.String(),
		})
	}
	return nil
}

func (m *Manager) abortTransaction(ctx context.Context, tx *entity.BridgeTransaction, age time.Duration) error {
	if err := tx.SetStatus(entity.TxStatusAborted); err != nil {
		return err
	}
	reason := fmt.Sprintf("auto-aborted after %s without progress", age.Round(time.Second))
	tx.ErrorMsg = &reason
	if err := m.repo.BridgeTransactions.Update(ctx, tx); err != nil {
		return fmt.Errorf("can't save aborted transaction: %w", err)
	}
	AbortedTransactions.WithLabelValues(m.cfg.ID).Inc()
	return nil
}

// checkSigningKeys probes both signing keys and fails over to the standby
// when the active key turns unusable while the standby stays healthy.
func (m *Manager) checkSigningKeys(ctx context.Context) error {
	activeErr := m.probeKey(ctx, m.signer.Address(), m.signer.ProbeActive)
	m.recordKeyHealth("active", activeErr)

	standbyAddr, ok := m.signer.StandbyAddress()
	if !ok {
		if activeErr != nil {
			m.alerter.SendAlert(alerting.LevelCritical, "recovery", "active signing key is unhealthy and no standby is configured", logrus.Fields{
				"key":   m.signer.Address(),
				"error": activeErr.Error(),
			})
		}
		return nil
	}
	standbyErr := m.probeKey(ctx, standbyAddr, m.signer.ProbeStandby)
	m.recordKeyHealth("standby", standbyErr)
	if activeErr == nil {
		return nil
	}
	if standbyErr != nil {
		m.alerter.SendAlert(alerting.LevelCritical, "recovery", "both signing keys are unhealthy", logrus.Fields{
			"active_error":  activeErr.Error(),
			"standby_error": standbyErr.Error(),
		})
		return nil
	}
	newActive, err := m.signer.Switch()
	if err != nil {
		return fmt.Errorf("can't switch signing keys: %w", err)
	}
	KeyRotations.WithLabelValues(m.cfg.ID).Inc()
	m.logger.WithFields(logrus.Fields{
		"new_active_key": newActive,
		"security_event": "signing_key_rotation",
	}).Warn("switched to the standby signing key")
	m.alerter.SendAlert(alerting.LevelCritical, "recovery", "switched to the standby signing key", logrus.Fields{
		"new_active_key": newActive,
		"error":          activeErr.Error(),
	})
	m.notifier.KeyRotated(newActive)
	return nil
}

// probeKey combines the local sign-recover round trip with a balance check on
// every chain: a key without funds can't redeem anything.
func (m *Manager) probeKey(ctx context.Context, addr common.Address, probe func() error) error {
	if err := probe(); err != nil {
		return err
	}
	for chainID, client := range m.clients {
		balance, err := client.BalanceAt(ctx, addr)
		if err != nil {
			return fmt.Errorf("can't check balance on chain %s: %w", chainID, err)
		}
		if balance.Sign() == 0 {
			return fmt.Errorf("key %s has no funds on chain %s", addr, chainID)
		}
	}
	return nil
}

func (m *Manager) recordKeyHealth(role string, err error) {
	if err == nil {
		SigningKeyHealthy.WithLabelValues(m.cfg.ID, role).Set(1)
	} else {
		SigningKeyHealthy.WithLabelValues(m.cfg.ID, role).Set(0)
	}
}

// RetryTransaction re-queues a failed or aborted transaction for processing.
func (m *Manager) RetryTransaction(ctx context.Context, id common.Hash) (*entity.BridgeTransaction, error) {
	tx, err := m.repo.BridgeTransactions.GetByID(ctx, m.cfg.ID, id)
	if err != nil {
		return nil, err
	}
	if err = m.requeueTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// RetryBundle re-queues every retryable transaction discovered from one
// source-chain transaction. Non-retryable members of the bundle are skipped.
func (m *Manager) RetryBundle(ctx context.Context, sourceTxHash common.Hash) ([]*entity.BridgeTransaction, error) {
	txs, err := m.repo.BridgeTransactions.FindBySourceTxHash(ctx, m.cfg.ID, sourceTxHash)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("no transactions for source tx %s: %w", sourceTxHash, db.ErrNotFound)
	}
	requeued := make([]*entity.BridgeTransaction, 0, len(txs))
	for _, tx := range txs {
		if err = m.requeueTransaction(ctx, tx); err != nil {
			if errors.Is(err, ErrNotRetryable) || errors.Is(err, ErrMaxRetriesExceeded) {
				m.logger.WithError(err).WithField("tx_id", tx.ID).Info("skipping transaction in bundle retry")
				continue
			}
			return nil, err
		}
		requeued = append(requeued, tx)
	}
	return requeued, nil
}

func (m *Manager) requeueTransaction(ctx context.Context, tx *entity.BridgeTransaction) error {
	if tx.Status != entity.TxStatusFailed && tx.Status != entity.TxStatusAborted {
		return fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, ErrNotRetryable)
	}
	if tx.RetryCount >= m.cfg.Processor.MaxRetries {
		return fmt.Errorf("transaction %s made %d attempts: %w", tx.ID, tx.RetryCount, ErrMaxRetriesExceeded)
	}
	if err := tx.SetStatus(entity.TxStatusPending); err != nil {
		return err
	}
	tx.ErrorMsg = nil
	if err := m.repo.BridgeTransactions.Update(ctx, tx); err != nil {
		return fmt.Errorf("can't re-queue transaction: %w", err)
	}
	RequeuedTransactions.WithLabelValues(m.cfg.ID).Inc()
	m.logger.WithFields(logrus.Fields{
		"tx_id":       tx.ID,
		"retry_count": tx.RetryCount,
	}).Info("re-queued transaction for processing")
	return nil
}

// RecoverFromCheckpoint restores lost state from the newest valid checkpoint
// file, falling back to the newest audit row when the checkpoint dir is empty
// or lost. The ledger stays authoritative: a checkpoint only seeds block
// cursors the database has lost and realigns the active signing key, it never
// moves an existing cursor.
func (m *Manager) RecoverFromCheckpoint(ctx context.Context) error {
	if !m.recoveryMu.TryLock() {
		return ErrRecoveryInProgress
	}
	defer m.recoveryMu.Unlock()

	cp, err := loadLatestCheckpoint(m.logger, m.cfg.Recovery.CheckpointDir, m.cfg.ID)
	if errors.Is(err, ErrNoCheckpoint) {
		cp, err = m.loadCheckpointRow(ctx)
	}
	if err != nil {
		return err
	}
	logger := m.logger.WithField("checkpoint_id", cp.ID)
	logger.WithField("timestamp", cp.Timestamp).Info("restoring state from checkpoint")

	m.restoreActiveKey(logger, cp.ActiveSigningKey)

	for chainID, blockNumber := range cp.LastProcessedBlocks {
		side := m.cfg.SideByChainID(chainID)
		if side == nil {
			logger.WithField("chain_id", chainID).Warn("checkpoint covers an unknown chain, skipping its cursor")
			continue
		}
		_, err = m.repo.BlockCursors.GetByChainIDAndAddress(ctx, chainID, side.Address)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("can't read block cursor of chain %s: %w", chainID, err)
		}
		err = m.repo.BlockCursors.Ensure(ctx, &entity.BlockCursor{
			ChainID:            chainID,
			Address:            side.Address,
			LastProcessedBlock: blockNumber,
		})
		if err != nil {
			return fmt.Errorf("can't seed block cursor of chain %s: %w", chainID, err)
		}
		logger.WithFields(logrus.Fields{
			"chain_id":     chainID,
			"block_number": blockNumber,
		}).Warn("seeded lost block cursor from checkpoint")
	}
	return nil
}

// loadCheckpointRow reads the newest checkpoint audit row, covering hosts
// that lost the checkpoint dir together with the rest of the local disk.
func (m *Manager) loadCheckpointRow(ctx context.Context) (*Checkpoint, error) {
	row, err := m.repo.Checkpoints.GetLatest(ctx, m.cfg.ID)
	if err = db.IgnoreErrNotFound(err); err != nil {
		return nil, fmt.Errorf("can't read checkpoint audit row: %w", err)
	}
	if row == nil {
		return nil, ErrNoCheckpoint
	}
	cp := new(Checkpoint)
	if err = json.Unmarshal(row.Data, cp); err != nil {
		return nil, fmt.Errorf("can't unmarshal checkpoint audit row %s: %w", row.ID, err)
	}
	if err = cp.Validate(m.cfg.ID); err != nil {
		return nil, fmt.Errorf("can't use checkpoint audit row %s: %w", row.ID, err)
	}
	m.logger.WithField("checkpoint_id", cp.ID).Warn("checkpoint dir had no usable file, restoring from the audit row")
	return cp, nil
}

func (m *Manager) restoreActiveKey(logger logging.Logger, wantActive common.Address) {
	if m.signer.Address() == wantActive {
		return
	}
	standby, ok := m.signer.StandbyAddress()
	if !ok || standby != wantActive {
		logger.WithField("key", wantActive).Warn("checkpointed signing key is not configured, keeping the current one")
		return
	}
	newActive, err := m.signer.Switch()
	if err != nil {
		logger.WithError(err).Error("can't restore the checkpointed signing key")
		return
	}
	KeyRotations.WithLabelValues(m.cfg.ID).Inc()
	logger.WithFields(logrus.Fields{
		"new_active_key": newActive,
		"security_event": "signing_key_rotation",
	}).Warn("restored the active signing key from checkpoint")
	m.notifier.KeyRotated(newActive)
}
