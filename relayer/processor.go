package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/alerting"
	"github.com/omni/tokenbridge-relayer/cache"
	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/guardian"
	"github.com/omni/tokenbridge-relayer/guardianrpc"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/signer"
	"github.com/omni/tokenbridge-relayer/utils"
	"github.com/omni/tokenbridge-relayer/vaa"
)

const defaultReceiptWaitAttempts = 10

// Processor drives pending transactions through attestation fetch, quorum
// verification and redemption on the target chain. Every status transition is
// persisted immediately, so a crash leaves transactions in a PENDING or
// PROCESSING state recoverable by the next run.
type Processor struct {
	logger       logging.Logger
	cfg          *config.BridgeConfig
	repo         *repository.Repo
	sides        map[string]*ChainSide
	guardianAPI  guardianrpc.Client
	verifier     *guardian.Verifier
	attestations *cache.AttestationCache
	signer       *signer.Signer
	alerter      alerting.Alerter
	broadcaster  *Broadcaster
}

func NewProcessor(
	logger logging.Logger,
	repo *repository.Repo,
	cfg *config.BridgeConfig,
	sides map[string]*ChainSide,
	guardianAPI guardianrpc.Client,
	verifier *guardian.Verifier,
	sgn *signer.Signer,
	alerter alerting.Alerter,
	broadcaster *Broadcaster,
) *Processor {
	return &Processor{
		logger:       logger,
		cfg:          cfg,
		repo:         repo,
		sides:        sides,
		guardianAPI:  guardianAPI,
		verifier:     verifier,
		attestations: cache.NewAttestationCache(cfg.Guardian.AttestationCacheTTL),
		signer:       sgn,
		alerter:      alerter,
		broadcaster:  broadcaster,
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting transaction processor")
	for {
		if err := p.processPendingTransactions(ctx); err != nil {
			p.logger.WithError(err).Error("can't process pending transactions")
		}
		if utils.ContextSleep(ctx, p.cfg.Processor.Interval) == nil {
			return
		}
	}
}

func (p *Processor) Stop() {
	p.attestations.Stop()
}

func (p *Processor) processPendingTransactions(ctx context.Context) error {
	procCfg := p.cfg.Processor
	txs, err := p.repo.BridgeTransactions.FindByStatus(ctx, p.cfg.ID, entity.TxStatusPending, procCfg.BatchSize*procCfg.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("can't find pending transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}
	p.logger.WithField("count", len(txs)).Info("processing pending transactions")

	wg := new(sync.WaitGroup)
	sem := make(chan struct{}, procCfg.MaxConcurrent)
	for _, tx := range txs {
		if err = p.claimTransaction(ctx, tx); err != nil {
			p.logger.WithError(err).WithField("tx_id", tx.ID).Error("can't claim pending transaction")
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tx *entity.BridgeTransaction) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processTransaction(ctx, tx)
		}(tx)
	}
	wg.Wait()
	return nil
}

// claimTransaction marks the row PROCESSING before any work starts, so one
// transaction is owned by exactly one worker of one tick.
func (p *Processor) claimTransaction(ctx context.Context, tx *entity.BridgeTransaction) error {
	if err := tx.SetStatus(entity.TxStatusProcessing); err != nil {
		return err
	}
	return p.repo.BridgeTransactions.Update(ctx, tx)
}

func (p *Processor) processTransaction(ctx context.Context, tx *entity.BridgeTransaction) {
	logger := p.logger.WithFields(logrus.Fields{
		"tx_id":         tx.ID,
		"transfer_type": tx.TransferType,
		"sequence":      tx.Sequence,
	})
	timer := prometheus.NewTimer(ProcessingDurations.WithLabelValues(p.cfg.ID))
	defer timer.ObserveDuration()

	err := p.redeemTransaction(ctx, logger, tx)
	if err == nil {
		p.completeTransaction(ctx, logger, tx)
		return
	}
	logger.WithError(err).Error("can't redeem transaction")
	p.recordFailure(ctx, logger, tx, err)
}

func (p *Processor) completeTransaction(ctx context.Context, logger logging.Logger, tx *entity.BridgeTransaction) {
	if err := tx.SetStatus(entity.TxStatusCompleted); err != nil {
		logger.WithError(err).Error("can't mark transaction as completed")
		return
	}
	now := time.Now()
	tx.CompletedAt = &now
	tx.ErrorMsg = nil
	if err := p.repo.BridgeTransactions.Update(ctx, tx); err != nil {
		logger.WithError(err).Error("can't save completed transaction")
		return
	}
	ProcessedTransactions.WithLabelValues(p.cfg.ID, "completed").Inc()
	logger.WithField("target_tx_hash", tx.TargetTxHash).Info("completed bridge transaction")
	p.broadcaster.Publish(Event{Type: EventTransactionCompleted, Transaction: tx})
}

func (p *Processor) recordFailure(ctx context.Context, logger logging.Logger, tx *entity.BridgeTransaction, redeemErr error) {
	tx.SetError(redeemErr)
	tx.RetryCount++
	next := entity.TxStatusPending
	if tx.RetryCount >= p.cfg.Processor.MaxRetries {
		next = entity.TxStatusFailed
	}
	if err := tx.SetStatus(next); err != nil {
		logger.WithError(err).Error("can't record transaction failure")
		return
	}
	if err := p.repo.BridgeTransactions.Update(ctx, tx); err != nil {
		logger.WithError(err).Error("can't save failed transaction")
		return
	}
	if next == entity.TxStatusFailed {
		ProcessedTransactions.WithLabelValues(p.cfg.ID, "failed").Inc()
		p.alerter.SendAlert(alerting.LevelCritical, "processor", "transaction retry budget exhausted", logrus.Fields{
			"tx_id":       tx.ID,
			"retry_count": tx.RetryCount,
			"error":       redeemErr.Error(),
		})
		p.broadcaster.Publish(Event{Type: EventTransactionFailed, Transaction: tx})
		return
	}
	ProcessedTransactions.WithLabelValues(p.cfg.ID, "retried").Inc()
	logger.WithField("retry_count", tx.RetryCount).Info("returned transaction to the queue")
}

// redeemTransaction performs one full redemption attempt. A nil return means
// the transfer is redeemed on the target chain, either by this attempt or by
// an earlier one.
func (p *Processor) redeemTransaction(ctx context.Context, logger logging.Logger, tx *entity.BridgeTransaction) error {
	source, ok := p.sides[tx.SourceChainID]
	if !ok {
		return fmt.Errorf("unknown source chain %s", tx.SourceChainID)
	}
	target, ok := p.sides[tx.TargetChainID]
	if !ok {
		return fmt.Errorf("unknown target chain %s", tx.TargetChainID)
	}

	attestation, err := p.fetchAttestation(ctx, logger, source, tx.Sequence)
	if err != nil {
		return err
	}
	tx.Attestation = attestation.Marshal()

	payload, err := vaa.DecodeTransferPayload(attestation.Payload)
	if err != nil {
		return fmt.Errorf("can't decode attestation payload: %w", err)
	}
	if payload.RecipientChain != target.Cfg.Chain.EmitterChainID {
		return fmt.Errorf("attestation recipient chain %d does not match target chain %d", payload.RecipientChain, target.Cfg.Chain.EmitterChainID)
	}

	if err = p.verifier.Verify(ctx, attestation); err != nil {
		p.alerter.SendAlert(alerting.LevelCritical, "processor", "attestation failed quorum verification", logrus.Fields{
			"tx_id":      tx.ID,
			"message_id": attestation.MessageID(),
			"error":      err.Error(),
		})
		return fmt.Errorf("can't verify attestation: %w", err)
	}

	completed, err := target.Contract.IsTransferCompleted(ctx, attestation.SigningDigest())
	if err != nil {
		return fmt.Errorf("can't check transfer completion: %w", err)
	}
	if completed {
		logger.Info("transfer is already redeemed on the target chain")
		return nil
	}

	txHash, err := p.submitRedemption(ctx, target, attestation)
	if err != nil {
		return err
	}
	tx.TargetTxHash = &txHash
	logger.WithField("target_tx_hash", txHash).Info("submitted redemption transaction")

	return p.waitForReceipt(ctx, target, txHash)
}

func (p *Processor) fetchAttestation(ctx context.Context, logger logging.Logger, source *ChainSide, sequence uint64) (*vaa.VAA, error) {
	emitterChain := source.Cfg.Chain.EmitterChainID
	emitter := vaa.EmitterFromAddress(source.Cfg.Address)
	id := fmt.Sprintf("%d/%s/%d", emitterChain, common.Bytes2Hex(emitter[:]), sequence)
	if attestation := p.attestations.Get(id); attestation != nil {
		return attestation, nil
	}
	guardianCfg := p.cfg.Guardian
	var lastErr error
	for i := uint(0); i < guardianCfg.AttestationAttempts; i++ {
		if i > 0 {
			if utils.ContextSleep(ctx, guardianCfg.AttestationRetryDelay) == nil {
				return nil, ctx.Err()
			}
		}
		attestation, err := p.guardianAPI.GetSignedAttestation(ctx, emitterChain, emitter, sequence)
		if err != nil {
			lastErr = err
			if errors.Is(err, guardianrpc.ErrNotFound) {
				logger.Debug("attestation is not yet available, retrying")
			} else {
				logger.WithError(err).Warn("can't fetch attestation, retrying")
			}
			continue
		}
		p.attestations.Set(id, attestation)
		return attestation, nil
	}
	return nil, fmt.Errorf("no attestation after %d attempts: %w", guardianCfg.AttestationAttempts, lastErr)
}

func (p *Processor) submitRedemption(ctx context.Context, target *ChainSide, attestation *vaa.VAA) (common.Hash, error) {
	calldata, err := target.Contract.CompleteTransferCalldata(attestation.Marshal())
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't encode redemption calldata: %w", err)
	}
	from := p.signer.Address()
	contractAddr := target.Contract.Address()
	nonce, err := target.Client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't fetch signer nonce: %w", err)
	}
	gasPrice, err := target.Client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't fetch gas price: %w", err)
	}
	gasLimit, err := target.Client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &contractAddr,
		Data: calldata,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't estimate redemption gas: %w", err)
	}
	signedTx, err := p.signer.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &contractAddr,
		Data:     calldata,
	}), target.Client.ChainID())
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't sign redemption transaction: %w", err)
	}
	if err = target.Client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("can't send redemption transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// waitForReceipt polls for the redemption receipt. A transaction that lands
// after the polling budget is not lost: the retry will see it through the
// completion check and not submit twice.
func (p *Processor) waitForReceipt(ctx context.Context, target *ChainSide, txHash common.Hash) error {
	for i := 0; i < defaultReceiptWaitAttempts; i++ {
		if utils.ContextSleep(ctx, target.Cfg.Chain.BlockTime) == nil {
			return ctx.Err()
		}
		receipt, err := target.Client.TransactionReceiptByHash(ctx, txHash)
		if err != nil || receipt == nil {
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return fmt.Errorf("redemption transaction %s reverted", txHash)
		}
		return nil
	}
	return fmt.Errorf("no receipt for redemption transaction %s after %d attempts", txHash, defaultReceiptWaitAttempts)
}
