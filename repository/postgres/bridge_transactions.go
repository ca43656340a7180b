package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
)

type bridgeTransactionsRepo basePostgresRepo

func NewBridgeTransactionsRepo(table string, db *db.DB) entity.BridgeTransactionsRepo {
	return (*bridgeTransactionsRepo)(newBasePostgresRepo(table, db))
}

// Ensure inserts a newly discovered transaction. Re-inserting the same ID is
// a no-op, so event re-discovery after a cursor rollback stays idempotent.
func (r *bridgeTransactionsRepo) Ensure(ctx context.Context, tx *entity.BridgeTransaction) error {
	q, args, err := sq.Insert(r.table).
		Columns("id", "bridge_id", "transfer_type", "status", "source_chain_id", "target_chain_id",
			"source_token", "target_token", "amount", "sender", "recipient",
			"source_tx_hash", "sequence", "retry_count").
		Values(tx.ID, tx.BridgeID, tx.TransferType, tx.Status, tx.SourceChainID, tx.TargetChainID,
			tx.SourceToken, tx.TargetToken, tx.Amount, tx.Sender, tx.Recipient,
			tx.SourceTxHash, tx.Sequence, tx.RetryCount).
		Suffix("ON CONFLICT (id) DO UPDATE SET updated_at = NOW()").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert bridge transaction: %w", err)
	}
	return nil
}

func (r *bridgeTransactionsRepo) Update(ctx context.Context, tx *entity.BridgeTransaction) error {
	q, args, err := sq.Update(r.table).
		SetMap(map[string]interface{}{
			"status":         tx.Status,
			"target_tx_hash": tx.TargetTxHash,
			"attestation":    tx.Attestation,
			"error_msg":      tx.ErrorMsg,
			"retry_count":    tx.RetryCount,
			"completed_at":   tx.CompletedAt,
			"updated_at":     sq.Expr("NOW()"),
		}).
		Where(sq.Eq{"id": tx.ID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't update bridge transaction: %w", err)
	}
	return nil
}

func (r *bridgeTransactionsRepo) GetByID(ctx context.Context, bridgeID string, id common.Hash) (*entity.BridgeTransaction, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"bridge_id": bridgeID, "id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	tx := new(entity.BridgeTransaction)
	err = r.db.GetContext(ctx, tx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get bridge transaction: %w", err)
	}
	return tx, nil
}

func (r *bridgeTransactionsRepo) FindByStatus(ctx context.Context, bridgeID string, status entity.TxStatus, limit uint) ([]*entity.BridgeTransaction, error) {
	query := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"bridge_id": bridgeID, "status": status}).
		OrderBy("created_at")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	q, args, err := query.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	txs := make([]*entity.BridgeTransaction, 0, limit)
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find bridge transactions by status: %w", err)
	}
	return txs, nil
}

func (r *bridgeTransactionsRepo) FindBySourceTxHash(ctx context.Context, bridgeID string, txHash common.Hash) ([]*entity.BridgeTransaction, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"bridge_id": bridgeID, "source_tx_hash": txHash}).
		OrderBy("sequence").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	var txs []*entity.BridgeTransaction
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find bridge transactions by source tx hash: %w", err)
	}
	return txs, nil
}

// FindStuck returns non-terminal transactions that have not advanced since olderThan.
func (r *bridgeTransactionsRepo) FindStuck(ctx context.Context, bridgeID string, olderThan time.Time) ([]*entity.BridgeTransaction, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"bridge_id": bridgeID, "status": []entity.TxStatus{entity.TxStatusPending, entity.TxStatusProcessing}}).
		Where(sq.Lt{"updated_at": olderThan}).
		OrderBy("updated_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	var txs []*entity.BridgeTransaction
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find stuck bridge transactions: %w", err)
	}
	return txs, nil
}

func (r *bridgeTransactionsRepo) FindUnfinished(ctx context.Context, bridgeID string, chainID string) ([]*entity.BridgeTransaction, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{
			"bridge_id":       bridgeID,
			"source_chain_id": chainID,
			"status":          []entity.TxStatus{entity.TxStatusPending, entity.TxStatusProcessing},
		}).
		OrderBy("created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	var txs []*entity.BridgeTransaction
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't find unfinished bridge transactions: %w", err)
	}
	return txs, nil
}

func (r *bridgeTransactionsRepo) CountByStatus(ctx context.Context, bridgeID string) (map[entity.TxStatus]uint, error) {
	q, args, err := sq.Select("status", "COUNT(*) AS count").
		From(r.table).
		Where(sq.Eq{"bridge_id": bridgeID}).
		GroupBy("status").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	var rows []struct {
		Status entity.TxStatus `db:"status"`
		Count  uint            `db:"count"`
	}
	err = r.db.SelectContext(ctx, &rows, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't count bridge transactions by status: %w", err)
	}
	counts := make(map[entity.TxStatus]uint, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
