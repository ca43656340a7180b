package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/presenter/http/render"
)

type ctxKey int

const (
	txHashCtxKey ctxKey = iota
	filterCtxKey
)

const (
	defaultTxListLimit = 50
	maxTxListLimit     = 500
)

var ErrInvalidFilter = errors.New("invalid transaction filter parameter")

// TxFilter is the parsed transaction list filter.
type TxFilter struct {
	Status entity.TxStatus
	Limit  uint
}

// GetTxHashMiddleware parses the txHash route or query parameter into the
// request context.
func GetTxHashMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txHash := chi.URLParam(r, "txHash")

		if txHash == "" {
			txHash = r.URL.Query().Get("txHash")
			if txHash == "" {
				next.ServeHTTP(w, r)
				return
			}
		}

		ctx := context.WithValue(r.Context(), txHashCtxKey, common.HexToHash(txHash))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TxHash(ctx context.Context) common.Hash {
	if txHash, ok := ctx.Value(txHashCtxKey).(common.Hash); ok {
		return txHash
	}
	return common.Hash{}
}

// GetTxFilterMiddleware parses the status and limit query parameters into
// the request context, rejecting unknown statuses and oversized limits.
func GetTxFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		filter := &TxFilter{
			Status: entity.TxStatusPending,
			Limit:  defaultTxListLimit,
		}
		if rawStatus := query.Get("status"); rawStatus != "" {
			status, err := parseTxStatus(rawStatus)
			if err != nil {
				render.ErrorWithStatus(w, r, http.StatusBadRequest, err)
				return
			}
			filter.Status = status
		}
		if rawLimit := query.Get("limit"); rawLimit != "" {
			limit, err := strconv.ParseUint(rawLimit, 10, 32)
			if err != nil {
				render.ErrorWithStatus(w, r, http.StatusBadRequest, fmt.Errorf("can't parse limit: %w", err))
				return
			}
			if limit == 0 || limit > maxTxListLimit {
				render.ErrorWithStatus(w, r, http.StatusBadRequest,
					fmt.Errorf("limit must be between 1 and %d: %w", maxTxListLimit, ErrInvalidFilter))
				return
			}
			filter.Limit = uint(limit)
		}

		ctx := context.WithValue(r.Context(), filterCtxKey, filter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetTxFilter(ctx context.Context) *TxFilter {
	if filter, ok := ctx.Value(filterCtxKey).(*TxFilter); ok {
		return filter
	}
	return &TxFilter{Status: entity.TxStatusPending, Limit: defaultTxListLimit}
}

func parseTxStatus(raw string) (entity.TxStatus, error) {
	status := entity.TxStatus(raw)
	switch status {
	case entity.TxStatusInitiated, entity.TxStatusPending, entity.TxStatusProcessing,
		entity.TxStatusCompleted, entity.TxStatusFailed, entity.TxStatusAborted:
		return status, nil
	}
	return "", fmt.Errorf("unknown transaction status %q: %w", raw, ErrInvalidFilter)
}
