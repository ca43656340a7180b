// Package presenter exposes the relayer control surface over HTTP: bridge
// status, transaction lookups and operator-driven retries.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/presenter/http/middleware"
	"github.com/omni/tokenbridge-relayer/presenter/http/render"
	"github.com/omni/tokenbridge-relayer/relayer"
	"github.com/omni/tokenbridge-relayer/relayer/recovery"
)

// Bridge is the per-bridge control surface served over HTTP.
type Bridge interface {
	BridgeID() string
	Status(ctx context.Context) (*relayer.Status, error)
	TransactionByID(ctx context.Context, id common.Hash) (*entity.BridgeTransaction, error)
	TransactionsByStatus(ctx context.Context, status entity.TxStatus, limit uint) ([]*entity.BridgeTransaction, error)
	RetryTransaction(ctx context.Context, id common.Hash) (*entity.BridgeTransaction, error)
	RetryBundle(ctx context.Context, sourceTxHash common.Hash) ([]*entity.BridgeTransaction, error)
	RecoverFromCheckpoint(ctx context.Context) error
}

type bridgeCtxKeyType int

const bridgeCtxKey bridgeCtxKeyType = 0

type Presenter struct {
	logger  logging.Logger
	bridges map[string]Bridge
	root    chi.Router
}

func NewPresenter(logger logging.Logger, bridges map[string]Bridge) *Presenter {
	p := &Presenter{
		logger:  logger,
		bridges: bridges,
		root:    chi.NewMux(),
	}
	p.registerRoutes()
	return p
}

func (p *Presenter) registerRoutes() {
	p.root.Use(chimiddleware.Throttle(5))
	p.root.Use(chimiddleware.RequestID)
	p.root.Use(middleware.NewLoggerMiddleware(p.logger))
	p.root.Use(middleware.Recoverer)
	p.root.Get("/health", p.GetHealth)
	p.root.Route("/bridge/{bridgeID:[0-9a-zA-Z_\\-]+}", func(r chi.Router) {
		r.Use(p.resolveBridge)
		r.Get("/status", p.GetStatus)
		r.Post("/recover", p.RecoverFromCheckpoint)
		r.Route("/transactions", func(r chi.Router) {
			r.With(middleware.GetTxFilterMiddleware).Get("/", p.ListTransactions)
			r.Route("/{txHash:0x[0-9a-fA-F]{64}}", func(r chi.Router) {
				r.Use(middleware.GetTxHashMiddleware)
				r.Get("/", p.GetTransaction)
				r.Post("/retry", p.RetryTransaction)
			})
			r.With(middleware.GetTxHashMiddleware).Post("/retry-bundle/{txHash:0x[0-9a-fA-F]{64}}", p.RetryBundle)
		})
	})
}

func (p *Presenter) Serve(addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	return http.ListenAndServe(addr, p.root)
}

// Handler exposes the assembled router.
func (p *Presenter) Handler() http.Handler {
	return p.root
}

// resolveBridge places the addressed bridge into the request context or
// answers 404 for unknown bridge ids.
func (p *Presenter) resolveBridge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridgeID := chi.URLParam(r, "bridgeID")
		bridge, ok := p.bridges[bridgeID]
		if !ok {
			render.ErrorWithStatus(w, r, http.StatusNotFound, fmt.Errorf("bridge %s is not configured", bridgeID))
			return
		}
		ctx := context.WithValue(r.Context(), bridgeCtxKey, bridge)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (p *Presenter) bridge(ctx context.Context) Bridge {
	bridge, _ := ctx.Value(bridgeCtxKey).(Bridge)
	return bridge
}

func (p *Presenter) GetHealth(w http.ResponseWriter, r *http.Request) {
	bridges := make([]string, 0, len(p.bridges))
	for bridgeID := range p.bridges {
		bridges = append(bridges, bridgeID)
	}
	render.JSON(w, r, http.StatusOK, &HealthResult{Status: "ok", Bridges: bridges})
}

func (p *Presenter) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, err := p.bridge(ctx).Status(ctx)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, status)
}

func (p *Presenter) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := middleware.GetTxFilter(ctx)
	txs, err := p.bridge(ctx).TransactionsByStatus(ctx, filter.Status, filter.Limit)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, &TransactionListResult{
		Status:       filter.Status,
		Transactions: transactionsToInfo(txs),
	})
}

func (p *Presenter) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := p.bridge(ctx).TransactionByID(ctx, middleware.TxHash(ctx))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			render.ErrorWithStatus(w, r, http.StatusNotFound, err)
			return
		}
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, transactionToInfo(tx))
}

func (p *Presenter) RetryTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := p.bridge(ctx).RetryTransaction(ctx, middleware.TxHash(ctx))
	if err != nil {
		renderRetryError(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, transactionToInfo(tx))
}

func (p *Presenter) RetryBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txs, err := p.bridge(ctx).RetryBundle(ctx, middleware.TxHash(ctx))
	if err != nil {
		renderRetryError(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, &TransactionListResult{
		Status:       entity.TxStatusPending,
		Transactions: transactionsToInfo(txs),
	})
}

func (p *Presenter) RecoverFromCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := p.bridge(ctx).RecoverFromCheckpoint(ctx); err != nil {
		switch {
		case errors.Is(err, recovery.ErrNoCheckpoint):
			render.ErrorWithStatus(w, r, http.StatusNotFound, err)
		case errors.Is(err, recovery.ErrRecoveryInProgress):
			render.ErrorWithStatus(w, r, http.StatusConflict, err)
		default:
			render.Error(w, r, err)
		}
		return
	}
	render.JSON(w, r, http.StatusOK, &RecoverResult{Recovered: true})
}

func renderRetryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		render.ErrorWithStatus(w, r, http.StatusNotFound, err)
	case errors.Is(err, recovery.ErrNotRetryable), errors.Is(err, recovery.ErrMaxRetriesExceeded):
		render.ErrorWithStatus(w, r, http.StatusConflict, err)
	default:
		render.Error(w, r, err)
	}
}
