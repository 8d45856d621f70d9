package presenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/logging"
	mw "github.com/omni/cctp-relayer/presenter/http/middleware"
	"github.com/omni/cctp-relayer/presenter/http/render"
	"github.com/omni/cctp-relayer/relay"
	"github.com/omni/cctp-relayer/store"
)

const (
	throttleLimit   = 20
	maxBodySize     = 1 << 16
	shutdownTimeout = 10 * time.Second
)

type StatusReader interface {
	Get(ctx context.Context, op entity.Operation, jobID string) (*store.Lookup, error)
	GetByKey(ctx context.Context, op entity.Operation, statusKey string) (*store.Lookup, error)
	GetBySourceTxHash(ctx context.Context, op entity.Operation, sourceTxHash string) (*store.Lookup, error)
	ListPaymentLog(ctx context.Context) ([]*entity.PaymentLogEntry, error)
}

type Relayer interface {
	Trigger(ctx context.Context, op entity.Operation, jobID, sourceTxHash string) (entity.ClaimResult, error)
}

type Presenter struct {
	logger  logging.Logger
	store   StatusReader
	relayer Relayer
	cfg     *config.PresenterConfig
	chains  map[string]*config.ChainConfig
	root    chi.Router
}

func NewPresenter(logger logging.Logger, statuses StatusReader, relayer Relayer, cfg *config.PresenterConfig, chains map[string]*config.ChainConfig) *Presenter {
	if cfg == nil {
		cfg = new(config.PresenterConfig)
	}
	p := &Presenter{
		logger:  logger.WithField("component", "presenter"),
		store:   statuses,
		relayer: relayer,
		cfg:     cfg,
		chains:  chains,
		root:    chi.NewMux(),
	}
	p.routes()
	return p
}

func (p *Presenter) routes() {
	p.root.Use(middleware.RequestID)
	p.root.Use(mw.NewLoggerMiddleware(p.logger))
	p.root.Use(mw.Recoverer)
	p.root.Use(middleware.Throttle(throttleLimit))
	if len(p.cfg.CORSOrigins) > 0 {
		p.root.Use(cors.Handler(cors.Options{
			AllowedOrigins: p.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	p.root.Get("/health", p.GetHealth)
	p.root.Route("/api", func(r chi.Router) {
		r.Get("/start-job-status/{jobId}", p.GetStartJobStatus)
		r.Get("/release-payment-status/{statusKey}", p.statusByKeyHandler(entity.OperationReleasePayment))
		r.Get("/lock-milestone-status/{statusKey}", p.statusByKeyHandler(entity.OperationLockMilestone))
		r.Get("/cctp-status/{operation}/{jobId}", p.GetCCTPStatus)
		r.Get("/transfer/{operation}/{sourceTxHash}", p.GetTransfer)
		r.Get("/payment-log", p.GetPaymentLog)

		r.Group(func(r chi.Router) {
			r.Use(mw.NewAuthMiddleware(p.cfg.AuthSecret))
			r.Post("/start-job", p.PostStartJob)
			r.Post("/release-payment", p.PostReleasePayment)
			r.Post("/lock-milestone", p.PostLockMilestone)
			r.Post("/transfer/{operation}", p.PostTransfer)
		})
	})
}

func (p *Presenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.root.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is canceled.
func (p *Presenter) Serve(ctx context.Context, addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	srv := &http.Server{
		Addr:              addr,
		Handler:           p.root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown presenter: %w", err)
		}
		return nil
	}
}

func (p *Presenter) GetHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, http.StatusOK, HealthResponse{Status: "running"})
}

func (p *Presenter) PostStartJob(w http.ResponseWriter, r *http.Request) {
	req := new(StartJobRequest)
	if !decodeBody(w, r, req) {
		return
	}
	p.trigger(w, r, entity.OperationStartJob, req.JobID, req.TxHash, false)
}

func (p *Presenter) PostReleasePayment(w http.ResponseWriter, r *http.Request) {
	req := new(ReleasePaymentRequest)
	if !decodeBody(w, r, req) {
		return
	}
	p.trigger(w, r, entity.OperationReleasePayment, req.JobID, req.SourceTxHash, true)
}

func (p *Presenter) PostLockMilestone(w http.ResponseWriter, r *http.Request) {
	req := new(LockMilestoneRequest)
	if !decodeBody(w, r, req) {
		return
	}
	p.trigger(w, r, entity.OperationLockMilestone, req.JobID, req.TxHash, true)
}

func (p *Presenter) PostTransfer(w http.ResponseWriter, r *http.Request) {
	op, ok := operationParam(w, r)
	if !ok {
		return
	}
	req := new(ReleasePaymentRequest)
	if !decodeBody(w, r, req) {
		return
	}
	p.trigger(w, r, op, req.JobID, req.SourceTxHash, true)
}

func (p *Presenter) trigger(w http.ResponseWriter, r *http.Request, op entity.Operation, jobID, txHash string, withKey bool) {
	jobID, txHash = strings.TrimSpace(jobID), strings.TrimSpace(txHash)
	if jobID == "" || txHash == "" {
		render.Fail(w, r, http.StatusBadRequest, "jobId and transaction hash are required")
		return
	}

	logger := logging.LoggerFromContext(r.Context()).WithFields(logrus.Fields{
		"operation":      op,
		"job_id":         jobID,
		"source_tx_hash": txHash,
	})
	if operator := mw.Operator(r.Context()); operator != "" {
		logger = logger.WithField("operator", operator)
	}

	res, err := p.relayer.Trigger(r.Context(), op, jobID, txHash)
	if err != nil {
		if errors.Is(err, relay.ErrUnknownOperation) {
			render.Fail(w, r, http.StatusBadRequest, fmt.Sprintf("operation %s is not configured", op))
			return
		}
		render.Error(w, r, fmt.Errorf("failed to trigger transfer: %w", err))
		return
	}
	logger.WithField("result", res).Info("transfer triggered")

	resp := TriggerResponse{Success: true, Status: res}
	if withKey {
		resp.StatusKey = op.StatusKey(jobID, txHash)
	}
	render.JSON(w, r, http.StatusOK, resp)
}

func (p *Presenter) GetStartJobStatus(w http.ResponseWriter, r *http.Request) {
	lookup, err := p.store.Get(r.Context(), entity.OperationStartJob, chi.URLParam(r, "jobId"))
	p.renderLookup(w, r, lookup, err)
}

func (p *Presenter) statusByKeyHandler(op entity.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookup, err := p.store.GetByKey(r.Context(), op, chi.URLParam(r, "statusKey"))
		p.renderLookup(w, r, lookup, err)
	}
}

func (p *Presenter) GetTransfer(w http.ResponseWriter, r *http.Request) {
	op, ok := operationParam(w, r)
	if !ok {
		return
	}
	lookup, err := p.store.GetBySourceTxHash(r.Context(), op, chi.URLParam(r, "sourceTxHash"))
	p.renderLookup(w, r, lookup, err)
}

func (p *Presenter) renderLookup(w http.ResponseWriter, r *http.Request, lookup *store.Lookup, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		render.Fail(w, r, http.StatusNotFound, "transfer not found")
	case err != nil:
		render.Error(w, r, err)
	default:
		render.JSON(w, r, http.StatusOK, p.newStatusResponse(lookup.Transfer, lookup.FromDatabase))
	}
}

func (p *Presenter) GetCCTPStatus(w http.ResponseWriter, r *http.Request) {
	op, ok := operationParam(w, r)
	if !ok {
		return
	}
	lookup, err := p.store.Get(r.Context(), op, chi.URLParam(r, "jobId"))
	if errors.Is(err, store.ErrNotFound) {
		render.JSON(w, r, http.StatusOK, CCTPStatusResponse{Found: false})
		return
	}
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, CCTPStatusResponse{
		Found:        true,
		Status:       lookup.Transfer.Status,
		Step:         lookup.Transfer.Step,
		StatusKey:    lookup.Transfer.StatusKey,
		FromDatabase: lookup.FromDatabase,
	})
}

func (p *Presenter) GetPaymentLog(w http.ResponseWriter, r *http.Request) {
	entries, err := p.store.ListPaymentLog(r.Context())
	if err != nil {
		render.Error(w, r, fmt.Errorf("failed to list payment log: %w", err))
		return
	}
	if entries == nil {
		entries = []*entity.PaymentLogEntry{}
	}
	render.JSON(w, r, http.StatusOK, PaymentLogResponse{
		Count:   len(entries),
		Entries: entries,
	})
}

func operationParam(w http.ResponseWriter, r *http.Request) (entity.Operation, bool) {
	name := chi.URLParam(r, "operation")
	op, ok := entity.ParseOperation(name)
	if !ok {
		render.Fail(w, r, http.StatusBadRequest, fmt.Sprintf("unknown operation %q", name))
	}
	return op, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		render.Fail(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
