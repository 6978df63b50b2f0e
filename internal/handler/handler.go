package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jkkn/solutionshub-batch/internal/auth"
	"github.com/jkkn/solutionshub-batch/internal/handler/config"
	"github.com/jkkn/solutionshub-batch/internal/logger"
	"github.com/jkkn/solutionshub-batch/internal/model"
	"github.com/jkkn/solutionshub-batch/internal/service"
)

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Serve слушает cfg.ServerAddr до отмены ctx, затем плавно останавливает сервер.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, cfg, zaplog)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h.newRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownTimeout := cfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		zaplog.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

type handler struct {
	auth    auth.Auth
	service service.Service
	cfg     config.Config
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, cfg config.Config, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		cfg:     cfg,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() http.Handler {
	timeout := h.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(timeout))

	router.Get("/health", h.GetHealth)

	router.Route("/api", func(r chi.Router) {
		r.Get("/cron/process-batches", h.secured(h.ProcessBatches))
		r.Post("/cron/process-batches", h.secured(h.ProcessBatches))
		r.Post("/batches/retry", h.secured(h.PostRetry))
		r.Get("/batches/reconcile", h.secured(h.GetReconcile))
		r.Post("/payments/{id}/flag", h.secured(h.PostFlag))
		r.Get("/payments/{id}/earnings", h.secured(h.GetEarnings))
		r.Post("/earnings/{id}/status", h.secured(h.PostEarningsStatus))
	})

	return router
}

func (h *handler) secured(fn http.HandlerFunc) http.HandlerFunc {
	return logger.RequestLogMdlw(h.auth.Middleware(fn), h.zaplog)
}

type SummaryJSON struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

type EarningsJSON struct {
	ID            string          `json:"id,omitempty"`
	PaymentID     string          `json:"paymentId"`
	RecipientType string          `json:"recipientType"`
	RecipientID   string          `json:"recipientId"`
	Amount        decimal.Decimal `json:"amount"`
	Share         decimal.Decimal `json:"share"`
	Status        string          `json:"status"`
	BatchID       string          `json:"batchId,omitempty"`
}

type DispositionJSON struct {
	PaymentID string         `json:"paymentId"`
	Outcome   string         `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Split     []EarningsJSON `json:"split,omitempty"`
}

type ProcessBatchesJSONResponse struct {
	Success   bool              `json:"success"`
	Timestamp time.Time         `json:"timestamp"`
	BatchID   string            `json:"batchId"`
	Duration  string            `json:"duration"`
	Summary   SummaryJSON       `json:"summary"`
	Details   []DispositionJSON `json:"details,omitempty"`
}

type PaymentJSON struct {
	ID          string          `json:"id"`
	SubjectKind string          `json:"subjectKind"`
	SubjectID   string          `json:"subjectId"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Type        string          `json:"paymentType"`
	DueDate     time.Time       `json:"dueDate"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type BatchStatusJSONResponse struct {
	Success       bool          `json:"success"`
	Timestamp     time.Time     `json:"timestamp"`
	DryRun        bool          `json:"dryRun"`
	Eligible      int           `json:"eligible"`
	PendingWindow string        `json:"pendingWindow"`
	BatchLimit    int           `json:"batchLimit"`
	Payments      []PaymentJSON `json:"payments"`
}

type ErrorJSONResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *handler) ProcessBatches(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if value := r.URL.Query().Get("dry_run"); value != "" {
		var err error
		dryRun, err = strconv.ParseBool(value)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
	}

	if dryRun {
		status, err := h.service.GetBatchStatus(r.Context())
		if err != nil {
			h.serviceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.batchStatusOutput(status))
		return
	}

	run, err := h.service.ProcessExpiredBatches(r.Context(), r.Header.Get(auth.HeaderTriggeredByKey))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.batchRunOutput(run))
}

type PostRetryJSONRequest struct {
	PaymentIDs []string `json:"paymentIds"`
}

func (h *handler) PostRetry(w http.ResponseWriter, r *http.Request) {
	var retryJSON PostRetryJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&retryJSON); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := h.service.RetryPayments(r.Context(), retryJSON.PaymentIDs, r.Header.Get(auth.HeaderTriggeredByKey))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.batchRunOutput(run))
}

type ReconciliationJSON struct {
	PaymentID   string          `json:"paymentId"`
	Amount      decimal.Decimal `json:"amount"`
	Distributed decimal.Decimal `json:"distributed"`
	Entries     int             `json:"entries"`
}

func (h *handler) GetReconcile(w http.ResponseWriter, r *http.Request) {
	unbalanced, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.serviceError(w, err)
		return
	}

	reconcileJSON := []ReconciliationJSON{}
	for _, u := range unbalanced {
		reconcileJSON = append(reconcileJSON, ReconciliationJSON{
			PaymentID:   u.PaymentID,
			Amount:      h.amountOutput(u.Amount),
			Distributed: h.amountOutput(u.Distributed),
			Entries:     u.Entries,
		})
	}
	h.writeJSON(w, http.StatusOK, reconcileJSON)
}

type PostFlagJSONRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) PostFlag(w http.ResponseWriter, r *http.Request) {
	var flagJSON PostFlagJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&flagJSON); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.service.FlagPayment(r.Context(), chi.URLParam(r, "id"), flagJSON.Reason)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetEarnings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, h.earningsOutput(entries))
}

type PostEarningsStatusJSONRequest struct {
	Status string `json:"status"`
}

func (h *handler) PostEarningsStatus(w http.ResponseWriter, r *http.Request) {
	var statusJSON PostEarningsStatusJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&statusJSON); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.service.AdvanceEarnings(r.Context(), chi.URLParam(r, "id"), statusJSON.Status)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.earningsOutput([]model.EarningsEntry{entry})[0])
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
		"db":   "up",
	}
	if err := h.service.Ping(ctx); err != nil {
		h.zaplog.Warn("health check failed", zap.Error(err))
		status["ok"] = false
		status["db"] = "down"
		h.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// serviceError переводит ошибку сервиса в HTTP-код. Внутренние ошибки наружу не отдаются.
func (h *handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrBatchAlreadyRunning):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, ErrorJSONResponse{Success: false, Error: message})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		h.zaplog.Error("marshal response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) batchRunOutput(run model.BatchRun) ProcessBatchesJSONResponse {
	response := ProcessBatchesJSONResponse{
		Success:   true,
		Timestamp: run.CompletedAt,
		BatchID:   run.BatchID,
		Duration:  run.Duration().String(),
		Summary: SummaryJSON{
			Total:     run.Summary.Total,
			Processed: run.Summary.Processed,
			Skipped:   run.Summary.Skipped,
			Failed:    run.Summary.Failed,
			Deferred:  run.Summary.Deferred,
		},
	}
	for _, d := range run.Results {
		response.Details = append(response.Details, DispositionJSON{
			PaymentID: d.PaymentID,
			Outcome:   d.Outcome,
			Reason:    d.Reason,
			Stage:     d.Stage,
			Split:     h.earningsOutput(d.Split),
		})
	}
	return response
}

func (h *handler) batchStatusOutput(status model.BatchStatus) BatchStatusJSONResponse {
	response := BatchStatusJSONResponse{
		Success:       true,
		Timestamp:     status.CheckedAt,
		DryRun:        true,
		Eligible:      status.Eligible,
		PendingWindow: status.PendingWindow.String(),
		BatchLimit:    status.BatchLimit,
		Payments:      []PaymentJSON{},
	}
	for _, p := range status.Payments {
		response.Payments = append(response.Payments, PaymentJSON{
			ID:          p.ID,
			SubjectKind: p.Data.Subject.Kind,
			SubjectID:   p.Data.Subject.ID,
			Category:    p.Data.Subject.Category,
			Amount:      h.amountOutput(p.Data.Amount),
			Status:      p.Data.Status,
			Type:        p.Data.Type,
			DueDate:     p.Data.DueDate,
			CreatedAt:   p.Data.CreatedAt,
		})
	}
	return response
}

func (h *handler) earningsOutput(entries []model.EarningsEntry) []EarningsJSON {
	var earningsJSON []EarningsJSON
	for _, e := range entries {
		earningsJSON = append(earningsJSON, EarningsJSON{
			ID:            e.Data.ID,
			PaymentID:     e.Key.PaymentID,
			RecipientType: e.Key.RecipientType,
			RecipientID:   e.Key.RecipientID,
			Amount:        h.amountOutput(e.Data.Amount),
			Share:         e.Data.Share,
			Status:        e.Data.Status,
			BatchID:       e.Data.BatchID,
		})
	}
	return earningsJSON
}

// amountOutput: суммы хранятся в пайсах, наружу отдаются в рупиях.
func (h *handler) amountOutput(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}
