package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"civicpulse/internal/privacy/models"
	"civicpulse/internal/privacy/ports"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
	"civicpulse/pkg/platform/httputil"
	"civicpulse/pkg/requestcontext"
)

// Service defines the executor operations the HTTP layer needs.
type Service interface {
	Execute(ctx context.Context, req models.QueryRequest, provider ports.AggregateProvider) (*models.QueryResult, error)
	ExecuteHistogram(ctx context.Context, req models.QueryRequest, provider ports.HistogramProvider) (*models.QueryResult, error)
	Budget(ctx context.Context, subjectID id.SubjectID) (*models.BudgetSnapshot, error)
	ListEntries(ctx context.Context, subjectID id.SubjectID, filter models.ListFilter) ([]models.LedgerEntry, error)
	Stats(ctx context.Context) (models.StatsReport, error)
}

// Handler wires privacy endpoints to the query executor. The aggregate and
// histogram providers are the bridge to vote storage; the handler never
// touches raw votes itself.
type Handler struct {
	service           Service
	aggregateProvider ports.AggregateProvider
	histogramProvider ports.HistogramProvider
	logger            *slog.Logger
}

// New constructs a privacy handler with its dependencies.
func New(service Service, aggregate ports.AggregateProvider, histogram ports.HistogramProvider, logger *slog.Logger) *Handler {
	return &Handler{
		service:           service,
		aggregateProvider: aggregate,
		histogramProvider: histogram,
		logger:            logger,
	}
}

// Register mounts privacy endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/privacy/query", h.HandleQuery)
	r.Get("/privacy/budget", h.HandleBudget)
	r.Get("/privacy/ledger", h.HandleLedger)
	r.Get("/privacy/stats", h.HandleStats)
}

// HandleQuery handles POST /privacy/query requests. Histogram queries route
// to the histogram executor; everything else releases a scalar.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	subjectID, ok := h.requireSubject(w, ctx)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[QueryRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	domainReq, err := req.ToDomain(subjectID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var result *models.QueryResult
	if domainReq.QueryType == id.QueryTypeHistogram {
		result, err = h.service.ExecuteHistogram(ctx, domainReq, h.histogramProvider)
	} else {
		result, err = h.service.Execute(ctx, domainReq, h.aggregateProvider)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "private query failed",
			"request_id", requestID,
			"query_type", domainReq.QueryType,
			"error", err,
		)
		writeQueryError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "private query executed",
		"request_id", requestID,
		"query_type", domainReq.QueryType,
		"suppressed", result.Suppressed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, FromResult(result))
}

// HandleBudget handles GET /privacy/budget requests.
func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID, ok := h.requireSubject(w, ctx)
	if !ok {
		return
	}

	snapshot, err := h.service.Budget(ctx, subjectID)
	if err != nil {
		h.logger.ErrorContext(ctx, "budget read failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSnapshot(snapshot))
}

// HandleLedger handles GET /privacy/ledger requests.
func (h *Handler) HandleLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID, ok := h.requireSubject(w, ctx)
	if !ok {
		return
	}

	filter, err := parseListFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entries, err := h.service.ListEntries(ctx, subjectID, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "ledger read failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromEntries(entries))
}

// HandleStats handles GET /privacy/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.service.Stats(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "stats read failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromStats(stats))
}

// writeQueryError writes query failures. Budget rejections carry the
// remaining budget in the body; everything else uses the uniform envelope.
func writeQueryError(w http.ResponseWriter, err error) {
	var budgetErr *models.BudgetExceededError
	if errors.As(err, &budgetErr) {
		httputil.WriteJSON(w, http.StatusTooManyRequests, budgetExceededResponse{
			Error:            string(dErrors.CodeBudgetExceeded),
			ErrorDescription: budgetErr.Error(),
			RemainingBudget:  budgetErr.Remaining,
		})
		return
	}
	httputil.WriteError(w, err)
}

func (h *Handler) requireSubject(w http.ResponseWriter, ctx context.Context) (id.SubjectID, bool) {
	subjectID := requestcontext.SubjectID(ctx)
	if subjectID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.SubjectID{}, false
	}
	return subjectID, true
}
