// Package api serves the HTTP enqueue and operations surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ingest"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
)

// Dead-letter listing defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

type Store interface {
	CreateDocument(ctx context.Context, doc domain.Document) error
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Document, error)
	CancelDocument(ctx context.Context, tenantID, documentID uuid.UUID) error
	PutLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error
	CreateSchedule(ctx context.Context, sched domain.Schedule) error
}

type CronParser interface {
	NextAfter(expression, timezone string, after time.Time) (time.Time, error)
}

// HealthChecker provides store health for verbose /health responses.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	broker      queue.Broker
	enqueuer    queue.Enqueuer
	store       Store
	parser      CronParser
	maxAttempts int

	health         HealthChecker
	metricsPath    string
	metricsHandler http.Handler
	logger         logrus.FieldLogger
	clock          func() time.Time
}

func NewHandler(broker queue.Broker, store Store, parser CronParser, maxAttempts int) *Handler {
	return &Handler{
		broker:      broker,
		enqueuer:    broker,
		store:       store,
		parser:      parser,
		maxAttempts: maxAttempts,
		logger:      logging.Component(logging.Discard(), "api"),
		clock:       time.Now,
	}
}

func (h *Handler) WithLogger(logger logrus.FieldLogger) *Handler {
	h.logger = logging.Component(logger, "api")
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// WithEnqueuer routes new jobs through e, e.g. one that also wakes idle workers.
func (h *Handler) WithEnqueuer(e queue.Enqueuer) *Handler {
	h.enqueuer = e
	return h
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

// WithMetricsHandler mounts a metrics endpoint on the API router.
func (h *Handler) WithMetricsHandler(path string, handler http.Handler) *Handler {
	h.metricsPath = path
	h.metricsHandler = handler
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.healthCheck)
	if h.metricsHandler != nil {
		r.Method(http.MethodGet, h.metricsPath, h.metricsHandler)
	}

	r.Post("/jobs", h.createJob)
	r.Get("/deadletters", h.listDeadLetters)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/jobs/{jobID}", h.getJob)
		r.Post("/jobs/{jobID}/cancel", h.cancelJob)
		r.Post("/deadletters/{jobID}/discard", h.discardDeadLetter)

		r.Post("/documents", h.createDocument)
		r.Get("/documents/{documentID}", h.getDocument)
		r.Post("/documents/{documentID}/cancel", h.cancelDocument)

		r.Post("/ledger-entries", h.putLedgerEntry)
		r.Post("/schedules", h.createSchedule)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	if err := h.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
		statusCode = http.StatusServiceUnavailable
	} else {
		resp.Components["store"] = "healthy"
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantID := uuid.MustParse(req.TenantID)

	typ := domain.JobType(req.Type)
	payload, err := domain.DecodePayload(typ, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Tenant() != tenantID {
		writeError(w, http.StatusBadRequest, domain.ErrPayloadTenant.Error())
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = h.maxAttempts
	}
	job := domain.NewRawJob(tenantID, typ, req.Payload, req.IdempotencyKey, maxAttempts, h.clock())

	id, created, err := h.enqueuer.Enqueue(r.Context(), job)
	if err != nil {
		logging.Error(h.logger, "enqueue", err, logrus.Fields{"tenant_id": tenantID, "job_type": typ})
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "job_id": id, "job_type": typ}).Info("job enqueued")
	}
	writeJSON(w, status, CreateJobResponse{JobID: id.String(), Created: created})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := pathIDs(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.broker.Get(r.Context(), tenantID, jobID)
	if err != nil {
		h.writeQueueError(w, "get_job", err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := pathIDs(w, r, "jobID")
	if !ok {
		return
	}
	if err := h.broker.Cancel(r.Context(), tenantID, jobID); err != nil {
		h.writeQueueError(w, "cancel_job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.broker.ListDeadLetters(r.Context(), tenantID, limit)
	if err != nil {
		h.writeQueueError(w, "list_dead_letters", err)
		return
	}
	resp := ListDeadLettersResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = jobResponse(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := pathIDs(w, r, "jobID")
	if !ok {
		return
	}
	if err := h.broker.DiscardDeadLetter(r.Context(), tenantID, jobID); err != nil {
		h.writeQueueError(w, "discard_dead_letter", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createDocument registers an uploaded document and enqueues its ingestion.
func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}
	var req CreateDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := tenant.CheckStorageKey(domain.Job{TenantID: tenantID}, req.SourceRef); err != nil {
		writeError(w, http.StatusBadRequest, "source_ref must be under "+tenant.StorageKey(tenantID))
		return
	}

	now := h.clock().UTC()
	doc := domain.Document{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SourceRef: req.SourceRef,
		Status:    domain.DocumentStatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateDocument(r.Context(), doc); err != nil {
		h.writeStoreError(w, "create_document", err)
		return
	}

	job, err := domain.NewJob(tenantID, &domain.IngestPayload{TenantID: tenantID, DocumentID: doc.ID}, ingest.IngestKey(doc.ID), h.maxAttempts, now)
	if err != nil {
		logging.Error(h.logger, "build_ingest_job", err, logrus.Fields{"tenant_id": tenantID, "document_id": doc.ID})
		writeError(w, http.StatusInternalServerError, "failed to enqueue ingestion")
		return
	}
	jobID, _, err := h.enqueuer.Enqueue(r.Context(), job)
	if err != nil {
		logging.Error(h.logger, "enqueue", err, logrus.Fields{"tenant_id": tenantID, "document_id": doc.ID})
		writeError(w, http.StatusInternalServerError, "failed to enqueue ingestion")
		return
	}

	h.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "document_id": doc.ID, "job_id": jobID}).Info("document registered")
	writeJSON(w, http.StatusCreated, CreateDocumentResponse{DocumentID: doc.ID.String(), JobID: jobID.String()})
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, documentID, ok := pathIDs(w, r, "documentID")
	if !ok {
		return
	}
	doc, err := h.store.GetDocument(r.Context(), tenantID, documentID)
	if err != nil {
		h.writeStoreError(w, "get_document", err)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse(doc))
}

func (h *Handler) cancelDocument(w http.ResponseWriter, r *http.Request) {
	tenantID, documentID, ok := pathIDs(w, r, "documentID")
	if !ok {
		return
	}
	if err := h.store.CancelDocument(r.Context(), tenantID, documentID); err != nil {
		h.writeStoreError(w, "cancel_document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putLedgerEntry(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}
	var req LedgerEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount is not a valid decimal")
		return
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be formatted as 2006-01-02")
		return
	}
	id := uuid.New()
	if req.ID != "" {
		id = uuid.MustParse(req.ID)
	}

	entry := domain.LedgerEntry{
		ID:           id,
		TenantID:     tenantID,
		Amount:       amount,
		Currency:     strings.ToUpper(req.Currency),
		Date:         date,
		Counterparty: req.Counterparty,
		Reference:    req.Reference,
		Matched:      req.Matched,
	}
	if err := h.store.PutLedgerEntry(r.Context(), entry); err != nil {
		h.writeStoreError(w, "put_ledger_entry", err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerEntryResponse{ID: id.String()})
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return
	}
	var req CreateScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	now := h.clock().UTC()
	next, err := h.parser.NextAfter(req.CronExpression, tz, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron_expression: "+err.Error())
		return
	}

	typ := domain.JobType(req.JobType)
	if len(req.Payload) > 0 {
		payload, err := domain.DecodePayload(typ, req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if payload.Tenant() != tenantID {
			writeError(w, http.StatusBadRequest, domain.ErrPayloadTenant.Error())
			return
		}
	} else if typ != domain.JobTypeReport {
		writeError(w, http.StatusBadRequest, "payload is required for job_type "+req.JobType)
		return
	}

	sched := domain.Schedule{
		ID:             uuid.New(),
		TenantID:       tenantID,
		JobType:        typ,
		CronExpression: req.CronExpression,
		Timezone:       tz,
		Payload:        req.Payload,
		Enabled:        req.Enabled == nil || *req.Enabled,
		NextFireAt:     next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		h.writeStoreError(w, "create_schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, ScheduleResponse{
		ID:             sched.ID.String(),
		TenantID:       tenantID.String(),
		JobType:        req.JobType,
		CronExpression: sched.CronExpression,
		Timezone:       tz,
		Enabled:        sched.Enabled,
		NextFireAt:     formatTime(next),
		CreatedAt:      formatTime(now),
	})
}

// decode reads a JSON body into req and validates it. It writes the error
// response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) writeQueueError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotCancellable), errors.Is(err, queue.ErrNotDeadLettered):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Error(h.logger, op, err, nil)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Error(h.logger, op, err, nil)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return uuid.Nil, false
	}
	return tenantID, true
}

func pathIDs(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := pathTenant(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+strings.TrimSuffix(param, "ID")+" id")
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

// parseLimit returns DefaultLimit when limit is absent and rejects values above MaxLimit.
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if limit > MaxLimit {
		return 0, &limitExceededError{max: MaxLimit}
	}
	if limit == 0 {
		return DefaultLimit, nil
	}
	return limit, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
