package main

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/custody"
	"scriptcustody/discrepancy"
	"scriptcustody/lifecycle"
)

const maxBodyBytes = 1 << 20

type tokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

type batchService interface {
	Create(ctx context.Context, params batch.CreateParams) (batch.Batch, error)
	GetByID(ctx context.Context, id string) (batch.Batch, error)
	List(ctx context.Context, filters batch.Filters) ([]batch.Batch, error)
	Report(ctx context.Context, params batch.ReportParams) (batch.Batch, error)
}

type transferService interface {
	Initiate(ctx context.Context, params custody.InitiateParams) (custody.Transfer, error)
	Confirm(ctx context.Context, params custody.ConfirmParams) (custody.Transfer, error)
	History(ctx context.Context, batchID string) (iter.Seq2[custody.Transfer, error], error)
}

type ledgerReader interface {
	CurrentCustodian(ctx context.Context, batchID string) (string, error)
	CustodianAt(ctx context.Context, batchID string, at time.Time) (string, error)
	PendingTransfer(ctx context.Context, batchID string) (*custody.Transfer, error)
}

type discrepancyResolver interface {
	Resolve(ctx context.Context, params discrepancy.ResolveParams) (custody.Transfer, error)
	ListOpen(ctx context.Context, limit int) ([]discrepancy.Record, error)
}

// Server exposes the custody protocol over HTTP.
type Server struct {
	tokens    tokenVerifier
	batches   batchService
	transfers transferService
	ledger    ledgerReader
	resolver  discrepancyResolver
	logger    *zap.Logger
}

func NewServer(tokens tokenVerifier, batches batchService, transfers transferService, ledger ledgerReader, resolver discrepancyResolver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		tokens:    tokens,
		batches:   batches,
		transfers: transfers,
		ledger:    ledger,
		resolver:  resolver,
		logger:    logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Get("/batches", s.handleListBatches)
		api.Post("/batches", s.handleCreateBatch)
		api.Route("/batches/{batchID}", func(b chi.Router) {
			b.Get("/", s.handleBatch)
			b.Post("/lifecycle", s.handleReportLifecycle)
			b.Get("/custodian", s.handleCustodian)
			b.Get("/pending", s.handlePending)
			b.Get("/transfers", s.handleHistory)
			b.Post("/transfers", s.handleInitiate)
		})
		api.Post("/transfers/{transferID}/confirm", s.handleConfirm)
		api.Post("/transfers/{transferID}/resolve", s.handleResolve)
		api.Get("/discrepancies", s.handleDiscrepancies)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		actor, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

type createBatchRequest struct {
	CourseRef    string `json:"courseRef"`
	SessionLabel string `json:"sessionLabel"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req createBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.CourseRef) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "courseRef is required", nil)
		return
	}

	b, err := s.batches.Create(r.Context(), batch.CreateParams{
		CourseRef:    req.CourseRef,
		SessionLabel: req.SessionLabel,
		Actor:        actor,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(b))
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := batch.Filters{
		Status:    lifecycle.Status(q.Get("status")),
		CourseRef: q.Get("courseRef"),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status", nil)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	filters.Limit = limit

	batches, err := s.batches.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		items = append(items, toBatchResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.GetByID(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

type lifecycleRequest struct {
	Trigger string `json:"trigger"`
}

func (s *Server) handleReportLifecycle(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req lifecycleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	b, err := s.batches.Report(r.Context(), batch.ReportParams{
		BatchID: chi.URLParam(r, "batchID"),
		Trigger: lifecycle.Trigger(req.Trigger),
		Actor:   actor,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

func (s *Server) handleCustodian(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	var (
		custodian string
		err       error
		at        *time.Time
	)
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "at must be an RFC3339 timestamp", nil)
			return
		}
		at = &parsed
		custodian, err = s.ledger.CustodianAt(r.Context(), batchID, parsed)
	} else {
		custodian, err = s.ledger.CurrentCustodian(r.Context(), batchID)
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := map[string]any{"batchId": batchID, "custodian": custodian}
	if at != nil {
		resp["at"] = at.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.ledger.PendingTransfer(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var body *transferResponse
	if pending != nil {
		resp := toTransferResponse(*pending)
		body = &resp
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": body})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.transfers.History(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	items := make([]transferResponse, 0, 8)
	for t, err := range history {
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		items = append(items, toTransferResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type initiateRequest struct {
	ToHandler     string `json:"toHandler"`
	ExpectedCount *int   `json:"expectedCount"`
	Location      string `json:"location"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req initiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if req.ExpectedCount == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "expectedCount is required", nil)
		return
	}

	t, err := s.transfers.Initiate(r.Context(), custody.InitiateParams{
		BatchID:       chi.URLParam(r, "batchID"),
		Actor:         actor,
		ToHandler:     req.ToHandler,
		ExpectedCount: *req.ExpectedCount,
		Location:      req.Location,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferResponse(t))
}

type confirmRequest struct {
	ReceivedCount   *int   `json:"receivedCount"`
	DiscrepancyNote string `json:"discrepancyNote"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if req.ReceivedCount == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "receivedCount is required", nil)
		return
	}

	t, err := s.transfers.Confirm(r.Context(), custody.ConfirmParams{
		TransferID:      chi.URLParam(r, "transferID"),
		Actor:           actor,
		ReceivedCount:   *req.ReceivedCount,
		DiscrepancyNote: req.DiscrepancyNote,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(t))
}

type resolveRequest struct {
	ResolutionNote string `json:"resolutionNote"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFrom(r.Context())

	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	t, err := s.resolver.Resolve(r.Context(), discrepancy.ResolveParams{
		TransferID:     chi.URLParam(r, "transferID"),
		Actor:          actor,
		ResolutionNote: req.ResolutionNote,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferResponse(t))
}

func (s *Server) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	records, err := s.resolver.ListOpen(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]discrepancyResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDiscrepancyResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// writeServiceError maps domain errors onto HTTP statuses. Precondition
// failures carry the state the caller needs to retry with corrected input.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *custody.PreconditionError
	if errors.As(err, &pe) {
		writeError(w, preconditionStatus(pe.Err), custody.Code(err), err.Error(), preconditionContext(pe))
		return
	}

	switch {
	case errors.Is(err, custody.ErrNotFound), errors.Is(err, batch.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, custody.ErrInvalidCount):
		writeError(w, http.StatusBadRequest, custody.Code(err), err.Error(), nil)
	case errors.Is(err, batch.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, custody.ErrStaleLedger),
		errors.Is(err, custody.ErrPendingExists),
		errors.Is(err, custody.ErrStaleBatch):
		writeError(w, http.StatusConflict, "CONCURRENT_UPDATE", "batch changed concurrently; retry", nil)
	case errors.Is(err, batch.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, batch.ErrInvalidTrigger), errors.Is(err, batch.ErrReservedTrigger):
		writeError(w, http.StatusBadRequest, "INVALID_TRIGGER", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "ILLEGAL_LIFECYCLE_TRANSITION", err.Error(), nil)
	case errors.Is(err, batch.ErrStatusChanged):
		writeError(w, http.StatusConflict, "STATUS_CHANGED", err.Error(), nil)
	case errors.Is(err, custody.ErrIntegrity):
		s.logger.Error("custody integrity violation surfaced to client",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, custody.Code(err), "custody ledger is inconsistent for this batch", nil)
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

func preconditionStatus(err error) int {
	switch {
	case errors.Is(err, custody.ErrNotCustodian),
		errors.Is(err, custody.ErrNotRecipient),
		errors.Is(err, custody.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, custody.ErrTransferAlreadyPending),
		errors.Is(err, custody.ErrInvalidBatchState),
		errors.Is(err, custody.ErrTransferNotPending),
		errors.Is(err, custody.ErrTransferNotDisputed):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func preconditionContext(pe *custody.PreconditionError) map[string]any {
	ctx := map[string]any{}
	if pe.BatchID != "" {
		ctx["batchId"] = pe.BatchID
	}
	if pe.TransferID != "" {
		ctx["transferId"] = pe.TransferID
	}
	if pe.Custodian != "" {
		ctx["custodian"] = pe.Custodian
	}
	if pe.BatchStatus != "" {
		ctx["batchStatus"] = pe.BatchStatus
	}
	if pe.TransferStatus != "" {
		ctx["transferStatus"] = pe.TransferStatus
	}
	if pe.Pending != nil {
		ctx["pendingTransfer"] = toTransferResponse(*pe.Pending)
	}
	return ctx
}

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, ctx map[string]any) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, Context: ctx})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
