package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/custody"
	"scriptcustody/discrepancy"
	"scriptcustody/lifecycle"
	"scriptcustody/memstore"
)

const testSecret = "test-secret"

var (
	invigilator = auth.Actor{ID: "inv-a", Role: auth.RoleInvigilator}
	lecturer    = auth.Actor{ID: "lec-l", Role: auth.RoleLecturer}
	admin       = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	staff       = auth.Actor{ID: "staff-1", Role: auth.RoleStaff}
)

type harness struct {
	t       *testing.T
	handler http.Handler
	tokens  *auth.Service
	store   *memstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := auth.NewService(testSecret)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	store := memstore.New()
	transfers := custody.NewService(store, nil)
	server := NewServer(
		tokens,
		batch.NewService(store),
		transfers,
		transfers.Ledger(),
		discrepancy.NewResolver(store, transfers),
		nil,
	)
	return &harness{t: t, handler: server.Routes(), tokens: tokens, store: store}
}

func (h *harness) do(actor auth.Actor, method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	token, err := h.tokens.IssueToken(actor, time.Hour)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (h *harness) createBatch() batchResponse {
	h.t.Helper()
	rec := h.do(invigilator, http.MethodPost, "/api/batches", `{"courseRef":"CS101","sessionLabel":"June finals"}`)
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create batch: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[batchResponse](h.t, rec)
}

func (h *harness) initiate(actor auth.Actor, batchID, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(actor, http.MethodPost, "/api/batches/"+batchID+"/transfers", body)
}

func TestHealthzNeedsNoToken(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batches", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestCreateAndGetBatch(t *testing.T) {
	h := newHarness(t)
	created := h.createBatch()

	if created.Status != string(lifecycle.StatusCollecting) || created.CreatedBy != invigilator.ID {
		t.Fatalf("unexpected batch: %+v", created)
	}

	rec := h.do(lecturer, http.MethodGet, "/api/batches/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[batchResponse](t, rec)
	if got.ID != created.ID || got.CourseRef != "CS101" {
		t.Fatalf("unexpected batch: %+v", got)
	}

	rec = h.do(lecturer, http.MethodGet, "/api/batches/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = h.do(staff, http.MethodPost, "/api/batches", `{"courseRef":"CS102"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}
}

func TestListBatches(t *testing.T) {
	h := newHarness(t)
	h.createBatch()
	h.createBatch()

	rec := h.do(admin, http.MethodGet, "/api/batches?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decode[struct {
		Items []batchResponse `json:"items"`
		Total int             `json:"total"`
	}](t, rec)
	if payload.Total != 1 || len(payload.Items) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	rec = h.do(admin, http.MethodGet, "/api/batches?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestReportLifecycle(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch()

	rec := h.do(invigilator, http.MethodPost, "/api/batches/"+b.ID+"/lifecycle", `{"trigger":"session-submitted"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[batchResponse](t, rec); got.Status != string(lifecycle.StatusAwaitingTransfer) {
		t.Fatalf("expected awaiting_transfer, got %s", got.Status)
	}

	rec = h.do(invigilator, http.MethodPost, "/api/batches/"+b.ID+"/lifecycle", `{"trigger":"transfer-confirmed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reserved trigger, got %d", rec.Code)
	}

	rec = h.do(invigilator, http.MethodPost, "/api/batches/"+b.ID+"/lifecycle", `{"trigger":"archived"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for illegal transition, got %d", rec.Code)
	}
}

func TestHandoffOverHTTP(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch()

	rec := h.initiate(invigilator, b.ID, `{"toHandler":"lec-l","expectedCount":40,"location":"Room 101"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	tr := decode[transferResponse](t, rec)
	if tr.Status != string(custody.StatusPending) || tr.Location == nil || *tr.Location != "Room 101" {
		t.Fatalf("unexpected transfer: %+v", tr)
	}

	rec = h.do(lecturer, http.MethodGet, "/api/batches/"+b.ID+"/pending", "")
	pending := decode[struct {
		Pending *transferResponse `json:"pending"`
	}](t, rec)
	if pending.Pending == nil || pending.Pending.ID != tr.ID {
		t.Fatalf("expected pending transfer %s, got %+v", tr.ID, pending.Pending)
	}

	rec = h.do(lecturer, http.MethodPost, "/api/transfers/"+tr.ID+"/confirm", `{"receivedCount":40}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[transferResponse](t, rec); got.Status != string(custody.StatusConfirmed) || got.ConfirmedAt == nil {
		t.Fatalf("unexpected confirmed transfer: %+v", got)
	}

	rec = h.do(admin, http.MethodGet, "/api/batches/"+b.ID+"/custodian", "")
	custodian := decode[map[string]any](t, rec)
	if custodian["custodian"] != lecturer.ID {
		t.Fatalf("expected custodian %s, got %v", lecturer.ID, custodian["custodian"])
	}

	rec = h.do(admin, http.MethodGet, "/api/batches/"+b.ID+"/custodian?at=2000-01-01T00:00:00Z", "")
	custodian = decode[map[string]any](t, rec)
	if custodian["custodian"] != invigilator.ID {
		t.Fatalf("expected historical custodian %s, got %v", invigilator.ID, custodian["custodian"])
	}

	rec = h.do(admin, http.MethodGet, "/api/batches/"+b.ID+"/transfers", "")
	history := decode[struct {
		Items []transferResponse `json:"items"`
		Total int                `json:"total"`
	}](t, rec)
	if history.Total != 1 || history.Items[0].ID != tr.ID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSecondInitiateReturnsPendingContext(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch()

	rec := h.initiate(invigilator, b.ID, `{"toHandler":"lec-l","expectedCount":40}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d", rec.Code)
	}
	first := decode[transferResponse](t, rec)

	rec = h.initiate(invigilator, b.ID, `{"toHandler":"lec-x","expectedCount":40}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	resp := decode[struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Context struct {
			Custodian       string            `json:"custodian"`
			PendingTransfer *transferResponse `json:"pendingTransfer"`
		} `json:"context"`
	}](t, rec)
	if resp.Code != "TRANSFER_ALREADY_PENDING" {
		t.Fatalf("unexpected code %s", resp.Code)
	}
	if resp.Context.PendingTransfer == nil || resp.Context.PendingTransfer.ID != first.ID {
		t.Fatalf("expected pending transfer in context, got %+v", resp.Context)
	}
	if resp.Context.Custodian != invigilator.ID {
		t.Fatalf("expected custodian %s in context, got %s", invigilator.ID, resp.Context.Custodian)
	}
	if !strings.Contains(resp.Message, "initiated by "+invigilator.ID) {
		t.Fatalf("expected actionable message, got %q", resp.Message)
	}
}

func TestDiscrepancyFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch()

	tr := decode[transferResponse](t, h.initiate(invigilator, b.ID, `{"toHandler":"lec-l","expectedCount":40}`))

	rec := h.do(lecturer, http.MethodPost, "/api/transfers/"+tr.ID+"/confirm", `{"receivedCount":37}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing note, got %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "MISSING_DISCREPANCY_NOTE" {
		t.Fatalf("unexpected code %s", got.Code)
	}

	rec = h.do(lecturer, http.MethodPost, "/api/transfers/"+tr.ID+"/confirm", `{"receivedCount":37,"discrepancyNote":"3 scripts missing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = h.do(admin, http.MethodGet, "/api/discrepancies", "")
	open := decode[struct {
		Items []discrepancyResponse `json:"items"`
	}](t, rec)
	if len(open.Items) != 1 || open.Items[0].Shortfall != 3 {
		t.Fatalf("unexpected open discrepancies: %+v", open.Items)
	}

	rec = h.initiate(lecturer, b.ID, `{"toHandler":"inv-a","expectedCount":37}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while disputed, got %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "INVALID_BATCH_STATE" {
		t.Fatalf("unexpected code %s", got.Code)
	}

	rec = h.do(lecturer, http.MethodPost, "/api/transfers/"+tr.ID+"/resolve", `{"resolutionNote":"found"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin resolve, got %d", rec.Code)
	}

	rec = h.do(admin, http.MethodPost, "/api/transfers/"+tr.ID+"/resolve", `{"resolutionNote":"3 scripts located in adjacent room"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resolved := decode[transferResponse](t, rec)
	if resolved.Status != string(custody.StatusResolved) || resolved.ReceivedCount == nil || *resolved.ReceivedCount != 37 || resolved.ExpectedCount != 40 {
		t.Fatalf("unexpected resolved transfer: %+v", resolved)
	}

	rec = h.initiate(lecturer, b.ID, `{"toHandler":"inv-a","expectedCount":37}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 after resolution, got %d", rec.Code)
	}
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)
	b := h.createBatch()

	cases := []struct {
		name   string
		actor  auth.Actor
		body   string
		status int
		code   string
	}{
		{"missing count", invigilator, `{"toHandler":"lec-l"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", invigilator, `{"toHandler":"lec-l","expectedCount":1,"extra":true}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"self target", invigilator, `{"toHandler":"inv-a","expectedCount":1}`, http.StatusBadRequest, "INVALID_TARGET"},
		{"negative count", invigilator, `{"toHandler":"lec-l","expectedCount":-1}`, http.StatusBadRequest, "INVALID_COUNT"},
		{"not custodian", lecturer, `{"toHandler":"admin-1","expectedCount":1}`, http.StatusForbidden, "NOT_CUSTODIAN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.initiate(tc.actor, b.ID, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decode[errorResponse](t, rec); got.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got.Code)
			}
		})
	}

	rec := h.initiate(invigilator, "missing", `{"toHandler":"lec-l","expectedCount":1}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", rec.Code)
	}
}

type brokenHistory struct{}

func (brokenHistory) Initiate(context.Context, custody.InitiateParams) (custody.Transfer, error) {
	return custody.Transfer{}, errors.New("unused")
}

func (brokenHistory) Confirm(context.Context, custody.ConfirmParams) (custody.Transfer, error) {
	return custody.Transfer{}, errors.New("unused")
}

func (brokenHistory) History(context.Context, string) (iter.Seq2[custody.Transfer, error], error) {
	return func(yield func(custody.Transfer, error) bool) {
		yield(custody.Transfer{}, custody.ErrIntegrity)
	}, nil
}

func TestIntegrityViolationIsServerError(t *testing.T) {
	h := newHarness(t)
	tokens := h.tokens
	server := NewServer(tokens, batch.NewService(h.store), brokenHistory{}, nil, nil, nil)

	token, err := tokens.IssueToken(admin, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/batches/b1/transfers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Code != "INTEGRITY_VIOLATION" {
		t.Fatalf("unexpected code %s", got.Code)
	}
}

// actorlessBatches drops the caller before delegating, as a misconfigured
// upstream would.
type actorlessBatches struct {
	*batch.Service
}

func (b actorlessBatches) Create(ctx context.Context, params batch.CreateParams) (batch.Batch, error) {
	params.Actor = auth.Actor{}
	return b.Service.Create(ctx, params)
}

func TestCreateBatchInvalidInputIsBadRequest(t *testing.T) {
	h := newHarness(t)
	h.handler = NewServer(h.tokens, actorlessBatches{batch.NewService(h.store)}, brokenHistory{}, nil, nil, nil).Routes()

	rec := h.do(invigilator, http.MethodPost, "/api/batches", `{"courseRef":"CS101"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[errorResponse](t, rec); got.Code != "INVALID_REQUEST" {
		t.Fatalf("unexpected code %s", got.Code)
	}
}

type contendedTransfers struct {
	brokenHistory
}

func (contendedTransfers) Initiate(context.Context, custody.InitiateParams) (custody.Transfer, error) {
	return custody.Transfer{}, fmt.Errorf("custody: initiate: %w", custody.ErrStaleLedger)
}

func TestContendedInitiateIsConflict(t *testing.T) {
	h := newHarness(t)
	h.handler = NewServer(h.tokens, batch.NewService(h.store), contendedTransfers{}, nil, nil, nil).Routes()

	rec := h.initiate(invigilator, "b1", `{"toHandler":"lec-l","expectedCount":1}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[errorResponse](t, rec); got.Code != "CONCURRENT_UPDATE" {
		t.Fatalf("unexpected code %s", got.Code)
	}
}
