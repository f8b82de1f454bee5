package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrolld/internal/events"
	jwttoken "enrolld/internal/jwt_token"
	"enrolld/internal/platform/metrics"
	"enrolld/internal/platform/middleware"
	"enrolld/internal/registration/model"
	"enrolld/internal/registration/service"
	"enrolld/internal/registration/statemachine"
	"enrolld/internal/registration/store"
	"enrolld/internal/registration/validate"
)

// promauto registers on the default registry; one instance per test binary.
var testMetrics = metrics.New()

type nopRunner struct{}

func (nopRunner) Run(_ context.Context, _ *model.Session) error { return nil }

type nopEmitter struct{}

func (nopEmitter) Emit(_ events.LifecycleEvent) {}

const signingKey = "test-signing-key-32-bytes-long!!"

type env struct {
	router chi.Router
	svc    *service.Service
	tokens *jwttoken.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(
		store.NewMemory(),
		statemachine.New(),
		validate.New(),
		nopRunner{},
		nopEmitter{},
		testMetrics,
		service.WithLogger(logger),
	)

	tokens := jwttoken.NewService(signingKey, "enrolld-test", "enrolld")
	guard := middleware.RequireCapability(jwttoken.NewAdapter(tokens), RoleApprover, logger)

	r := chi.NewRouter()
	New(svc, logger, guard).Register(r)
	return &env{router: r, svc: svc, tokens: tokens}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func validBundle() model.Bundle {
	return model.Bundle{
		Person:     &model.PersonPayload{FirstName: "Ada", LastName: "Lovelace", BirthDate: "1990-03-14"},
		Address:    &model.AddressPayload{Street: "1 Main St", City: "Dublin", PostalCode: "D02 AF30", Country: "IE"},
		Contact:    &model.ContactPayload{Email: "ada@example.org"},
		Identity:   &model.IdentityPayload{NationalID: "1234567A", Nationality: "IE"},
		Membership: &model.MembershipPayload{Grade: "member", Declaration: true},
	}
}

func (e *env) initiate(t *testing.T, flow string) SessionResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/registrations", InitiateRequest{Flow: flow, Bundle: validBundle()}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestInitiate_Created(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/registrations",
		InitiateRequest{Flow: "approval", Bundle: validBundle()}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, model.StateStaged, resp.State)
	// The verification secret must never leak through the API.
	assert.NotContains(t, rec.Body.String(), "verifyToken")
}

func TestInitiate_MalformedBody(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/registrations", bytes.NewBufferString("{nope"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_request")
}

func TestInitiate_DuplicateConflict(t *testing.T) {
	e := newEnv(t)
	e.initiate(t, "approval")

	rec := e.do(t, http.MethodPost, "/registrations", InitiateRequest{Flow: "approval", Bundle: validBundle()}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate_session")
}

func TestValidate_ViolationsReturn422WithFullList(t *testing.T) {
	e := newEnv(t)
	bundle := validBundle()
	bundle.Membership.Declaration = false
	bundle.Address.PostalCode = "XX"

	rec := e.do(t, http.MethodPost, "/registrations", InitiateRequest{Flow: "approval", Bundle: bundle}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/validate", nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var errResp struct {
		Code    string               `json:"code"`
		Details []validate.Violation `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "validation_failed", errResp.Code)
	assert.Len(t, errResp.Details, 2)
}

func TestValidate_PassAdvances(t *testing.T) {
	e := newEnv(t)
	created := e.initiate(t, "approval")

	rec := e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/validate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StateEmailVerificationPending, resp.State)
}

func TestStatus_NotFound(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/registrations/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_not_found")
}

// pendingApproval drives a session through validate and email verification
// using the service directly, since the token only travels by mail.
func (e *env) pendingApproval(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	created := e.initiate(t, "approval")

	_, err := e.svc.Validate(ctx, created.SessionID, nil)
	require.NoError(t, err)
	stored, err := e.svc.Status(ctx, created.SessionID)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/verify-email",
		VerifyEmailRequest{Token: stored.VerifyToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return created.SessionID
}

func TestVerifyEmail_BadTokenForbidden(t *testing.T) {
	e := newEnv(t)
	created := e.initiate(t, "approval")
	_, err := e.svc.Validate(context.Background(), created.SessionID, nil)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/verify-email",
		VerifyEmailRequest{Token: "wrong"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprove_RequiresCapabilityToken(t *testing.T) {
	e := newEnv(t)
	sessionID := e.pendingApproval(t)

	rec := e.do(t, http.MethodPost, "/registrations/"+sessionID+"/approve",
		ApproveRequest{Decision: "approve"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApprove_RejectsTokenWithoutRole(t *testing.T) {
	e := newEnv(t)
	sessionID := e.pendingApproval(t)

	token, err := e.tokens.GenerateToken("reviewer-1", []string{"some:other"}, time.Hour)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/registrations/"+sessionID+"/approve",
		ApproveRequest{Decision: "approve"},
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprove_WithCapabilityToken(t *testing.T) {
	e := newEnv(t)
	sessionID := e.pendingApproval(t)

	token, err := e.tokens.GenerateToken("reviewer-1", []string{RoleApprover}, time.Hour)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/registrations/"+sessionID+"/approve",
		ApproveRequest{Decision: "approve"},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StateApproved, resp.State)
}

func TestExecuteAndStatus_FullApprovalFlow(t *testing.T) {
	e := newEnv(t)
	sessionID := e.pendingApproval(t)

	token, err := e.tokens.GenerateToken("reviewer-1", []string{RoleApprover}, time.Hour)
	require.NoError(t, err)
	rec := e.do(t, http.MethodPost, "/registrations/"+sessionID+"/approve",
		ApproveRequest{Decision: "approve"},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/registrations/"+sessionID+"/execute", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StateCompleted, resp.State)

	rec = e.do(t, http.MethodGet, "/registrations/"+sessionID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentFlowRoutes(t *testing.T) {
	e := newEnv(t)
	created := e.initiate(t, "payment")

	rec := e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/validate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/request-payment", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/confirm-payment", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StatePaymentConfirmed, resp.State)
}

func TestCancel_ThenStatusShowsTerminal(t *testing.T) {
	e := newEnv(t)
	created := e.initiate(t, "approval")

	rec := e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/registrations/"+created.SessionID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_state_transition")
}
