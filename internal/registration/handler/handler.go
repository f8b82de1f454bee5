// Package handler exposes the registration orchestrator over HTTP. Thin
// adapters only: decode, call the facade, translate the result. All policy
// lives in the service.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "enrolld/pkg/domain-errors"
	"enrolld/pkg/platform/httputil"

	"enrolld/internal/platform/middleware"
	"enrolld/internal/registration/model"
	"enrolld/internal/registration/service"
)

// RoleApprover is the capability role required for approval decisions.
const RoleApprover = "registration:approve"

// Service defines the orchestrator operations the transport needs.
type Service interface {
	Initiate(ctx context.Context, flow model.FlowKind, bundle model.Bundle) (*model.Session, error)
	Validate(ctx context.Context, sessionID string, patch *model.Bundle) (*service.ValidationResult, error)
	VerifyEmail(ctx context.Context, sessionID, token string) (*model.Session, error)
	Approve(ctx context.Context, sessionID string, decision service.Decision, approver string) (*model.Session, error)
	RequestPayment(ctx context.Context, sessionID string) (*model.Session, error)
	ConfirmPayment(ctx context.Context, sessionID string) (*model.Session, error)
	Execute(ctx context.Context, sessionID string) (*model.Session, error)
	Status(ctx context.Context, sessionID string) (*model.Session, error)
	Cancel(ctx context.Context, sessionID string) (*model.Session, error)
}

// Handler wires registration endpoints to the orchestrator facade.
type Handler struct {
	service      Service
	logger       *slog.Logger
	approveGuard func(http.Handler) http.Handler
}

// New constructs the handler. approveGuard is the capability middleware for
// the approve endpoint; pass nil only in tests that bypass authorization.
func New(svc Service, logger *slog.Logger, approveGuard func(http.Handler) http.Handler) *Handler {
	return &Handler{service: svc, logger: logger, approveGuard: approveGuard}
}

// Register mounts the registration routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/registrations", func(r chi.Router) {
		r.Post("/", h.HandleInitiate)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.HandleStatus)
			r.Post("/validate", h.HandleValidate)
			r.Post("/verify-email", h.HandleVerifyEmail)
			r.Post("/request-payment", h.HandleRequestPayment)
			r.Post("/confirm-payment", h.HandleConfirmPayment)
			r.Post("/execute", h.HandleExecute)
			r.Post("/cancel", h.HandleCancel)
			if h.approveGuard != nil {
				r.With(h.approveGuard).Post("/approve", h.HandleApprove)
			} else {
				r.Post("/approve", h.HandleApprove)
			}
		})
	})
}

// HandleInitiate handles POST /registrations.
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := decode[InitiateRequest](w, r, false)
	if !ok {
		return
	}

	session, err := h.service.Initiate(ctx, model.FlowKind(req.Flow), req.Bundle)
	if err != nil {
		h.logError(ctx, "initiate failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromSession(session))
}

// HandleValidate handles POST /registrations/{sessionID}/validate. A passing
// run returns the advanced state; violations come back as a 422 with the
// complete list in details.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	req, ok := decode[ValidateRequest](w, r, true)
	if !ok {
		return
	}

	result, err := h.service.Validate(ctx, sessionID, req.Bundle)
	if err != nil {
		h.logError(ctx, "validate failed", err)
		httputil.WriteError(w, err)
		return
	}
	if len(result.Violations) > 0 {
		httputil.WriteErrorDetails(w,
			dErrors.New(dErrors.CodeValidationFailed, "staged data failed validation"),
			result.Violations)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ValidateResponse{State: result.State})
}

// HandleVerifyEmail handles POST /registrations/{sessionID}/verify-email.
func (h *Handler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	req, ok := decode[VerifyEmailRequest](w, r, false)
	if !ok {
		return
	}
	if req.Token == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "token is required"))
		return
	}

	session, err := h.service.VerifyEmail(ctx, sessionID, req.Token)
	if err != nil {
		h.logError(ctx, "email verification failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(session))
}

// HandleApprove handles POST /registrations/{sessionID}/approve. The
// capability middleware has already verified the reviewer's token and role.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")
	req, ok := decode[ApproveRequest](w, r, false)
	if !ok {
		return
	}

	session, err := h.service.Approve(ctx, sessionID,
		service.Decision(req.Decision), middleware.GetApprover(ctx))
	if err != nil {
		h.logError(ctx, "approval decision failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(session))
}

// HandleRequestPayment handles POST /registrations/{sessionID}/request-payment.
func (h *Handler) HandleRequestPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.RequestPayment, "payment request failed")
}

// HandleConfirmPayment handles POST /registrations/{sessionID}/confirm-payment.
func (h *Handler) HandleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ConfirmPayment, "payment confirmation failed")
}

// HandleExecute handles POST /registrations/{sessionID}/execute. A saga
// failure still carries the final snapshot so callers see the rolled-back
// progress log without a second status call.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.service.Execute(ctx, sessionID)
	if err != nil {
		h.logError(ctx, "execute failed", err)
		if session != nil && dErrors.Is(err, dErrors.CodeEntityCreationFailed) {
			httputil.WriteErrorDetails(w, err, FromSession(session))
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(session))
}

// HandleStatus handles GET /registrations/{sessionID}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.service.Status(ctx, sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(session))
}

// HandleCancel handles POST /registrations/{sessionID}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel, "cancel failed")
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Session, error), logMsg string) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	session, err := op(ctx, sessionID)
	if err != nil {
		h.logError(ctx, logMsg, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSession(session))
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.WarnContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
}
