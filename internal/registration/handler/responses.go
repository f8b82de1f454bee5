package handler

import (
	"time"

	"enrolld/internal/registration/model"
)

// SessionResponse is the caller-facing session snapshot. The verification
// token never appears here; it travels only through the notification mail.
type SessionResponse struct {
	SessionID string          `json:"sessionId"`
	Flow      model.FlowKind  `json:"flow"`
	State     model.State     `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Progress  []ProgressEntry `json:"progress,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

// ProgressEntry is one creation-log entry in a status response.
type ProgressEntry struct {
	EntityType  model.EntityType `json:"entityType"`
	Outcome     model.Outcome    `json:"outcome"`
	ExternalID  string           `json:"externalId,omitempty"`
	ErrorDetail string           `json:"errorDetail,omitempty"`
	RecordedAt  time.Time        `json:"recordedAt"`
}

// ValidateResponse is returned when the check run passes.
type ValidateResponse struct {
	State model.State `json:"state"`
}

// FromSession maps a session onto the wire snapshot.
func FromSession(s *model.Session) SessionResponse {
	resp := SessionResponse{
		SessionID: s.ID,
		Flow:      s.Flow,
		State:     s.State,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		LastError: s.LastError,
	}
	for _, rec := range s.Progress {
		resp.Progress = append(resp.Progress, ProgressEntry{
			EntityType:  rec.EntityType,
			Outcome:     rec.Outcome,
			ExternalID:  rec.ExternalID,
			ErrorDetail: rec.ErrorDetail,
			RecordedAt:  rec.RecordedAt,
		})
	}
	return resp
}
