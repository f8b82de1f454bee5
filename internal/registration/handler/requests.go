package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	dErrors "enrolld/pkg/domain-errors"
	"enrolld/pkg/platform/httputil"

	"enrolld/internal/registration/model"
)

// InitiateRequest starts a registration session.
type InitiateRequest struct {
	Flow   string       `json:"flow"`
	Bundle model.Bundle `json:"bundle"`
}

// ValidateRequest optionally patches the staged bundle before the check run.
// An absent bundle validates what is already staged.
type ValidateRequest struct {
	Bundle *model.Bundle `json:"bundle,omitempty"`
}

// VerifyEmailRequest carries the token from the verification mail.
type VerifyEmailRequest struct {
	Token string `json:"token"`
}

// ApproveRequest carries a reviewer's decision.
type ApproveRequest struct {
	Decision string `json:"decision"`
}

// decode parses the JSON body into T, answering bad_request on malformed
// input. An empty body decodes to the zero value when allowEmpty is set.
func decode[T any](w http.ResponseWriter, r *http.Request, allowEmpty bool) (T, bool) {
	var req T
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return req, true
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed JSON body"))
		return req, false
	}
	return req, true
}
