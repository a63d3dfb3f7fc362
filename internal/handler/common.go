package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"deal-settlement/internal/domain"
	"deal-settlement/internal/errors"
)

// Identity headers are set by the authentication layer in front of the API.
const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")

	statusCode := appErr.HTTPStatus()
	errResponse := Error{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{Error: &errResponse})
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, errors.AsAppError(err))
}

func decodeBody(r *http.Request, v interface{}) *errors.AppError {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error())
	}
	return nil
}

func actorFromRequest(r *http.Request) (domain.Actor, *errors.AppError) {
	actor := domain.Actor{
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
		Role: domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole)))),
	}
	if actor.ID == "" {
		return actor, errors.ErrForbidden.WithDetails("missing " + headerActorID + " header")
	}
	switch actor.Role {
	case domain.RoleBroker, domain.RoleOperator, domain.RoleAdmin, domain.RoleSystem:
		return actor, nil
	}
	return actor, errors.ErrForbidden.WithDetails("unknown role " + string(actor.Role))
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}
