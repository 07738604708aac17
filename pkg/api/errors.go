package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hydraorch/hydra/pkg/ingestor"
)

// errorBody is the machine-readable {kind, message} shape every 4xx/5xx
// response carries.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errNotFound and errConflict are sentinel errors handlers wrap around a
// plain bool failure from components (hitl.Coordinator's Retry/Skip/
// ApproveAsMemory all return bool, not error) so mapServiceError can still
// produce a uniform body for them.
var (
	errNotFound = errors.New("resource not found")
	errConflict = errors.New("resource not in a valid state for this action")
)

// mapServiceError maps a component-layer error to an HTTP status and a
// {kind, message} body using the shared error-kind taxonomy.
func mapServiceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ingestor.ErrEmptyIntent), errors.Is(err, ingestor.ErrIntentTooLarge):
		return httpError(http.StatusBadRequest, "SchemaViolation", err.Error())
	case errors.Is(err, errNotFound):
		return httpError(http.StatusNotFound, "PermanentHost", err.Error())
	case errors.Is(err, errConflict):
		return httpError(http.StatusConflict, "PermanentHost", err.Error())
	}

	slog.Error("unexpected api error", "error", err)
	return httpError(http.StatusBadGateway, "TransientHost", err.Error())
}

func httpError(status int, kind, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, errorBody{Kind: kind, Message: message})
}

// closeErrKind maps a hitl.Coordinator.Close error to a response. The issue
// is already removed from the local pipeline by the time this is called —
// Close only returns an error when the best-effort host-side CloseIssue call
// failed — so this is reported as a transient host problem rather than
// rejecting the action outright.
func closeErrKind(err error) *echo.HTTPError {
	slog.Warn("host close-issue failed after local removal", "error", err)
	return httpError(http.StatusBadGateway, "TransientHost", err.Error())
}
