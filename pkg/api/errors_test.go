package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hydraorch/hydra/pkg/ingestor"
)

func TestMapServiceErrorKinds(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"empty intent", ingestor.ErrEmptyIntent, http.StatusBadRequest, "SchemaViolation"},
		{"intent too large", ingestor.ErrIntentTooLarge, http.StatusBadRequest, "SchemaViolation"},
		{"not found", errNotFound, http.StatusNotFound, "PermanentHost"},
		{"conflict", errConflict, http.StatusConflict, "PermanentHost"},
		{"unmapped", errors.New("boom"), http.StatusBadGateway, "TransientHost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			httpErr := mapServiceError(tc.err)
			assert.Equal(t, tc.wantStatus, httpErr.Code)
			body, ok := httpErr.Message.(errorBody)
			assert.True(t, ok)
			assert.Equal(t, tc.wantKind, body.Kind)
		})
	}
}

func TestCloseErrKindReportsTransientHost(t *testing.T) {
	httpErr := closeErrKind(errors.New("github: 502"))
	assert.Equal(t, http.StatusBadGateway, httpErr.Code)
	body, ok := httpErr.Message.(errorBody)
	assert.True(t, ok)
	assert.Equal(t, "TransientHost", body.Kind)
}
