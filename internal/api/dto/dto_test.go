package dto

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"downloadgate/pkg/apperr"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"ok", `{"file_id": 3, "parts": 4}`, ""},
		{"empty", ``, "body"},
		{"malformed", `{"file_id":`, "body"},
		{"unknown field", `{"file_id": 3, "parts": 4, "x": 1}`, "body"},
		{"missing file", `{"parts": 4}`, "file_id"},
		{"too many parts", `{"file_id": 3, "parts": 64}`, "parts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			var v CreateMultipartRequest
			err := Decode(req, &v)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, 4, v.Parts)
				return
			}
			var ve *apperr.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	err := Struct(&RegisterRequest{Email: "nope", Password: "secret1"})
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "email", ve.Field)
	assert.Equal(t, "must be a valid email", ve.Message)
}
