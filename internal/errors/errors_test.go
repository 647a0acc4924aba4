package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestErrorText(t *testing.T) {
	cause := stderrors.New("quota exceeded")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", NewProtocolError("unknown method: x", nil), "unknown method: x"},
		{"domain keeps plugin text", NewDomainError("execute_action", cause), "quota exceeded"},
		{"message and cause", NewProtocolError("invalid plugin response", cause), "invalid plugin response: quota exceeded"},
		{"state", NewStateError(stderrors.New("cannot start plugin in state uninitialized")), "cannot start plugin in state uninitialized"},
		{"internal", NewInternalError("failed to encode action data", cause), "failed to encode action data: quota exceeded"},
		{"validation", NewValidationError("must be config, data or state", "kind"), "must be config, data or state"},
		{"not found", NewNotFoundError("record", "k"), "record not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", NewFramingError("line too long", nil))
	assert.Equal(t, CodeFraming, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))

	cause := stderrors.New("boom")
	assert.ErrorIs(t, NewDomainError("stop", cause), cause)
}

func TestRespond(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", NewNotFoundError("config", "k"), http.StatusNotFound, CodeNotFound},
		{"validation", NewValidationError("bad kind", "kind"), http.StatusBadRequest, CodeValidation},
		{"state", NewStateError(stderrors.New("no")), http.StatusConflict, CodeState},
		{"plain error", stderrors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)

			Respond(c, tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tt.code+`"`)
		})
	}
}
