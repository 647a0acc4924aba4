package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/plughost/internal/logger"
)

// Error codes carried by Error.Code.
const (
	CodeFraming    = "FRAMING_ERROR"
	CodeProtocol   = "PROTOCOL_ERROR"
	CodeDomain     = "DOMAIN_ERROR"
	CodeState      = "STATE_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
)

// Error is a structured error carrying a code and optional context.
// Domain errors carry the plugin's error as Cause with an empty Message so
// the plugin's text reaches the caller untouched.
type Error struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Cause == nil:
		return e.Message
	case e.Message == "":
		return e.Cause.Error()
	default:
		return e.Message + ": " + e.Cause.Error()
	}
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ToGinResponse sends the error as a standardized JSON response.
func (e *Error) ToGinResponse(c *gin.Context) {
	statusCode := e.HTTPStatus
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}

	response := gin.H{
		"error": e.Error(),
		"code":  e.Code,
	}
	if len(e.Context) > 0 {
		response["details"] = e.Context
	}

	logger.Warn("http error response",
		"status", statusCode,
		"code", e.Code,
		"error", e.Error(),
		"path", c.Request.URL.Path,
		"method", c.Request.Method)

	c.JSON(statusCode, response)
}

// NewFramingError reports a line that could not be read as a request.
func NewFramingError(message string, cause error) *Error {
	return &Error{
		Code:       CodeFraming,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewProtocolError reports a request that is well framed but unusable.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Code:       CodeProtocol,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewDomainError wraps an error returned by plugin code.
func NewDomainError(operation string, cause error) *Error {
	return &Error{
		Code:       CodeDomain,
		HTTPStatus: http.StatusInternalServerError,
		Context:    map[string]interface{}{"operation": operation},
		Cause:      cause,
	}
}

// NewStateError reports an operation the lifecycle does not allow now.
func NewStateError(cause error) *Error {
	return &Error{
		Code:       CodeState,
		HTTPStatus: http.StatusConflict,
		Cause:      cause,
	}
}

// NewInternalError reports a failure inside the host itself.
func NewInternalError(message string, cause error) *Error {
	return &Error{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NewValidationError reports a bad value for field.
func NewValidationError(message string, field string) *Error {
	return &Error{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Context:    map[string]interface{}{"field": field},
	}
}

// NewNotFoundError reports that resource id does not exist.
func NewNotFoundError(resource string, id string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
		Context:    map[string]interface{}{"resource": resource, "id": id},
	}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Respond writes err to c, wrapping plain errors as internal errors.
func Respond(c *gin.Context, err error) {
	var e *Error
	if !stderrors.As(err, &e) {
		e = NewInternalError("request failed", err)
	}
	e.ToGinResponse(c)
}
