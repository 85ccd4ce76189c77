package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeModelUnknown     ErrCode = "MODEL_UNKNOWN"
	ErrCodeFileUnknown      ErrCode = "FILE_UNKNOWN"
	ErrCodeUnauthorized     ErrCode = "UNAUTHORIZED"
	ErrCodeDenied           ErrCode = "DENIED"
	ErrCodeInvalidParameter ErrCode = "INVALID_PARAMETER"
	ErrCodeConfigInvalid    ErrCode = "CONFIG_INVALID"
	ErrCodeArchiveInvalid   ErrCode = "ARCHIVE_INVALID"
	ErrCodeDigestInvalid    ErrCode = "DIGEST_INVALID"
	ErrCodeEndpointUnknown  ErrCode = "ENDPOINT_UNKNOWN"
	ErrCodeRoleUnresolved   ErrCode = "ROLE_UNRESOLVED"
	ErrCodeUnsupported      ErrCode = "UNSUPPORTED"
	ErrCodeInternal         ErrCode = "INTERNAL"
	ErrCodeUnknow           ErrCode = "UNKNOWN"
)

type ErrCode string

type ErrorInfo struct {
	HttpStatus int     `json:"-"`
	Code       ErrCode `json:"code"`
	Message    string  `json:"message"`
	Detail     string  `json:"detail,omitempty"`
}

func (e ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func IsErrCode(err error, code ErrCode) bool {
	if err == nil {
		return false
	}
	info := ErrorInfo{}
	if errors.As(err, &info) {
		return info.Code == code
	}
	return false
}

// FromHTTPStatus maps an upstream http status to an ErrorInfo, what names the missing object.
func FromHTTPStatus(status int, what string, body string) ErrorInfo {
	switch status {
	case http.StatusUnauthorized:
		return ErrorInfo{HttpStatus: status, Code: ErrCodeUnauthorized, Message: fmt.Sprintf("%s: unauthorized", what), Detail: body}
	case http.StatusForbidden:
		return ErrorInfo{HttpStatus: status, Code: ErrCodeDenied, Message: fmt.Sprintf("%s: access denied", what), Detail: body}
	case http.StatusNotFound:
		return ErrorInfo{HttpStatus: status, Code: ErrCodeFileUnknown, Message: fmt.Sprintf("%s not found", what), Detail: body}
	default:
		return ErrorInfo{HttpStatus: status, Code: ErrCodeUnknow, Message: fmt.Sprintf("%s: unexpected status %d", what, status), Detail: body}
	}
}

func NewUnauthorizedError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusUnauthorized, Code: ErrCodeUnauthorized, Message: msg}
}

func NewUnsupportedError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusNotImplemented, Code: ErrCodeUnsupported, Message: msg}
}

func NewModelUnknownError(repoID, revision string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusNotFound, Code: ErrCodeModelUnknown, Message: fmt.Sprintf("model: %s@%s not found", repoID, revision)}
}

func NewDigestInvalidError(name, expected, got string) ErrorInfo {
	return ErrorInfo{
		HttpStatus: http.StatusBadRequest,
		Code:       ErrCodeDigestInvalid,
		Message:    fmt.Sprintf("digest invalid: %s", name),
		Detail:     fmt.Sprintf("expected %s, got %s", expected, got),
	}
}

func NewArchiveInvalidError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusBadRequest, Code: ErrCodeArchiveInvalid, Message: msg}
}

func NewEndpointUnknownError(endpoint string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusNotFound, Code: ErrCodeEndpointUnknown, Message: fmt.Sprintf("endpoint: %s not found", endpoint)}
}

func NewRoleUnresolvedError(err error) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusForbidden, Code: ErrCodeRoleUnresolved, Message: "execution role unresolved", Detail: err.Error()}
}

func NewConfigInvalidError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusBadRequest, Code: ErrCodeConfigInvalid, Message: msg}
}

func NewParameterInvalidError(msg string) ErrorInfo {
	return ErrorInfo{HttpStatus: http.StatusBadRequest, Code: ErrCodeInvalidParameter, Message: msg}
}
