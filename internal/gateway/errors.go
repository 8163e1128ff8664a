package gateway

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	// KindUnknown is retried like KindTransient but reported for review.
	KindUnknown ErrorKind = iota
	KindTransient
	KindDeclined
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDeclined:
		return "declined"
	}
	return "unknown"
}

type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s error", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUnknown
}

func IsDeclined(err error) bool {
	return err != nil && KindOf(err) == KindDeclined
}

func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindUnknown
	case code >= 400:
		return KindDeclined
	}
	return KindUnknown
}

func responseError(statusCode int, apiErrors []apiError) *Error {
	gwErr := &Error{Kind: kindForStatus(statusCode), StatusCode: statusCode}
	if len(apiErrors) > 0 {
		gwErr.Code = apiErrors[0].Code
		gwErr.Detail = apiErrors[0].Detail
	}
	return gwErr
}
