package backend

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/mattjoyce/cloudagent/internal/store"
)

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// Is lets a 404 match store.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == store.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// TransientError wraps failures likely caused by temporary transport issues.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransientError reports whether err, or any error it wraps, is transient.
func IsTransientError(err error) bool {
	var terr *TransientError
	return errors.As(err, &terr)
}

func wrapIfTransient(err error) error {
	if err == nil || IsTransientError(err) {
		return err
	}
	if isLikelyTransient(err) {
		return &TransientError{Err: err}
	}
	return err
}

func isLikelyTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		return isLikelyTransient(urlErr.Err)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
