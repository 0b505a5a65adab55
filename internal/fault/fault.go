// Package fault defines the pipeline's error taxonomy.
package fault

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// UnknownProgramme means the programme id is not in the registry.
	UnknownProgramme Kind = iota + 1
	// FetchFailed means a download failed. Re-running the pipeline retries it.
	FetchFailed
	// ExtractionFailed means an archive was corrupt or truncated.
	ExtractionFailed
	// MalformedRecord means a single XML record was not well-formed.
	MalformedRecord
)

// String returns the kind name used in logs and reports.
func (k Kind) String() string {
	switch k {
	case UnknownProgramme:
		return "unknown_programme"
	case FetchFailed:
		return "fetch_failed"
	case ExtractionFailed:
		return "extraction_failed"
	case MalformedRecord:
		return "malformed_record"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrUnknownProgramme = &Error{Kind: UnknownProgramme}
	ErrFetchFailed      = &Error{Kind: FetchFailed}
	ErrExtractionFailed = &Error{Kind: ExtractionFailed}
	ErrMalformedRecord  = &Error{Kind: MalformedRecord}
)

// Error is a classified failure. Subject names what failed: a programme id,
// a URL, an archive or a record path.
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

// New wraps err as a classified failure of subject.
func New(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Subject == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Retryable reports whether err is a fetch failure whose cause looks
// transient (timeouts, resets, 5xx), meaning a later re-run should succeed.
func Retryable(err error) bool {
	if err == nil || KindOf(err) != FetchFailed {
		return false
	}

	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		return transientStatus(status.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func transientStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
