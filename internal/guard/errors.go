package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/oktsec/ssrfguard/internal/resolve"
)

// Every error returned by Validator and Fetcher wraps exactly one of these.
var (
	ErrInvalidURL              = errors.New("invalid URL format")
	ErrInvalidProtocol         = errors.New("invalid protocol: only http and https are allowed")
	ErrPrivateAddress          = errors.New("access to private IP address denied")
	ErrDNSResolution           = resolve.ErrLookupFailed
	ErrInvalidResolvedAddress  = resolve.ErrInvalidAddress
	ErrMissingRedirectLocation = errors.New("redirect without Location header")
	ErrInvalidRedirectURL      = errors.New("invalid redirect URL")
	ErrTooManyRedirects        = errors.New("too many redirects")
)

// maxHostInError bounds how much of a hostname is echoed into a denial.
const maxHostInError = 253

// DeniedError reports a destination that classified as non-public.
// Host is set only when Address came from resolving it.
type DeniedError struct {
	Address string
	Host    string
}

func (e *DeniedError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s: %s resolves to %s", ErrPrivateAddress, e.Host, e.Address)
	}
	return fmt.Sprintf("%s: %s", ErrPrivateAddress, e.Address)
}

// Is makes errors.Is(err, ErrPrivateAddress) true for any DeniedError.
func (e *DeniedError) Is(target error) bool {
	return target == ErrPrivateAddress
}

func denied(address, host string) *DeniedError {
	if len(host) > maxHostInError {
		host = host[:maxHostInError]
	}
	return &DeniedError{Address: address, Host: host}
}

// Kind names the error class for logs, metrics and API responses.
// It returns "" for nil and "transport" for errors outside the taxonomy
// (network failures, TLS errors and the like).
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return "invalid_url"
	case errors.Is(err, ErrInvalidProtocol):
		return "invalid_protocol"
	case errors.Is(err, ErrPrivateAddress):
		return "private_address_denied"
	case errors.Is(err, ErrInvalidResolvedAddress):
		return "invalid_resolved_address"
	case errors.Is(err, ErrDNSResolution):
		return "dns_resolution_error"
	case errors.Is(err, ErrMissingRedirectLocation):
		return "missing_redirect_location"
	case errors.Is(err, ErrInvalidRedirectURL):
		return "invalid_redirect_url"
	case errors.Is(err, ErrTooManyRedirects):
		return "too_many_redirects"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transport"
	}
}

// IsPolicy reports whether err is a validation verdict rather than an
// infrastructure failure. Front doors map policy errors to 4xx.
func IsPolicy(err error) bool {
	switch Kind(err) {
	case "invalid_url", "invalid_protocol", "private_address_denied",
		"missing_redirect_location", "invalid_redirect_url", "too_many_redirects":
		return true
	}
	return false
}
