package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/technosupport/ts-devicehub/internal/data"
)

type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindAuthFailed  ErrorKind = "auth_failed"
	KindProtocol    ErrorKind = "protocol_error"
	KindTimeout     ErrorKind = "timeout"
)

// ErrAdapter matches any *AdapterError via errors.Is.
var ErrAdapter = errors.New("adapter error")

type AdapterError struct {
	Kind     ErrorKind
	Op       string // connect, probe, capture, disconnect
	DeviceID string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.DeviceID, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func (e *AdapterError) Is(target error) bool { return target == ErrAdapter }

func NewError(kind ErrorKind, op, deviceID string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Op: op, DeviceID: deviceID, Err: err}
}

// KindOf extracts the adapter error kind, if err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// Classify wraps a transport-level error. Errors already classified pass
// through untouched.
func Classify(op, deviceID string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewError(kindFor(err), op, deviceID, err)
}

func kindFor(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindUnreachable
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return KindUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	return KindProtocol
}

// StatusFor maps a failure onto the device status it implies: no answer
// means offline, a wrong answer means error.
func StatusFor(err error) data.DeviceStatus {
	if err == nil {
		return data.StatusOnline
	}
	kind, ok := KindOf(err)
	if !ok {
		kind = kindFor(err)
	}
	switch kind {
	case KindUnreachable, KindTimeout:
		return data.StatusOffline
	default:
		return data.StatusError
	}
}
