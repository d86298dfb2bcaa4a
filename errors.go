package offload

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind classifies an offload error for callers that need to decide
// whether to retry, report, or ignore it.
type Kind int

const (
	KindUnknown Kind = iota
	KindDuplicateRule
	KindUnsupportedAction
	KindCapabilityExceeded
	KindResourceExhausted
	KindNotReady
	KindPeerReplicationFailed
	KindNotFound
	KindDeviceBusy
	KindDeleting
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateRule:
		return "duplicate_rule"
	case KindUnsupportedAction:
		return "unsupported_action"
	case KindCapabilityExceeded:
		return "capability_exceeded"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNotReady:
		return "not_ready"
	case KindPeerReplicationFailed:
		return "peer_replication_failed"
	case KindNotFound:
		return "not_found"
	case KindDeviceBusy:
		return "device_busy"
	case KindDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// Transient reports whether the condition may clear without the rule
// being resubmitted.
func (k Kind) Transient() bool {
	switch k {
	case KindResourceExhausted, KindNotReady, KindDeviceBusy:
		return true
	}
	return false
}

// LogLevel is the level at which a failure of this kind is reported.
// Duplicate submissions are expected under normal operation.
func (k Kind) LogLevel() slog.Level {
	switch k {
	case KindDuplicateRule:
		return slog.LevelDebug
	case KindNotReady:
		return slog.LevelInfo
	}
	return slog.LevelError
}

// kinded is implemented by every error type in this file.
type kinded interface {
	error
	Kind() Kind
}

// KindOf returns the Kind of the first offload error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// ErrDuplicateRule is returned when a cookie is submitted while a rule
// with the same cookie is still registered.
type ErrDuplicateRule struct {
	Cookie Cookie
}

func (e ErrDuplicateRule) Error() string {
	return fmt.Sprintf("rule %d already offloaded", e.Cookie)
}

func (ErrDuplicateRule) Kind() Kind { return KindDuplicateRule }

// ErrUnsupportedAction is returned when an action list cannot be
// expressed in hardware at all.
type ErrUnsupportedAction struct {
	Action ActionKind
	Reason string
}

func (e ErrUnsupportedAction) Error() string {
	if e.Action == ActionUnknown {
		return fmt.Sprintf("unsupported action list: %s", e.Reason)
	}
	return fmt.Sprintf("unsupported action %s: %s", e.Action, e.Reason)
}

func (ErrUnsupportedAction) Kind() Kind { return KindUnsupportedAction }

// ErrCapabilityExceeded is returned when a rule asks for more of a
// device capability than the device provides.
type ErrCapabilityExceeded struct {
	Capability string
	Limit      int
	Requested  int
}

func (e ErrCapabilityExceeded) Error() string {
	return fmt.Sprintf("capability %s exceeded: requested %d, device supports %d", e.Capability, e.Requested, e.Limit)
}

func (ErrCapabilityExceeded) Kind() Kind { return KindCapabilityExceeded }

// ErrResourceExhausted is returned by a backend whose table or object
// pool is full.
type ErrResourceExhausted struct {
	Resource string
	Err      error
}

func (e ErrResourceExhausted) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s exhausted: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("%s exhausted", e.Resource)
}

func (e ErrResourceExhausted) Unwrap() error { return e.Err }

func (ErrResourceExhausted) Kind() Kind { return KindResourceExhausted }

// ErrNotReady is returned when a rule is parked waiting for an
// external precondition such as route resolution.
type ErrNotReady struct {
	Cookie Cookie
	Reason string
}

func (e ErrNotReady) Error() string {
	return fmt.Sprintf("rule %d not ready: %s", e.Cookie, e.Reason)
}

func (ErrNotReady) Kind() Kind { return KindNotReady }

// ErrPeerReplicationFailed is returned when installing the peer copy
// of a rule fails. The rule has been rolled back on every device.
type ErrPeerReplicationFailed struct {
	Peer DeviceID
	Err  error
}

func (e ErrPeerReplicationFailed) Error() string {
	return fmt.Sprintf("replicate to peer %s: %v", e.Peer, e.Err)
}

func (e ErrPeerReplicationFailed) Unwrap() error { return e.Err }

func (ErrPeerReplicationFailed) Kind() Kind { return KindPeerReplicationFailed }

// ErrRuleNotFound is returned when operating on an unknown cookie.
type ErrRuleNotFound struct {
	Cookie Cookie
}

func (e ErrRuleNotFound) Error() string {
	return fmt.Sprintf("rule %d does not exist", e.Cookie)
}

func (ErrRuleNotFound) Kind() Kind { return KindNotFound }

// ErrDeviceBusy is returned by a backend that cannot accept the
// request right now. The manager treats it as not ready.
type ErrDeviceBusy struct {
	Device DeviceID
}

func (e ErrDeviceBusy) Error() string {
	return fmt.Sprintf("device %s busy", e.Device)
}

func (ErrDeviceBusy) Kind() Kind { return KindDeviceBusy }

// ErrRuleDeleting is returned by a second delete of a rule whose
// teardown is already in progress.
type ErrRuleDeleting struct {
	Cookie Cookie
}

func (e ErrRuleDeleting) Error() string {
	return fmt.Sprintf("rule %d is already being deleted", e.Cookie)
}

func (ErrRuleDeleting) Kind() Kind { return KindDeleting }
