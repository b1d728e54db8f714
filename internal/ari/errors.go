package ari

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a PBX operation failure so callers can decide between
// retry, ignore, and abort without parsing message text themselves.
type Kind string

const (
	// KindNotFound means the resource is already gone. Hangup and stop
	// operations treat this as success.
	KindNotFound Kind = "not_found"

	// KindNotInStasis means the channel has not entered the stasis
	// application yet. Recoverable with backoff.
	KindNotInStasis Kind = "not_in_stasis"

	// KindRecordingBusy means the channel is currently recording.
	// Recoverable with backoff.
	KindRecordingBusy Kind = "recording_busy"

	// KindAuth means the PBX rejected our credentials.
	KindAuth Kind = "auth"

	// KindTransport covers connection-level failures.
	KindTransport Kind = "transport"

	// KindServer covers every other PBX-reported failure.
	KindServer Kind = "server"
)

// OpError is the typed error returned by every PBX operation.
type OpError struct {
	Op       string // e.g. "bridge add channel"
	Resource string // channel/bridge/playback id
	Kind     Kind
	Status   int // HTTP status, 0 for transport errors
	Msg      string
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ari: %s", e.Op)
	if e.Resource != "" {
		fmt.Fprintf(&b, " %s", e.Resource)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

// Recoverable reports whether retrying the same operation can succeed.
func (e *OpError) Recoverable() bool {
	return e.Kind == KindNotInStasis || e.Kind == KindRecordingBusy
}

// IsNotFound reports whether err is an [OpError] for a missing resource.
func IsNotFound(err error) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Kind == KindNotFound
}

// IsRecoverable reports whether err is an [OpError] worth retrying.
func IsRecoverable(err error) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Recoverable()
}

// classify maps an HTTP failure to an [OpError]. The PBX signals the two
// recoverable conditions only through message text, so we match substrings.
func classify(op, resource string, status int, body string) *OpError {
	e := &OpError{Op: op, Resource: resource, Status: status, Msg: strings.TrimSpace(body)}
	lower := strings.ToLower(body)
	switch {
	case status == 404:
		e.Kind = KindNotFound
	case status == 401 || status == 403:
		e.Kind = KindAuth
	case strings.Contains(lower, "not in stasis"):
		e.Kind = KindNotInStasis
	case strings.Contains(lower, "currently recording"):
		e.Kind = KindRecordingBusy
	default:
		e.Kind = KindServer
	}
	return e
}
