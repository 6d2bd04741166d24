// Package fault defines the closed set of failure kinds surfaced by the autorun core.
// Callers branch on Kind (via errors.Is against the sentinels or KindOf), never on message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed.
type Kind int

const (
	KindUnknown Kind = iota
	KindRuleLoad
	KindInvalidSession
	KindStepTimeout
	KindDispatchChannel
)

// Sentinels, one per kind. errors.Is(err, ErrInvalidSession) is the supported check.
var (
	ErrRuleLoad        = errors.New("rule load error")
	ErrInvalidSession  = errors.New("invalid session")
	ErrStepTimeout     = errors.New("step timeout")
	ErrDispatchChannel = errors.New("dispatch channel failure")
)

var sentinels = map[Kind]error{
	KindRuleLoad:        ErrRuleLoad,
	KindInvalidSession:  ErrInvalidSession,
	KindStepTimeout:     ErrStepTimeout,
	KindDispatchChannel: ErrDispatchChannel,
}

func (k Kind) String() string {
	switch k {
	case KindRuleLoad:
		return "RuleLoadError"
	case KindInvalidSession:
		return "InvalidSession"
	case KindStepTimeout:
		return "StepTimeout"
	case KindDispatchChannel:
		return "DispatchChannelFailure"
	default:
		return "Unknown"
	}
}

// Error carries a Kind plus the operation and subject (rule, session or step) it is scoped to.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error
}

// New builds an *Error. err may be nil.
func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Subject)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

// KindOf returns the Kind carried anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range []Kind{KindInvalidSession, KindDispatchChannel, KindStepTimeout, KindRuleLoad} {
		if errors.Is(err, sentinels[k]) {
			return k
		}
	}
	return KindUnknown
}

// Is is shorthand for KindOf(err) == kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
