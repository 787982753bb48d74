package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Reason names why a transition attempt was rejected.
type Reason string

const (
	ReasonStaleState           Reason = "stale_state"
	ReasonTransitionNotAllowed Reason = "transition_not_allowed"
	ReasonRoleNotAuthorized    Reason = "role_not_authorized"
	ReasonChecklistIncomplete  Reason = "checklist_incomplete"
	ReasonCommentRequired      Reason = "comment_required"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnknownDossier       = fmt.Errorf("unknown dossier: %w", ErrNotFound)
	ErrAlreadyExists        = errors.New("already exists")
	ErrUnknownChecklistItem = errors.New("unknown checklist item")
	// ErrInvariantViolation means stored state is corrupted; the operation is aborted.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrStaleState is returned by stores when a status compare-and-set misses.
	ErrStaleState = errors.New("stale state")
)

// RejectionError is returned for every guard failure of a transition attempt.
type RejectionError struct {
	Reason       Reason
	MissingItems []string
	Message      string
}

func (e *RejectionError) Error() string {
	if len(e.MissingItems) > 0 {
		return fmt.Sprintf("%s: %s [%s]", e.Reason, e.Message, strings.Join(e.MissingItems, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Is lets errors.Is(err, ErrStaleState) match a stale rejection.
func (e *RejectionError) Is(target error) bool {
	return target == ErrStaleState && e.Reason == ReasonStaleState
}

func Reject(reason Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// RejectionReason extracts the reason of a rejection, or "" for other errors.
func RejectionReason(err error) Reason {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ConfigError reports an invalid workflow definition or configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	if e.Field == "" {
		return "configuration invalid: " + e.Message
	}
	return fmt.Sprintf("configuration invalid: %s: %s", e.Field, e.Message)
}
