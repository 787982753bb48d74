package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRanks(t *testing.T) {
	for i, s := range ForwardOrder {
		assert.Equal(t, i, s.Rank(), s)
		assert.True(t, s.Valid())
	}
	assert.Equal(t, -1, StatusContouringRework.Rank())
	assert.True(t, StatusContouringRework.Valid())
	assert.False(t, Status("archived").Valid())
	assert.Equal(t, 0, InitialStatus.Rank())
	assert.Equal(t, len(ForwardOrder)-1, TerminalStatus.Rank())
}

func TestRejectionErrors(t *testing.T) {
	stale := fmt.Errorf("attempt: %w", Reject(ReasonStaleState, "dossier moved"))
	assert.True(t, errors.Is(stale, ErrStaleState))
	assert.Equal(t, ReasonStaleState, RejectionReason(stale))

	missing := &RejectionError{Reason: ReasonChecklistIncomplete, Message: "incomplete", MissingItems: []string{"a", "b"}}
	assert.False(t, errors.Is(missing, ErrStaleState))
	assert.Equal(t, "checklist_incomplete: incomplete [a, b]", missing.Error())
	assert.Equal(t, Reason(""), RejectionReason(errors.New("other")))
}
