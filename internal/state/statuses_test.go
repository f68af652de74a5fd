package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{name: "Pending status", status: StatusPending, expected: "pending"},
		{name: "Reserved status", status: StatusReserved, expected: "reserved"},
		{name: "Retrying status", status: StatusRetrying, expected: "retrying"},
		{name: "Completed status", status: StatusCompleted, expected: "completed"},
		{name: "Failed status", status: StatusFailed, expected: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestAllStatuses(t *testing.T) {
	assert.Len(t, AllStatuses, 5)
	assert.Contains(t, AllStatuses, StatusRetrying)
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		valid    bool
	}{
		{StatusPending, StatusReserved, true},
		{StatusRetrying, StatusReserved, true},
		{StatusReserved, StatusCompleted, true},
		{StatusReserved, StatusRetrying, true},
		{StatusReserved, StatusFailed, true},
		{StatusReserved, StatusPending, true},
		{StatusFailed, StatusPending, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusReserved, false},
		{StatusFailed, StatusReserved, false},
		{StatusReserved, StatusReserved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatus_Predicates(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRetrying.IsTerminal())

	assert.True(t, StatusPending.IsPoppable())
	assert.True(t, StatusRetrying.IsPoppable())
	assert.False(t, StatusReserved.IsPoppable())
}
