package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusSearching, StatusMatched},
		{StatusSearching, StatusCanceled},
		{StatusSearching, StatusTimedOut},
		{StatusMatched, StatusArrived},
		{StatusArrived, StatusCompleted},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusMatched, StatusMatched},
		{StatusMatched, StatusCompleted},
		{StatusMatched, StatusCanceled},
		{StatusArrived, StatusMatched},
		{StatusCompleted, StatusArrived},
		{StatusCanceled, StatusMatched},
		{StatusTimedOut, StatusSearching},
		{StatusSearching, StatusCompleted},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestKnownStatus(t *testing.T) {
	for _, s := range []Status{StatusSearching, StatusMatched, StatusArrived, StatusCompleted, StatusCanceled, StatusTimedOut} {
		assert.True(t, KnownStatus(s))
	}
	assert.False(t, KnownStatus("START"))
	assert.False(t, KnownStatus(""))
}
