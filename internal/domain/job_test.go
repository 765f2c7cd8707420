package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s should be legal", edge[0], edge[1])
	}

	statuses := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	isLegal := func(from, to Status) bool {
		for _, e := range legal {
			if e[0] == from && e[1] == to {
				return true
			}
		}
		return false
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if !isLegal(from, to) {
				assert.False(t, CanTransition(from, to), "%s -> %s should be illegal", from, to)
			}
		}
	}

	// completed is terminal
	for _, to := range statuses {
		assert.False(t, CanTransition(StatusCompleted, to))
	}
}

func TestMaxAttemptsDefault(t *testing.T) {
	j := &Job{}
	assert.Equal(t, DefaultMaxRetries, j.MaxAttempts(0))

	// service-configured default applies when the record carries none
	assert.Equal(t, 5, j.MaxAttempts(5))

	// the record's own ceiling always wins
	j.MaxRetries = 7
	assert.Equal(t, 7, j.MaxAttempts(5))
}

func TestRetriesExhausted(t *testing.T) {
	j := &Job{Status: StatusFailed, RetryCount: 3, MaxRetries: 3}
	assert.True(t, j.RetriesExhausted(0))
	assert.False(t, j.CanRetry(0))

	j.RetryCount = 2
	assert.False(t, j.RetriesExhausted(0))
	assert.True(t, j.CanRetry(0))

	// not exhausted while still pending, whatever the count says
	j = &Job{Status: StatusPending, RetryCount: 9, MaxRetries: 3}
	assert.False(t, j.RetriesExhausted(0))

	// no maxRetries on the record: the configured default decides
	j = &Job{Status: StatusFailed, RetryCount: 1}
	assert.True(t, j.RetriesExhausted(1))
	assert.False(t, j.RetriesExhausted(2))
}

func TestFamily(t *testing.T) {
	for _, typ := range []string{"image_upload", "image_moderation", "image_resize"} {
		j := &Job{Type: typ}
		assert.Equal(t, FamilyImage, j.Family(), typ)
	}
	for _, typ := range []string{"status_change", "listing_created", "price_change", "something_else"} {
		j := &Job{Type: typ}
		assert.Equal(t, FamilyListing, j.Family(), typ)
	}
}
