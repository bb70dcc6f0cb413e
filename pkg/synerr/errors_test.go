package synerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limited", RateLimited(time.Second, errors.New("429")), KindRateLimited},
		{"wrapped rate limited", fmt.Errorf("gmail: %w", RateLimited(0, nil)), KindRateLimited},
		{"auth", AuthRequired(errors.New("token revoked")), KindAuthRequired},
		{"malformed", Malformed(errors.New("bad json")), KindMalformed},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"plain error", errors.New("connection reset"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(fmt.Errorf("calendar: %w", RateLimited(0, nil))))
	assert.False(t, IsRateLimited(Transient(errors.New("503"))))
	assert.False(t, IsRateLimited(nil))
}

func TestNewStorageError(t *testing.T) {
	assert.Nil(t, NewStorageError("get", "k", nil))

	base := errors.New("disk full")
	err := NewStorageError("put", "u|email|today", base)
	assert.True(t, IsStorage(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "u|email|today")

	// already wrapped errors are not double wrapped
	again := NewStorageError("put", "other", err)
	assert.Same(t, err, again)
}

func TestConfigurationError(t *testing.T) {
	err := error(&ConfigurationError{Resource: "faxes"})
	assert.True(t, IsConfiguration(err))
	assert.Contains(t, err.Error(), "faxes")
	assert.False(t, IsStorage(err))
}
