package vault

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	r "github.com/stretchr/testify/require"
)

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	req := r.New(t)

	var calls int
	err := Retry(context.Background(), 3, func() error {
		calls++
		return &TransientError{Err: errors.New("flaky")}
	})
	req.Error(err)
	req.True(IsTransient(err))
	req.Equal(3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	req := r.New(t)

	var calls int
	err := Retry(context.Background(), 3, func() error {
		calls++
		return errors.New("fatal")
	})
	req.Error(err)
	req.False(IsTransient(err))
	req.Equal(1, calls)
}

func TestRetrySucceedsEventually(t *testing.T) {
	req := r.New(t)

	var calls int
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return &TransientError{Err: errors.New("flaky")}
		}
		return nil
	})
	req.NoError(err)
	req.Equal(2, calls)
}
