package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerUnavailableUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &BrokerUnavailable{Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "qty", Reason: "must be positive"}
	assert.Contains(t, err.Error(), "qty")
	assert.Contains(t, err.Error(), "must be positive")
}

func TestInvalidStateTransitionMessage(t *testing.T) {
	err := &InvalidStateTransition{Entity: "Trade", From: "open", To: "pending"}
	assert.Contains(t, err.Error(), "open")
	assert.Contains(t, err.Error(), "pending")
}
