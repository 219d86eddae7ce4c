package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{name: "claim new", from: StatusNew, to: StatusProcessing, want: true},
		{name: "complete", from: StatusProcessing, to: StatusCompleted, want: true},
		{name: "fail", from: StatusProcessing, to: StatusFailed, want: true},
		{name: "reclaim failed", from: StatusFailed, to: StatusProcessing, want: true},
		{name: "new straight to completed", from: StatusNew, to: StatusCompleted, want: false},
		{name: "new straight to failed", from: StatusNew, to: StatusFailed, want: false},
		{name: "completed is terminal", from: StatusCompleted, to: StatusProcessing, want: false},
		{name: "failed back to new", from: StatusFailed, to: StatusNew, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))

			err := ValidateTransition(tt.from, tt.to)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st)

	_, err = ParseStatus("FAILED")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransportError("household_upsert", cause)

	assert.Equal(t, "[transport] household_upsert: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransport, KindOf(err))

	rejected := NewRemoteRejection("participant_upsert", errors.New("INVALID_FIELD"))
	assert.Equal(t, KindRemoteRejection, KindOf(rejected))

	transform := NewTransformError("Farmer Registration", errors.New("missing household"))
	assert.Equal(t, KindTransform, KindOf(transform))
	assert.Contains(t, transform.Error(), "[transform]")

	assert.Equal(t, KindTransport, KindOf(errors.New("unclassified")))
}
