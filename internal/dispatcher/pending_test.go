package dispatcher

import (
	"testing"
	"time"

	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/internal/services/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest() *PendingRequest {
	return newPendingRequest("req-1", models.ConversationKey{ChatID: 1}, ai.KindChat, time.Unix(0, 0), time.Minute)
}

func TestPendingRequestLifecycle(t *testing.T) {
	for _, outcome := range []State{StateSucceeded, StateFailed, StateTimedOut, StateCancelled} {
		t.Run(outcome.String(), func(t *testing.T) {
			req := newTestRequest()
			require.NoError(t, req.Transition(StateReserved))
			require.NoError(t, req.Transition(StateInFlight))
			require.NoError(t, req.Transition(outcome))
			require.NoError(t, req.Transition(StateReleased))

			assert.Equal(t, StateReleased, req.State())
			assert.Equal(t, outcome, req.Outcome())
			assert.Equal(t, []State{StateCreated, StateReserved, StateInFlight, outcome, StateReleased}, req.History())
		})
	}
}

func TestPendingRequestRejectsSkippingRelease(t *testing.T) {
	req := newTestRequest()
	require.NoError(t, req.Transition(StateReserved))
	require.NoError(t, req.Transition(StateInFlight))
	require.NoError(t, req.Transition(StateSucceeded))

	assert.Error(t, req.Transition(StateFailed))
	assert.Error(t, req.Transition(StateInFlight))
	require.NoError(t, req.Transition(StateReleased))

	// Released is final
	assert.Error(t, req.Transition(StateReleased))
	assert.Error(t, req.Transition(StateCancelled))
}

func TestPendingRequestInvalidFromCreated(t *testing.T) {
	req := newTestRequest()
	assert.Error(t, req.Transition(StateInFlight))
	assert.Error(t, req.Transition(StateSucceeded))
	assert.Error(t, req.Transition(StateReleased))
	assert.Equal(t, StateCreated, req.State())

	// A queued request dropped before it got a slot
	require.NoError(t, req.Transition(StateCancelled))
	require.NoError(t, req.Transition(StateReleased))
	assert.Equal(t, StateCancelled, req.Outcome())
}

func TestPendingRequestTimesOutBeforeReservation(t *testing.T) {
	req := newTestRequest()
	assert.Equal(t, time.Unix(60, 0), req.Deadline)

	require.NoError(t, req.Transition(StateTimedOut))
	require.NoError(t, req.Transition(StateReleased))
	assert.Equal(t, StateTimedOut, req.Outcome())
	assert.Equal(t, 0, req.Attempts())
}

func TestPendingRequestAttempts(t *testing.T) {
	req := newTestRequest()
	req.SetAttempts(3)
	assert.Equal(t, 3, req.Attempts())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "in_flight", StateInFlight.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateTimedOut.Terminal())
	assert.False(t, StateReleased.Terminal())
}
