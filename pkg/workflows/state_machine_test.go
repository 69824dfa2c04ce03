package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine(t *testing.T) {
	sm := NewStateMachine(map[State][]State{
		"open":   {"filled", "closed"},
		"filled": {},
		"closed": {},
	})

	assert.True(t, sm.CanTransition("open", "filled"))
	assert.False(t, sm.CanTransition("filled", "open"))
	assert.False(t, sm.CanTransition("unknown", "open"))

	next, err := sm.Transition("open", "closed")
	assert.NoError(t, err)
	assert.Equal(t, State("closed"), next)

	next, err = sm.Transition("closed", "open")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, State("closed"), next)

	assert.ElementsMatch(t, []State{"filled", "closed"}, sm.GetAllowedTransitions("open"))
	assert.Empty(t, sm.GetAllowedTransitions("unknown"))
	assert.True(t, sm.IsTerminal("filled"))
	assert.False(t, sm.IsTerminal("open"))
}
