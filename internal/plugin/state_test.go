package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnloaded, "unloaded"},
		{StateStopped, "stopped"},
		{StateRunning, "running"},
		{StateError, "stopped (error)"},
		{StateDeleted, "deleted"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
	assert.False(t, StateError.IsRunning())
}
