package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskState(t *testing.T) {
	t.Run("Should round-trip every state including cancelled", func(t *testing.T) {
		all := []TaskState{
			StatePending, StateCheckout, StateStartBuild, StateCleaning,
			StateGeneratingProject, StateBuildingPreBuild, StateBuildingBase,
			StateBuildingChrome, StateCombining, StateBuildingInstaller,
			StateSigning, StateBackingUp, StateSuccess, StateFailed,
			StateCancelled,
		}
		for _, s := range all {
			got, err := ParseTaskState(s.String())
			require.NoError(t, err, s)
			assert.Equal(t, s, got)
		}
	})
	t.Run("Should reject unknown strings", func(t *testing.T) {
		_, err := ParseTaskState("exploded")
		assert.Error(t, err)
	})
}

func TestStatePredicates(t *testing.T) {
	t.Run("Should classify terminal states", func(t *testing.T) {
		assert.True(t, StateSuccess.IsTerminal())
		assert.True(t, StateFailed.IsTerminal())
		assert.True(t, StateCancelled.IsTerminal())
		assert.False(t, StatePending.IsTerminal())
		assert.False(t, StateBuildingChrome.IsTerminal())
	})
	t.Run("Should classify running states", func(t *testing.T) {
		assert.False(t, StatePending.IsRunning())
		assert.False(t, StateSuccess.IsRunning())
		assert.True(t, StateCheckout.IsRunning())
		assert.True(t, StateCombining.IsRunning())
	})
	t.Run("Should order states by pipeline progression", func(t *testing.T) {
		assert.True(t, StateCombining.AtLeast(StateBuildingChrome))
		assert.True(t, StateBuildingChrome.AtLeast(StateBuildingChrome))
		assert.True(t, StateSuccess.AtLeast(StateBuildingChrome))
		assert.False(t, StateBuildingBase.AtLeast(StateBuildingChrome))
	})
	t.Run("Should keep failed and cancelled off the chrome progression", func(t *testing.T) {
		assert.True(t, StateBuildingChrome.PastChrome())
		assert.True(t, StateCombining.PastChrome())
		assert.True(t, StateSuccess.PastChrome())
		assert.False(t, StateBuildingBase.PastChrome())
		assert.False(t, StateFailed.PastChrome())
		assert.False(t, StateCancelled.PastChrome())
	})
}

func TestTaskHelpers(t *testing.T) {
	t.Run("Should default missing architecture to x64", func(t *testing.T) {
		task := &Task{}
		assert.Equal(t, "x64", task.Arch())
		arm := "arm64"
		task.Architecture = &arm
		assert.Equal(t, "arm64", task.Arch())
	})
	t.Run("Should identify parent tasks", func(t *testing.T) {
		parent := &Task{}
		assert.True(t, parent.IsParent())
		arch := "x64"
		single := &Task{Architecture: &arch}
		assert.False(t, single.IsParent())
		pid := int64(1)
		child := &Task{ParentID: &pid, Architecture: &arch}
		assert.False(t, child.IsParent())
	})
}
