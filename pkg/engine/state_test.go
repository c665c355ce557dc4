package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateBeginTurnRejectsReentry(t *testing.T) {
	s := NewSessionState(TurnContext{})
	require.NoError(t, s.BeginTurn())
	assert.ErrorIs(t, s.BeginTurn(), ErrBusy)
	s.EndTurn()
	assert.NoError(t, s.BeginTurn())
}

func TestSessionStateSetTurnContextRejectedMidTurn(t *testing.T) {
	s := NewSessionState(TurnContext{Model: "a"})
	require.NoError(t, s.BeginTurn())
	err := s.SetTurnContext(TurnContext{Model: "b"})
	assert.ErrorIs(t, err, ErrTurnContextActive)
	s.EndTurn()
	require.NoError(t, s.SetTurnContext(TurnContext{Model: "b"}))
	assert.Equal(t, "b", s.TurnContext().Model)
}

func TestSessionStateCompactReplacesRange(t *testing.T) {
	s := NewSessionState(TurnContext{})
	for i := 0; i < 5; i++ {
		s.Append(ResponseItem{ItemID: NewItemID(), Kind: ItemUserMessage, UserMessage: &UserMessageItem{Content: "x"}})
	}
	item, err := s.Compact([2]int{1, 3}, "summary")
	require.NoError(t, err)
	assert.Equal(t, ItemCompacted, item.Kind)

	snap := s.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, ItemCompacted, snap[1].Kind)
}

func TestSessionStateCompactRejectsOutOfRange(t *testing.T) {
	s := NewSessionState(TurnContext{})
	s.Append(ResponseItem{ItemID: NewItemID(), Kind: ItemUserMessage})
	_, err := s.Compact([2]int{0, 5}, "x")
	assert.ErrorIs(t, err, ErrToolArgsInvalid)
}

func TestSessionStateApprovalCacheOnlyPersistsSessionScope(t *testing.T) {
	s := NewSessionState(TurnContext{})
	s.CacheApproval("fp-once", ScopeOnce)
	s.CacheApproval("fp-session", ScopeSession)

	assert.False(t, s.HasApproval("fp-once"))
	assert.True(t, s.HasApproval("fp-session"))

	snap := s.ApprovalCacheSnapshot()
	assert.Contains(t, snap, "fp-session")
	assert.NotContains(t, snap, "fp-once")

	s.ClearApprovalCache()
	assert.False(t, s.HasApproval("fp-session"))
}

func TestSessionStateCancelAllSubAgents(t *testing.T) {
	s := NewSessionState(TurnContext{})
	called := map[string]bool{}
	s.RegisterSubAgent("child-1", func() { called["child-1"] = true })
	s.RegisterSubAgent("child-2", func() { called["child-2"] = true })

	s.CancelAllSubAgents()
	assert.True(t, called["child-1"])
	assert.True(t, called["child-2"])
}
