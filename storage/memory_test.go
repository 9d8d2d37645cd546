package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-workflow/types"
)

// newChain creates a definition with n steps appended on the Default chain.
func newChain(t *testing.T, s *MemoryWorkflowStore, n int) (types.WorkflowDefinition, []types.ActivityDefinition) {
	t.Helper()
	ctx := context.Background()
	def := types.WorkflowDefinition{Name: "purchase", CreatedAt: time.Now()}
	require.NoError(t, s.CreateWorkflowDefinition(ctx, &def))
	for i := 1; i <= n; i++ {
		ad := &types.ActivityDefinition{WorkflowDefinitionID: def.ID, Name: string(rune('A' + i - 1)), Multiplicity: types.MultiplicitySingle}
		require.NoError(t, s.InsertActivityDefinitionAt(ctx, ad, i))
	}
	steps, err := s.FindAllDefaultActivityDefinitions(ctx, def.ID)
	require.NoError(t, err)
	def, err = s.ReadWorkflowDefinition(ctx, def.ID)
	require.NoError(t, err)
	return def, steps
}

func names(steps []types.ActivityDefinition) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

func levels(steps []types.ActivityDefinition) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.Level
	}
	return out
}

func TestMemoryWorkflowStore(t *testing.T) {
	ctx := context.Background()

	t.Run("DefinitionCRUD", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def := types.WorkflowDefinition{Name: "purchase"}
		require.NoError(t, s.CreateWorkflowDefinition(ctx, &def))
		assert.Equal(t, uint64(1), def.ID)

		got, err := s.ReadWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		byName, err := s.FindWorkflowDefinitionByName(ctx, "purchase")
		require.NoError(t, err)
		assert.Equal(t, def.ID, byName.ID)
		_, err = s.FindWorkflowDefinitionByName(ctx, "missing")
		assert.ErrorIs(t, err, ErrWorkflowDefinitionNotFound)

		def.Name = "renamed"
		require.NoError(t, s.UpdateWorkflowDefinition(ctx, def))
		got, err = s.ReadWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)

		err = s.UpdateWorkflowDefinition(ctx, types.WorkflowDefinition{ID: 99})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("InsertBuildsDefaultChain", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 3)

		assert.Equal(t, []string{"A", "B", "C"}, names(steps))
		assert.Equal(t, []int{1, 2, 3}, levels(steps))
		assert.Equal(t, steps[0].ID, def.StartActivityID)

		count, err := s.CountDefaultTransitions(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		for i, want := range steps {
			got, err := s.FindActivityDefinitionByPosition(ctx, def.ID, i+1)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err = s.FindActivityDefinitionByPosition(ctx, def.ID, 4)
		assert.ErrorIs(t, err, ErrActivityDefinitionNotFound)
		_, err = s.FindActivityDefinitionByPosition(ctx, def.ID, 0)
		assert.ErrorIs(t, err, ErrActivityDefinitionNotFound)

		next, err := s.FindNextActivityDefinition(ctx, steps[0].ID, types.DefaultTransition)
		require.NoError(t, err)
		assert.Equal(t, steps[1].ID, next.ID)
		has, err := s.HasNextActivityDefinition(ctx, steps[2].ID, types.DefaultTransition)
		require.NoError(t, err)
		assert.False(t, has)
		_, err = s.FindNextActivityDefinition(ctx, steps[2].ID, types.DefaultTransition)
		assert.ErrorIs(t, err, ErrTransitionNotFound)
	})

	t.Run("InsertAtPositions", func(t *testing.T) {
		tests := []struct {
			name     string
			position int
			want     []string
		}{
			{"head", 1, []string{"X", "A", "B", "C"}},
			{"middle", 2, []string{"A", "X", "B", "C"}},
			{"tail", 4, []string{"A", "B", "C", "X"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := NewMemoryWorkflowStore()
				def, _ := newChain(t, s, 3)
				x := &types.ActivityDefinition{WorkflowDefinitionID: def.ID, Name: "X"}
				require.NoError(t, s.InsertActivityDefinitionAt(ctx, x, tt.position))
				assert.Equal(t, tt.position, x.Level)

				steps, err := s.FindAllDefaultActivityDefinitions(ctx, def.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.want, names(steps))
				assert.Equal(t, []int{1, 2, 3, 4}, levels(steps))

				def, err = s.ReadWorkflowDefinition(ctx, def.ID)
				require.NoError(t, err)
				assert.Equal(t, steps[0].ID, def.StartActivityID)
			})
		}

		s := NewMemoryWorkflowStore()
		def, _ := newChain(t, s, 2)
		for _, pos := range []int{0, 4} {
			err := s.InsertActivityDefinitionAt(ctx, &types.ActivityDefinition{WorkflowDefinitionID: def.ID}, pos)
			assert.ErrorIs(t, err, ErrInvalidPosition)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		}
		err := s.InsertActivityDefinitionAt(ctx, &types.ActivityDefinition{WorkflowDefinitionID: 99}, 1)
		assert.ErrorIs(t, err, ErrWorkflowDefinitionNotFound)
	})

	t.Run("RemoveAtPositions", func(t *testing.T) {
		tests := []struct {
			name     string
			position int
			want     []string
		}{
			{"head", 1, []string{"B", "C"}},
			{"middle", 2, []string{"A", "C"}},
			{"tail", 3, []string{"A", "B"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := NewMemoryWorkflowStore()
				def, before := newChain(t, s, 3)
				removed, err := s.RemoveActivityDefinitionAt(ctx, def.ID, tt.position)
				require.NoError(t, err)
				assert.Equal(t, before[tt.position-1].ID, removed.ID)

				steps, err := s.FindAllDefaultActivityDefinitions(ctx, def.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.want, names(steps))
				assert.Equal(t, []int{1, 2}, levels(steps))

				_, err = s.ReadActivityDefinition(ctx, removed.ID)
				assert.ErrorIs(t, err, ErrActivityDefinitionNotFound)
				transitions, err := s.FindTransitionDefinitions(ctx, def.ID)
				require.NoError(t, err)
				for _, tr := range transitions {
					assert.NotEqual(t, removed.ID, tr.FromID)
					assert.NotEqual(t, removed.ID, tr.ToID)
				}
			})
		}

		s := NewMemoryWorkflowStore()
		def, _ := newChain(t, s, 1)
		_, err := s.RemoveActivityDefinitionAt(ctx, def.ID, 2)
		assert.ErrorIs(t, err, ErrInvalidPosition)
		_, err = s.RemoveActivityDefinitionAt(ctx, def.ID, 1)
		require.NoError(t, err)
		def, err = s.ReadWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Zero(t, def.StartActivityID)
		steps, err := s.FindAllDefaultActivityDefinitions(ctx, def.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("ShiftLevels", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, _ := newChain(t, s, 4)

		require.NoError(t, s.ShiftRange(ctx, def.ID, 2, 3, 10))
		steps, err := s.FindActivityDefinitions(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "D", "B", "C"}, names(steps))
		assert.Equal(t, []int{1, 4, 12, 13}, levels(steps))

		require.NoError(t, s.ShiftLevelAfter(ctx, def.ID, 4, 1))
		steps, err = s.FindActivityDefinitions(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 5, 13, 14}, levels(steps))

		assert.ErrorIs(t, s.ShiftRange(ctx, def.ID, 3, 2, 1), ErrInvalidPosition)
	})

	t.Run("ShiftOutOfRange", func(t *testing.T) {
		tests := []struct {
			name  string
			shift func(s *MemoryWorkflowStore, defID uint64) error
		}{
			{"negative range", func(s *MemoryWorkflowStore, defID uint64) error { return s.ShiftRange(ctx, defID, -5, -1, 10) }},
			{"zero start", func(s *MemoryWorkflowStore, defID uint64) error { return s.ShiftRange(ctx, defID, 0, 2, 10) }},
			{"zero position", func(s *MemoryWorkflowStore, defID uint64) error { return s.ShiftLevelAfter(ctx, defID, 0, 10) }},
			{"negative position", func(s *MemoryWorkflowStore, defID uint64) error { return s.ShiftLevelAfter(ctx, defID, -3, 10) }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := NewMemoryWorkflowStore()
				def, _ := newChain(t, s, 3)

				assert.ErrorIs(t, tt.shift(s, def.ID), ErrInvalidPosition)
				steps, err := s.FindActivityDefinitions(ctx, def.ID)
				require.NoError(t, err)
				assert.Equal(t, []int{1, 2, 3}, levels(steps))
			})
		}
	})

	t.Run("Transitions", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 3)
		other, otherSteps := newChain(t, s, 1)

		reject := &types.TransitionDefinition{WorkflowDefinitionID: def.ID, Name: "Reject", FromID: steps[2].ID, ToID: steps[0].ID}
		require.NoError(t, s.CreateTransitionDefinition(ctx, reject))
		assert.NotZero(t, reject.ID)

		dup := &types.TransitionDefinition{WorkflowDefinitionID: def.ID, Name: "Reject", FromID: steps[2].ID, ToID: steps[1].ID}
		err := s.CreateTransitionDefinition(ctx, dup)
		assert.ErrorIs(t, err, ErrTransitionExists)
		assert.ErrorIs(t, err, types.ErrConfiguration)

		foreign := &types.TransitionDefinition{WorkflowDefinitionID: def.ID, Name: "Jump", FromID: steps[0].ID, ToID: otherSteps[0].ID}
		assert.ErrorIs(t, s.CreateTransitionDefinition(ctx, foreign), ErrForeignDefinition)
		foreign = &types.TransitionDefinition{WorkflowDefinitionID: other.ID, Name: "Jump", FromID: steps[0].ID, ToID: otherSteps[0].ID}
		assert.ErrorIs(t, s.CreateTransitionDefinition(ctx, foreign), ErrForeignDefinition)

		got, err := s.ReadTransitionDefinition(ctx, reject.Key())
		require.NoError(t, err)
		assert.Equal(t, *reject, got)
		assert.False(t, got.IsDefault())

		next, err := s.FindNextActivityDefinition(ctx, steps[2].ID, "Reject")
		require.NoError(t, err)
		assert.Equal(t, steps[0].ID, next.ID)

		// Named transitions never count towards the Default chain.
		count, err := s.CountDefaultTransitions(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, s.DeleteTransitionDefinition(ctx, reject.Key()))
		assert.ErrorIs(t, s.DeleteTransitionDefinition(ctx, reject.Key()), ErrTransitionNotFound)
	})

	t.Run("DefaultChainCycle", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 2)
		back := &types.TransitionDefinition{WorkflowDefinitionID: def.ID, Name: types.DefaultTransition, FromID: steps[1].ID, ToID: steps[0].ID}
		require.NoError(t, s.CreateTransitionDefinition(ctx, back))

		_, err := s.FindAllDefaultActivityDefinitions(ctx, def.ID)
		assert.ErrorIs(t, err, ErrDefaultChainCycle)
		_, err = s.CountDefaultTransitions(ctx, def.ID)
		assert.ErrorIs(t, err, ErrDefaultChainCycle)
		err = s.InsertActivityDefinitionAt(ctx, &types.ActivityDefinition{WorkflowDefinitionID: def.ID}, 1)
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("DeleteActivityDefinition", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 2)
		inst := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
		require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
		a := &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: steps[0].ID}
		require.NoError(t, s.CreateActivity(ctx, a))

		// The chain is not rewired and the start pointer is cleared.
		require.NoError(t, s.DeleteActivityDefinition(ctx, steps[0].ID))
		def, err := s.ReadWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Zero(t, def.StartActivityID)
		_, err = s.ReadActivity(ctx, a.ID)
		assert.ErrorIs(t, err, ErrActivityNotFound)
		transitions, err := s.FindTransitionDefinitions(ctx, def.ID)
		require.NoError(t, err)
		assert.Empty(t, transitions)

		assert.ErrorIs(t, s.DeleteActivityDefinition(ctx, steps[0].ID), ErrActivityDefinitionNotFound)
	})

	t.Run("UpdateActivityDefinition", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		_, steps := newChain(t, s, 1)
		other, _ := newChain(t, s, 1)

		ad := steps[0]
		ad.Multiplicity = types.MultiplicityMultiple
		require.NoError(t, s.UpdateActivityDefinition(ctx, ad))
		got, err := s.ReadActivityDefinition(ctx, ad.ID)
		require.NoError(t, err)
		assert.Equal(t, types.MultiplicityMultiple, got.Multiplicity)

		ad.WorkflowDefinitionID = other.ID
		assert.ErrorIs(t, s.UpdateActivityDefinition(ctx, ad), ErrForeignDefinition)
	})

	t.Run("Instances", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, _ := newChain(t, s, 1)
		started := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, ItemID: 7, Status: types.StatusStarted}
		paused := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, ItemID: 8, Status: types.StatusPaused}
		ended := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, ItemID: 7, Status: types.StatusEnded}
		for _, inst := range []*types.WorkflowInstance{started, paused, ended} {
			require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
		}
		assert.ErrorIs(t, s.CreateWorkflowInstance(ctx, &types.WorkflowInstance{WorkflowDefinitionID: 99}), ErrWorkflowDefinitionNotFound)

		active, err := s.FindActiveWorkflowInstances(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, started.ID, active[0].ID)
		assert.Equal(t, paused.ID, active[1].ID)

		byItem, err := s.FindActiveWorkflowInstanceByItemID(ctx, def.ID, 7)
		require.NoError(t, err)
		assert.Equal(t, started.ID, byItem.ID)
		_, err = s.FindActiveWorkflowInstanceByItemID(ctx, def.ID, 9)
		assert.ErrorIs(t, err, ErrInstanceNotFound)

		all, err := s.FindWorkflowInstancesByItemID(ctx, 7)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		started.Round = 3
		require.NoError(t, s.UpdateWorkflowInstance(ctx, *started))
		got, err := s.ReadWorkflowInstanceForUpdate(ctx, started.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Round)

		require.NoError(t, s.DeleteWorkflowInstance(ctx, ended.ID))
		_, err = s.ReadWorkflowInstance(ctx, ended.ID)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		assert.ErrorIs(t, s.UpdateWorkflowInstance(ctx, *ended), ErrInstanceNotFound)
	})

	t.Run("ActivitiesAndDecisions", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 1)
		inst := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
		require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
		a := &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: steps[0].ID}
		b := &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: steps[0].ID}
		require.NoError(t, s.CreateActivity(ctx, a))
		require.NoError(t, s.CreateActivity(ctx, b))

		require.NoError(t, s.UpdateActivitiesIsAuto(ctx, []uint64{a.ID, b.ID}, true))
		got, err := s.ReadActivityForUpdate(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, got.IsAuto)
		assert.ErrorIs(t, s.UpdateActivitiesIsAuto(ctx, []uint64{a.ID, 99}, false), ErrActivityNotFound)
		got, err = s.ReadActivity(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.IsAuto, "failed update leaves every activity untouched")

		d := &types.Decision{ActivityID: a.ID, Username: "alice", Choice: 1}
		require.NoError(t, s.CreateDecision(ctx, d))
		d.Comments = "ok"
		require.NoError(t, s.UpdateDecision(ctx, *d))
		decisions, err := s.FindDecisionsByActivityID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []types.Decision{*d}, decisions)
		decisions, err = s.FindDecisionsByInstanceID(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, decisions, 1)
		decisions, err = s.FindDecisionsByWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Len(t, decisions, 1)
		assert.ErrorIs(t, s.CreateDecision(ctx, &types.Decision{ActivityID: 99}), ErrActivityNotFound)

		inst.CurrentActivityID = a.ID
		require.NoError(t, s.UpdateWorkflowInstance(ctx, *inst))
		require.NoError(t, s.DeleteActivities(ctx, []uint64{a.ID}))

		_, err = s.ReadDecision(ctx, d.ID)
		assert.ErrorIs(t, err, ErrDecisionNotFound, "decisions go with their activity")
		reread, err := s.ReadWorkflowInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Zero(t, reread.CurrentActivityID, "dangling pointer is cleared")

		foreign := &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: 99}
		assert.ErrorIs(t, s.CreateActivity(ctx, foreign), ErrActivityDefinitionNotFound)
	})

	t.Run("CreateActivitiesAndUpdateCurrentActivities", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 2)
		first := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
		second := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
		require.NoError(t, s.CreateWorkflowInstance(ctx, first))
		require.NoError(t, s.CreateWorkflowInstance(ctx, second))

		first.Round = 1
		batches := []ActivityBatch{
			{Instance: first, Activities: []*types.Activity{
				{WorkflowInstanceID: first.ID, ActivityDefinitionID: steps[0].ID, AccountID: 1, Round: 1},
				{WorkflowInstanceID: first.ID, ActivityDefinitionID: steps[0].ID, AccountID: 2, Round: 1},
			}},
			{Instance: second, Activities: []*types.Activity{
				{WorkflowInstanceID: second.ID, ActivityDefinitionID: steps[1].ID},
			}},
		}
		require.NoError(t, s.CreateActivitiesAndUpdateCurrentActivities(ctx, batches))

		got, err := s.ReadWorkflowInstance(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, batches[0].Activities[0].ID, got.CurrentActivityID)
		assert.Equal(t, 1, got.Round)
		acts, err := s.FindActivitiesByInstanceID(ctx, first.ID)
		require.NoError(t, err)
		assert.Len(t, acts, 2)
		got, err = s.ReadWorkflowInstance(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, batches[1].Activities[0].ID, got.CurrentActivityID)

		// A bad batch anywhere rejects the whole call before any write.
		bad := []ActivityBatch{
			{Instance: first, Activities: []*types.Activity{{WorkflowInstanceID: first.ID, ActivityDefinitionID: steps[1].ID}}},
			{Instance: second, Activities: []*types.Activity{{WorkflowInstanceID: first.ID, ActivityDefinitionID: steps[1].ID}}},
		}
		assert.ErrorIs(t, s.CreateActivitiesAndUpdateCurrentActivities(ctx, bad), ErrForeignDefinition)
		acts, err = s.FindActivitiesByInstanceID(ctx, first.ID)
		require.NoError(t, err)
		assert.Len(t, acts, 2)

		empty := []ActivityBatch{{Instance: first}}
		assert.ErrorIs(t, s.CreateActivitiesAndUpdateCurrentActivities(ctx, empty), ErrEmptyBatch)
	})

	t.Run("CreateActivityDecisionBatch", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 1)
		inst := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
		require.NoError(t, s.CreateWorkflowInstance(ctx, inst))

		pair := ActivityDecision{
			Activity: &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: steps[0].ID, IsAuto: true},
			Decision: &types.Decision{Username: "system", Comments: "skipped"},
		}
		require.NoError(t, s.CreateActivityDecisionBatch(ctx, inst, []ActivityDecision{pair}))
		assert.Equal(t, pair.Activity.ID, pair.Decision.ActivityID)

		got, err := s.ReadWorkflowInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, pair.Activity.ID, got.CurrentActivityID)
		d, err := s.ReadDecision(ctx, pair.Decision.ID)
		require.NoError(t, err)
		assert.Equal(t, "skipped", d.Comments)

		loose := ActivityDecision{
			Activity: &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: steps[0].ID},
			Decision: &types.Decision{Username: "bob"},
		}
		require.NoError(t, s.CreateActivityDecisionBatch(ctx, nil, []ActivityDecision{loose}))
		got, err = s.ReadWorkflowInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, pair.Activity.ID, got.CurrentActivityID, "nil instance leaves the pointer alone")

		assert.ErrorIs(t, s.CreateActivityDecisionBatch(ctx, inst, nil), ErrEmptyBatch)
	})

	t.Run("DeleteWorkflowDefinitionCascades", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, steps := newChain(t, s, 2)
		inst := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
		require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
		a := &types.Activity{WorkflowInstanceID: inst.ID, ActivityDefinitionID: steps[0].ID}
		require.NoError(t, s.CreateActivity(ctx, a))
		d := &types.Decision{ActivityID: a.ID}
		require.NoError(t, s.CreateDecision(ctx, d))

		require.NoError(t, s.DeleteWorkflowDefinition(ctx, def.ID))
		_, err := s.ReadWorkflowInstance(ctx, inst.ID)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		_, err = s.ReadActivityDefinition(ctx, steps[1].ID)
		assert.ErrorIs(t, err, ErrActivityDefinitionNotFound)
		_, err = s.ReadDecision(ctx, d.ID)
		assert.ErrorIs(t, err, ErrDecisionNotFound)
		assert.ErrorIs(t, s.DeleteWorkflowDefinition(ctx, def.ID), ErrWorkflowDefinitionNotFound)
	})

	t.Run("RuleScopedLookups", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		def, _ := newChain(t, s, 1)
		_, err := s.FindRulesByWorkflowDefinition(ctx, def.ID)
		assert.ErrorIs(t, err, ErrNoRuleStore)

		rules := NewMemoryRuleStore()
		s = NewMemoryWorkflowStore(WithRuleStore(rules))
		def, steps := newChain(t, s, 2)
		require.NoError(t, rules.CreateRule(ctx, &types.RuleDefinition{ItemID: steps[1].ID, Name: "r"}))
		require.NoError(t, rules.CreateSelector(ctx, &types.SelectorDefinition{ItemID: steps[0].ID, GroupID: 1}))
		require.NoError(t, rules.CreateRule(ctx, &types.RuleDefinition{ItemID: 999, Name: "elsewhere"}))

		byStep, err := s.FindRulesByWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, byStep, 1)
		assert.Len(t, byStep[steps[1].ID], 1)

		sels, err := s.FindSelectorsByWorkflowDefinition(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, sels, 1)
		assert.Len(t, sels[steps[0].ID], 1)

		_, err = s.FindSelectorsByWorkflowDefinition(ctx, 99)
		assert.ErrorIs(t, err, ErrWorkflowDefinitionNotFound)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := NewMemoryWorkflowStore()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.CreateWorkflowDefinition(cctx, &types.WorkflowDefinition{Name: "x"})
		assert.True(t, errors.Is(err, context.Canceled))
		_, err = s.ReadWorkflowDefinition(cctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryWorkflowStoreConcurrentIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryWorkflowStore()
	def := types.WorkflowDefinition{Name: "purchase"}
	require.NoError(t, s.CreateWorkflowDefinition(ctx, &def))

	const n = 50
	var wg sync.WaitGroup
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := &types.WorkflowInstance{WorkflowDefinitionID: def.ID, Status: types.StatusStarted}
			assert.NoError(t, s.CreateWorkflowInstance(ctx, inst))
			ids[i] = inst.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	active, err := s.FindActiveWorkflowInstances(ctx, def.ID)
	require.NoError(t, err)
	assert.Len(t, active, n)
}
