package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-workflow/types"
)

// testRuleStore runs the behaviour every RuleStore implementation shares.
func testRuleStore(t *testing.T, newStore func(t *testing.T) RuleStore) {
	ctx := context.Background()

	t.Run("RuleWithConditions", func(t *testing.T) {
		store := newStore(t)
		rule := &types.RuleDefinition{
			ItemID: 10,
			Name:   "btl only",
			Conditions: []types.RuleConditionDefinition{
				{Field: "Division", Operator: "=", Value: "BTL"},
				{Field: "Amount", Operator: ">", Value: "100"},
			},
		}
		require.NoError(t, store.CreateRule(ctx, rule))
		assert.NotZero(t, rule.ID)
		for _, c := range rule.Conditions {
			assert.NotZero(t, c.ID)
			assert.Equal(t, rule.ID, c.RuleID)
		}

		got, err := store.ReadRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, *rule, got)

		byItem, err := store.FindRulesByItemID(ctx, 10)
		require.NoError(t, err)
		require.Len(t, byItem, 1)
		assert.Equal(t, *rule, byItem[0])

		none, err := store.FindRulesByItemID(ctx, 11)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UpdateRuleMovesItem", func(t *testing.T) {
		store := newStore(t)
		rule := &types.RuleDefinition{ItemID: 1, Name: "r", Conditions: []types.RuleConditionDefinition{{Field: "F", Operator: "=", Value: "v"}}}
		require.NoError(t, store.CreateRule(ctx, rule))

		moved := *rule
		moved.ItemID = 2
		moved.Name = "renamed"
		require.NoError(t, store.UpdateRule(ctx, moved))

		old, err := store.FindRulesByItemID(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, old)
		now, err := store.FindRulesByItemID(ctx, 2)
		require.NoError(t, err)
		require.Len(t, now, 1)
		assert.Equal(t, "renamed", now[0].Name)
		assert.Len(t, now[0].Conditions, 1, "conditions survive a header update")

		err = store.UpdateRule(ctx, types.RuleDefinition{ID: 999})
		assert.ErrorIs(t, err, ErrRuleNotFound)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Conditions", func(t *testing.T) {
		store := newStore(t)
		rule := &types.RuleDefinition{ItemID: 1, Name: "r"}
		require.NoError(t, store.CreateRule(ctx, rule))

		cond := &types.RuleConditionDefinition{RuleID: rule.ID, Field: "Entity", Operator: "=", Value: "ENT_1"}
		require.NoError(t, store.CreateCondition(ctx, cond))
		assert.NotZero(t, cond.ID)

		cond.Value = "ENT_2"
		require.NoError(t, store.UpdateCondition(ctx, *cond))
		got, err := store.ReadCondition(ctx, cond.ID)
		require.NoError(t, err)
		assert.Equal(t, "ENT_2", got.Value)

		conds, err := store.FindConditionsByRuleID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, []types.RuleConditionDefinition{*cond}, conds)

		require.NoError(t, store.RemoveCondition(ctx, cond.ID))
		_, err = store.ReadCondition(ctx, cond.ID)
		assert.ErrorIs(t, err, ErrConditionNotFound)
		assert.ErrorIs(t, store.RemoveCondition(ctx, cond.ID), ErrConditionNotFound)

		err = store.CreateCondition(ctx, &types.RuleConditionDefinition{RuleID: 999, Field: "F"})
		assert.ErrorIs(t, err, ErrRuleNotFound)
	})

	t.Run("RemoveRules", func(t *testing.T) {
		store := newStore(t)
		a := &types.RuleDefinition{ItemID: 1, Name: "a", Conditions: []types.RuleConditionDefinition{{Field: "F", Operator: "=", Value: "1"}}}
		b := &types.RuleDefinition{ItemID: 1, Name: "b"}
		require.NoError(t, store.CreateRule(ctx, a))
		require.NoError(t, store.CreateRule(ctx, b))

		require.NoError(t, store.RemoveRule(ctx, a.ID))
		_, err := store.ReadRule(ctx, a.ID)
		assert.ErrorIs(t, err, ErrRuleNotFound)
		_, err = store.ReadCondition(ctx, a.Conditions[0].ID)
		assert.ErrorIs(t, err, ErrConditionNotFound, "conditions go with their rule")
		assert.ErrorIs(t, store.RemoveRule(ctx, a.ID), ErrRuleNotFound)

		// Unknown ids in a batch are ignored.
		require.NoError(t, store.RemoveRules(ctx, []uint64{b.ID, 999}))
		left, err := store.FindRulesByItemID(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("FindItemIDsByCriteria", func(t *testing.T) {
		store := newStore(t)
		for _, r := range []*types.RuleDefinition{
			{ItemID: 3, Name: "a", Conditions: []types.RuleConditionDefinition{{Field: "Division", Operator: "=", Value: "BTL"}, {Field: "Entity", Operator: "=", Value: "ENT_1"}}},
			{ItemID: 1, Name: "b", Conditions: []types.RuleConditionDefinition{{Field: "Division", Operator: "=", Value: "BTL"}}},
			{ItemID: 2, Name: "c", Conditions: []types.RuleConditionDefinition{{Field: "Division", Operator: "=", Value: "DIV"}}},
			{ItemID: 1, Name: "d", Conditions: []types.RuleConditionDefinition{{Field: "Division", Operator: "=", Value: "BTL"}}},
		} {
			require.NoError(t, store.CreateRule(ctx, r))
		}

		tests := []struct {
			name     string
			criteria map[string]string
			want     []uint64
		}{
			{"single field", map[string]string{"Division": "BTL"}, []uint64{1, 3}},
			{"every field must match one rule", map[string]string{"Division": "BTL", "Entity": "ENT_1"}, []uint64{3}},
			{"no match", map[string]string{"Division": "XYZ"}, []uint64{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.FindItemIDsByCriteria(ctx, tt.criteria)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("SelectorsAndFilters", func(t *testing.T) {
		store := newStore(t)
		sel := &types.SelectorDefinition{
			ItemID:  7,
			GroupID: 100,
			Name:    "managers",
			Filters: []types.RuleFilterDefinition{{Field: "Division", Operator: "=", Value: "BTL"}},
		}
		require.NoError(t, store.CreateSelector(ctx, sel))
		assert.NotZero(t, sel.ID)
		assert.Equal(t, sel.ID, sel.Filters[0].SelectorID)

		got, err := store.ReadSelector(ctx, sel.ID)
		require.NoError(t, err)
		assert.Equal(t, *sel, got)

		extra := &types.RuleFilterDefinition{SelectorID: sel.ID, Field: "Entity", Operator: "!=", Value: "ENT_9"}
		require.NoError(t, store.CreateFilter(ctx, extra))
		extra.Operator = "="
		require.NoError(t, store.UpdateFilter(ctx, *extra))
		f, err := store.ReadFilter(ctx, extra.ID)
		require.NoError(t, err)
		assert.Equal(t, "=", f.Operator)

		filters, err := store.FindFiltersBySelectorID(ctx, sel.ID)
		require.NoError(t, err)
		assert.Len(t, filters, 2)

		require.NoError(t, store.RemoveFilter(ctx, extra.ID))
		assert.ErrorIs(t, store.RemoveFilter(ctx, extra.ID), ErrFilterNotFound)
		err = store.CreateFilter(ctx, &types.RuleFilterDefinition{SelectorID: 999})
		assert.ErrorIs(t, err, ErrSelectorNotFound)

		require.NoError(t, store.RemoveFiltersBySelectorID(ctx, sel.ID))
		filters, err = store.FindFiltersBySelectorID(ctx, sel.ID)
		require.NoError(t, err)
		assert.Empty(t, filters)

		moved := *sel
		moved.ItemID = 8
		require.NoError(t, store.UpdateSelector(ctx, moved))
		byItem, err := store.FindSelectorsByItemID(ctx, 8)
		require.NoError(t, err)
		require.Len(t, byItem, 1)
		assert.Equal(t, sel.ID, byItem[0].ID)
		byItem, err = store.FindSelectorsByItemID(ctx, 7)
		require.NoError(t, err)
		assert.Empty(t, byItem)

		require.NoError(t, store.RemoveSelector(ctx, sel.ID))
		_, err = store.ReadSelector(ctx, sel.ID)
		assert.ErrorIs(t, err, ErrSelectorNotFound)
		assert.ErrorIs(t, store.RemoveSelector(ctx, sel.ID), ErrSelectorNotFound)
	})

	t.Run("RemoveSelectorsByGroupID", func(t *testing.T) {
		store := newStore(t)
		a := &types.SelectorDefinition{ItemID: 1, GroupID: 100, Filters: []types.RuleFilterDefinition{{Field: "F", Operator: "=", Value: "x"}}}
		b := &types.SelectorDefinition{ItemID: 2, GroupID: 100}
		c := &types.SelectorDefinition{ItemID: 1, GroupID: 200}
		for _, sel := range []*types.SelectorDefinition{a, b, c} {
			require.NoError(t, store.CreateSelector(ctx, sel))
		}

		require.NoError(t, store.RemoveSelectorsByGroupID(ctx, 100))

		left, err := store.FindSelectorsByItemID(ctx, 1)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, c.ID, left[0].ID)
		_, err = store.ReadFilter(ctx, a.Filters[0].ID)
		assert.ErrorIs(t, err, ErrFilterNotFound)

		require.NoError(t, store.RemoveSelectorsByGroupID(ctx, 999))
	})

	t.Run("Constants", func(t *testing.T) {
		store := newStore(t)
		empty, err := store.ReadConstants(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, empty)

		require.NoError(t, store.SaveConstants(ctx, 1, types.RuleConstants{"Limit": "500", "Region": "EU"}))
		require.NoError(t, store.SaveConstants(ctx, 2, types.RuleConstants{"Limit": "10"}))
		got, err := store.ReadConstants(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.RuleConstants{"Limit": "500", "Region": "EU"}, got)

		// Saving replaces the whole set.
		require.NoError(t, store.SaveConstants(ctx, 1, types.RuleConstants{"Limit": "600"}))
		got, err = store.ReadConstants(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.RuleConstants{"Limit": "600"}, got)

		require.NoError(t, store.SaveConstants(ctx, 1, nil))
		got, err = store.ReadConstants(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := store.CreateRule(cctx, &types.RuleDefinition{ItemID: 1})
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.FindRulesByItemID(cctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
