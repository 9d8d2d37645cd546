package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-workflow/types"
)

// Errors returned by store implementations. Not-found errors wrap
// types.ErrNotFound, integrity violations of a definition wrap
// types.ErrConfiguration.
var (
	ErrWorkflowDefinitionNotFound = fmt.Errorf("%w: workflow definition", types.ErrNotFound)
	ErrActivityDefinitionNotFound = fmt.Errorf("%w: activity definition", types.ErrNotFound)
	ErrTransitionNotFound         = fmt.Errorf("%w: transition definition", types.ErrNotFound)
	ErrInstanceNotFound           = fmt.Errorf("%w: workflow instance", types.ErrNotFound)
	ErrActivityNotFound           = fmt.Errorf("%w: activity", types.ErrNotFound)
	ErrDecisionNotFound           = fmt.Errorf("%w: decision", types.ErrNotFound)
	ErrRuleNotFound               = fmt.Errorf("%w: rule", types.ErrNotFound)
	ErrConditionNotFound          = fmt.Errorf("%w: rule condition", types.ErrNotFound)
	ErrSelectorNotFound           = fmt.Errorf("%w: selector", types.ErrNotFound)
	ErrFilterNotFound             = fmt.Errorf("%w: rule filter", types.ErrNotFound)
	ErrGroupNotFound              = fmt.Errorf("%w: account group", types.ErrNotFound)

	ErrTransitionExists  = fmt.Errorf("%w: duplicate transition", types.ErrConfiguration)
	ErrInvalidPosition   = fmt.Errorf("%w: invalid activity position", types.ErrConfiguration)
	ErrDefaultChainCycle = fmt.Errorf("%w: default chain does not terminate", types.ErrConfiguration)
	ErrForeignDefinition = fmt.Errorf("%w: entity belongs to another workflow definition", types.ErrConfiguration)

	ErrEmptyBatch  = errors.New("batch has no activities")
	ErrNoRuleStore = errors.New("no rule store attached")
)

// RuleStore persists rules, selectors and their leaves, keyed by the id of
// the item that owns them.
type RuleStore interface {
	// CreateRule assigns ids to the rule and to any conditions it carries.
	CreateRule(ctx context.Context, rule *types.RuleDefinition) error
	// ReadRule returns the rule with its conditions.
	ReadRule(ctx context.Context, id uint64) (types.RuleDefinition, error)
	// UpdateRule updates the rule header. Conditions are managed separately.
	UpdateRule(ctx context.Context, rule types.RuleDefinition) error
	RemoveRule(ctx context.Context, id uint64) error
	RemoveRules(ctx context.Context, ids []uint64) error
	FindRulesByItemID(ctx context.Context, itemID uint64) ([]types.RuleDefinition, error)
	// FindItemIDsByCriteria returns the ids of the items owning a rule that has,
	// for every criteria entry, a condition on that field with that literal.
	FindItemIDsByCriteria(ctx context.Context, criteria map[string]string) ([]uint64, error)

	CreateCondition(ctx context.Context, cond *types.RuleConditionDefinition) error
	ReadCondition(ctx context.Context, id uint64) (types.RuleConditionDefinition, error)
	UpdateCondition(ctx context.Context, cond types.RuleConditionDefinition) error
	RemoveCondition(ctx context.Context, id uint64) error
	FindConditionsByRuleID(ctx context.Context, ruleID uint64) ([]types.RuleConditionDefinition, error)

	// CreateSelector assigns ids to the selector and to any filters it carries.
	CreateSelector(ctx context.Context, sel *types.SelectorDefinition) error
	ReadSelector(ctx context.Context, id uint64) (types.SelectorDefinition, error)
	UpdateSelector(ctx context.Context, sel types.SelectorDefinition) error
	RemoveSelector(ctx context.Context, id uint64) error
	RemoveSelectorsByGroupID(ctx context.Context, groupID uint64) error
	FindSelectorsByItemID(ctx context.Context, itemID uint64) ([]types.SelectorDefinition, error)

	CreateFilter(ctx context.Context, filter *types.RuleFilterDefinition) error
	ReadFilter(ctx context.Context, id uint64) (types.RuleFilterDefinition, error)
	UpdateFilter(ctx context.Context, filter types.RuleFilterDefinition) error
	RemoveFilter(ctx context.Context, id uint64) error
	RemoveFiltersBySelectorID(ctx context.Context, selectorID uint64) error
	FindFiltersBySelectorID(ctx context.Context, selectorID uint64) ([]types.RuleFilterDefinition, error)

	SaveConstants(ctx context.Context, ownerID uint64, constants types.RuleConstants) error
	// ReadConstants returns an empty set when the owner has none.
	ReadConstants(ctx context.Context, ownerID uint64) (types.RuleConstants, error)
}

// AccountStore resolves account groups and their members.
type AccountStore interface {
	ReadGroup(ctx context.Context, id uint64) (types.AccountGroup, error)
	FindUsersByGroupID(ctx context.Context, groupID uint64) ([]types.AccountUser, error)
}

// ActivityBatch is the set of activities created for one instance together
// with the move of its current-activity pointer to the first of them.
type ActivityBatch struct {
	Instance   *types.WorkflowInstance
	Activities []*types.Activity
}

// ActivityDecision pairs an activity with the decision closing it.
type ActivityDecision struct {
	Activity *types.Activity
	Decision *types.Decision
}

// WorkflowStore persists workflow definitions and their running instances.
//
// Create methods assign the id of the entity they are given. Multi-row
// operations are applied as one unit.
type WorkflowStore interface {
	CreateWorkflowDefinition(ctx context.Context, def *types.WorkflowDefinition) error
	ReadWorkflowDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)
	UpdateWorkflowDefinition(ctx context.Context, def types.WorkflowDefinition) error
	// DeleteWorkflowDefinition removes the definition with its steps,
	// transitions, instances, activities and decisions.
	DeleteWorkflowDefinition(ctx context.Context, id uint64) error
	FindWorkflowDefinitionByName(ctx context.Context, name string) (types.WorkflowDefinition, error)

	CreateActivityDefinition(ctx context.Context, ad *types.ActivityDefinition) error
	ReadActivityDefinition(ctx context.Context, id uint64) (types.ActivityDefinition, error)
	UpdateActivityDefinition(ctx context.Context, ad types.ActivityDefinition) error
	// DeleteActivityDefinition removes the step, every transition touching it
	// and its activities. The Default chain is not rewired.
	DeleteActivityDefinition(ctx context.Context, id uint64) error
	FindActivityDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.ActivityDefinition, error)

	CreateTransitionDefinition(ctx context.Context, t *types.TransitionDefinition) error
	ReadTransitionDefinition(ctx context.Context, key types.TransitionKey) (types.TransitionDefinition, error)
	DeleteTransitionDefinition(ctx context.Context, key types.TransitionKey) error
	FindTransitionDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.TransitionDefinition, error)

	FindNextActivityDefinition(ctx context.Context, fromID uint64, transitionName string) (types.ActivityDefinition, error)
	HasNextActivityDefinition(ctx context.Context, fromID uint64, transitionName string) (bool, error)
	FindAllDefaultActivityDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.ActivityDefinition, error)
	FindActivityDefinitionByPosition(ctx context.Context, workflowDefinitionID uint64, position int) (types.ActivityDefinition, error)
	CountDefaultTransitions(ctx context.Context, workflowDefinitionID uint64) (int, error)

	ShiftLevelAfter(ctx context.Context, workflowDefinitionID uint64, position, shift int) error
	ShiftRange(ctx context.Context, workflowDefinitionID uint64, start, end, shift int) error
	// InsertActivityDefinitionAt places ad at position on the Default chain,
	// shifting the levels at or after it and relinking its neighbours.
	InsertActivityDefinitionAt(ctx context.Context, ad *types.ActivityDefinition, position int) error
	// RemoveActivityDefinitionAt unlinks and deletes the step at position,
	// closing the gap in levels and in the Default chain.
	RemoveActivityDefinitionAt(ctx context.Context, workflowDefinitionID uint64, position int) (types.ActivityDefinition, error)

	CreateWorkflowInstance(ctx context.Context, inst *types.WorkflowInstance) error
	ReadWorkflowInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)
	ReadWorkflowInstanceForUpdate(ctx context.Context, id uint64) (types.WorkflowInstance, error)
	UpdateWorkflowInstance(ctx context.Context, inst types.WorkflowInstance) error
	DeleteWorkflowInstance(ctx context.Context, id uint64) error
	FindActiveWorkflowInstances(ctx context.Context, workflowDefinitionID uint64) ([]types.WorkflowInstance, error)
	FindActiveWorkflowInstanceByItemID(ctx context.Context, workflowDefinitionID, itemID uint64) (types.WorkflowInstance, error)
	FindWorkflowInstancesByItemID(ctx context.Context, itemID uint64) ([]types.WorkflowInstance, error)

	CreateActivity(ctx context.Context, a *types.Activity) error
	ReadActivity(ctx context.Context, id uint64) (types.Activity, error)
	ReadActivityForUpdate(ctx context.Context, id uint64) (types.Activity, error)
	FindActivitiesByInstanceID(ctx context.Context, instanceID uint64) ([]types.Activity, error)
	UpdateActivitiesIsAuto(ctx context.Context, ids []uint64, isAuto bool) error
	DeleteActivities(ctx context.Context, ids []uint64) error
	CreateActivitiesAndUpdateCurrentActivities(ctx context.Context, batches []ActivityBatch) error
	// CreateActivityDecisionBatch creates each activity with its decision and,
	// when inst is non-nil, points inst at the first activity.
	CreateActivityDecisionBatch(ctx context.Context, inst *types.WorkflowInstance, pairs []ActivityDecision) error

	CreateDecision(ctx context.Context, d *types.Decision) error
	ReadDecision(ctx context.Context, id uint64) (types.Decision, error)
	UpdateDecision(ctx context.Context, d types.Decision) error
	DeleteDecision(ctx context.Context, id uint64) error
	FindDecisionsByActivityID(ctx context.Context, activityID uint64) ([]types.Decision, error)
	FindDecisionsByInstanceID(ctx context.Context, instanceID uint64) ([]types.Decision, error)

	// Definition scoped access to the rule side, keyed by activity definition id.
	FindRulesByWorkflowDefinition(ctx context.Context, workflowDefinitionID uint64) (map[uint64][]types.RuleDefinition, error)
	FindSelectorsByWorkflowDefinition(ctx context.Context, workflowDefinitionID uint64) (map[uint64][]types.SelectorDefinition, error)
	FindDecisionsByWorkflowDefinition(ctx context.Context, workflowDefinitionID uint64) ([]types.Decision, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
