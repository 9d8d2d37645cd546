package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/rules"
	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/types"
)

// CreateInstance starts a workflow instance for itemID. No step is active
// until Start is called.
func (e *Engine) CreateInstance(ctx context.Context, workflowDefinitionID, itemID uint64, username string, userLogic bool) (types.WorkflowInstance, error) {
	inst := types.WorkflowInstance{
		WorkflowDefinitionID: workflowDefinitionID,
		ItemID:               itemID,
		CreatedAt:            e.now(),
		Username:             username,
		UserLogic:            userLogic,
		Status:               types.StatusStarted,
	}
	if err := e.store.CreateWorkflowInstance(ctx, &inst); err != nil {
		return types.WorkflowInstance{}, err
	}

	e.logger.Info("workflow instance created",
		zap.Uint64("instance_id", inst.ID),
		zap.Uint64("definition_id", workflowDefinitionID),
		zap.Uint64("item_id", itemID))
	e.publishEvent(ctx, events.InstanceCreated, inst.ID, map[string]interface{}{
		"definition_id": workflowDefinitionID,
		"item_id":       itemID,
		"username":      username,
	})
	return inst, nil
}

// Start activates the start step of a freshly created instance. bag is the
// business object the step rules and selectors are evaluated against.
func (e *Engine) Start(ctx context.Context, instanceID uint64, bag rules.PropertyBag) (types.WorkflowInstance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.store.ReadWorkflowInstanceForUpdate(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if inst.Status != types.StatusStarted || inst.Round != 0 {
		return inst, fmt.Errorf("%w: instance %d is %s at round %d", ErrInvalidState, inst.ID, inst.Status, inst.Round)
	}
	return e.start(ctx, inst, bag)
}

func (e *Engine) start(ctx context.Context, inst types.WorkflowInstance, bag rules.PropertyBag) (types.WorkflowInstance, error) {
	def, err := e.store.ReadWorkflowDefinition(ctx, inst.WorkflowDefinitionID)
	if err != nil {
		return inst, err
	}
	if def.StartActivityID == 0 {
		return inst, fmt.Errorf("%w: definition %d", ErrNoStartActivity, def.ID)
	}
	ad, err := e.store.ReadActivityDefinition(ctx, def.StartActivityID)
	if err != nil {
		return inst, err
	}
	return e.activate(ctx, inst, ad, bag)
}

// ActivateStep makes adID the current step of the instance, regardless of
// the graph. Skipped steps are followed along Default as in Advance.
func (e *Engine) ActivateStep(ctx context.Context, instanceID, adID uint64, bag rules.PropertyBag) (types.WorkflowInstance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.store.ReadWorkflowInstanceForUpdate(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if inst.Status != types.StatusStarted {
		return inst, fmt.Errorf("%w: instance %d is %s", ErrInvalidState, inst.ID, inst.Status)
	}
	ad, err := e.store.ReadActivityDefinition(ctx, adID)
	if err != nil {
		return inst, err
	}
	if ad.WorkflowDefinitionID != inst.WorkflowDefinitionID {
		return inst, fmt.Errorf("%w: activity definition %d", storage.ErrForeignDefinition, adID)
	}
	return e.activate(ctx, inst, ad, bag)
}

// Advance leaves the current step through transitionName (Default when
// empty). The current step must be complete. A missing Default transition
// ends the instance; any other missing transition is a configuration error.
// An instance that never entered a step is started instead. One whose
// current step was removed fails with ErrInvalidState and must be moved on
// with ActivateStep.
func (e *Engine) Advance(ctx context.Context, instanceID uint64, transitionName string, bag rules.PropertyBag) (types.WorkflowInstance, error) {
	if transitionName == "" {
		transitionName = types.DefaultTransition
	}
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.store.ReadWorkflowInstanceForUpdate(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if inst.Status != types.StatusStarted {
		return inst, fmt.Errorf("%w: instance %d is %s", ErrInvalidState, inst.ID, inst.Status)
	}
	if inst.CurrentActivityID == 0 {
		if inst.Round > 0 {
			// The current step was removed from the definition.
			return inst, fmt.Errorf("%w: instance %d lost its current step at round %d, use ActivateStep", ErrInvalidState, inst.ID, inst.Round)
		}
		return e.start(ctx, inst, bag)
	}

	current, err := e.store.ReadActivity(ctx, inst.CurrentActivityID)
	if err != nil {
		return inst, err
	}
	complete, err := e.isStepComplete(ctx, inst, current.ActivityDefinitionID)
	if err != nil {
		return inst, err
	}
	if !complete {
		return inst, fmt.Errorf("%w: instance %d activity definition %d", ErrStepIncomplete, inst.ID, current.ActivityDefinitionID)
	}

	ok, err := e.store.HasNextActivityDefinition(ctx, current.ActivityDefinitionID, transitionName)
	if err != nil {
		return inst, err
	}
	if !ok {
		if transitionName == types.DefaultTransition {
			return e.end(ctx, inst)
		}
		return inst, fmt.Errorf("%w: from=%d name=%q", ErrTransitionNotFound, current.ActivityDefinitionID, transitionName)
	}
	next, err := e.store.FindNextActivityDefinition(ctx, current.ActivityDefinitionID, transitionName)
	if err != nil {
		return inst, err
	}
	return e.activate(ctx, inst, next, bag)
}

// activate enters ad and, while the entered step is skipped, keeps
// following Default. The walk is bounded by the number of steps.
func (e *Engine) activate(ctx context.Context, inst types.WorkflowInstance, ad types.ActivityDefinition, bag rules.PropertyBag) (types.WorkflowInstance, error) {
	rc, err := e.ruleContext(ctx, inst.WorkflowDefinitionID, bag)
	if err != nil {
		return inst, err
	}
	steps, err := e.store.FindActivityDefinitions(ctx, inst.WorkflowDefinitionID)
	if err != nil {
		return inst, err
	}

	for hop := 0; hop <= len(steps); hop++ {
		skipped, err := e.enter(ctx, &inst, ad, rc)
		if err != nil || !skipped {
			return inst, err
		}
		ok, err := e.store.HasNextActivityDefinition(ctx, ad.ID, types.DefaultTransition)
		if err != nil {
			return inst, err
		}
		if !ok {
			return e.end(ctx, inst)
		}
		if ad, err = e.store.FindNextActivityDefinition(ctx, ad.ID, types.DefaultTransition); err != nil {
			return inst, err
		}
	}
	return inst, fmt.Errorf("%w: definition=%d", storage.ErrDefaultChainCycle, inst.WorkflowDefinitionID)
}

func (e *Engine) ruleContext(ctx context.Context, workflowDefinitionID uint64, bag rules.PropertyBag) (*rules.Context, error) {
	if e.rules == nil {
		return rules.NewContext(bag, nil)
	}
	return e.rules.NewContext(ctx, workflowDefinitionID, bag)
}

// enter creates the activities of ad for a new round and moves the current
// pointer to them in one store call. A step whose rules fail, or whose
// selectors resolve to nobody, gets one auto activity closed by a system
// decision; enter then reports it as skipped.
func (e *Engine) enter(ctx context.Context, inst *types.WorkflowInstance, ad types.ActivityDefinition, rc *rules.Context) (bool, error) {
	actors, gated, err := e.eligibleActors(ctx, ad, rc)
	if err != nil {
		return false, err
	}

	prev := *inst
	inst.Round++
	newActivity := func(accountID uint64) *types.Activity {
		return &types.Activity{
			WorkflowInstanceID:   inst.ID,
			ActivityDefinitionID: ad.ID,
			CreatedAt:            e.now(),
			AccountID:            accountID,
			Round:                inst.Round,
		}
	}

	reason := ""
	switch {
	case gated:
		reason = ReasonRulesNotSatisfied
	case actors != nil && actors.Empty():
		reason = ReasonNoActors
	}

	if reason != "" {
		a := newActivity(0)
		a.IsAuto = true
		d := &types.Decision{Username: SystemUsername, Comments: reason, DecidedAt: e.now()}
		if err := e.store.CreateActivityDecisionBatch(ctx, inst, []storage.ActivityDecision{{Activity: a, Decision: d}}); err != nil {
			*inst = prev
			return false, err
		}
		e.logger.Info("step skipped",
			zap.Uint64("instance_id", inst.ID),
			zap.Uint64("activity_definition_id", ad.ID),
			zap.String("reason", reason))
		e.publishEvent(ctx, events.StepActivated, inst.ID, map[string]interface{}{
			"activity_definition_id": ad.ID,
			"round":                  inst.Round,
			"auto":                   true,
			"reason":                 reason,
		})
		return true, nil
	}

	var activities []*types.Activity
	if ad.Multiplicity == types.MultiplicityMultiple && actors != nil {
		for _, u := range actors.Users {
			activities = append(activities, newActivity(u.ID))
		}
	} else {
		activities = append(activities, newActivity(0))
	}
	batch := []storage.ActivityBatch{{Instance: inst, Activities: activities}}
	if err := e.store.CreateActivitiesAndUpdateCurrentActivities(ctx, batch); err != nil {
		*inst = prev
		return false, err
	}

	e.logger.Info("step activated",
		zap.Uint64("instance_id", inst.ID),
		zap.Uint64("activity_definition_id", ad.ID),
		zap.Int("activities", len(activities)))
	e.publishEvent(ctx, events.StepActivated, inst.ID, map[string]interface{}{
		"activity_definition_id": ad.ID,
		"round":                  inst.Round,
		"auto":                   false,
		"activities":             len(activities),
	})
	return false, nil
}

// eligibleActors evaluates the step rules and selectors of ad. gated is true
// when the step has rules and none holds. A nil Actors means the step has no
// selectors and is open to anyone.
func (e *Engine) eligibleActors(ctx context.Context, ad types.ActivityDefinition, rc *rules.Context) (actors *types.Actors, gated bool, err error) {
	if e.rules == nil {
		return nil, false, nil
	}
	stepRules, err := e.rules.FindRulesForItem(ctx, ad.ID)
	if err != nil {
		return nil, false, err
	}
	if len(stepRules) > 0 && !e.rules.IsItemValidWith(stepRules, rc) {
		return nil, true, nil
	}
	selectors, err := e.rules.FindSelectorsForItem(ctx, ad.ID)
	if err != nil {
		return nil, false, err
	}
	if len(selectors) == 0 {
		return nil, false, nil
	}
	resolved, err := e.rules.ResolveActorsWith(ctx, selectors, rc)
	if err != nil {
		return nil, false, err
	}
	return &resolved, false, nil
}

// RecordDecision records the decision of username on an activity of the
// current step. A second decision on the same activity replaces the first.
// username is recorded as given: whether it belongs to the account a
// Multiple activity was created for is left to the caller.
func (e *Engine) RecordDecision(ctx context.Context, activityID uint64, username string, choice int, comments string) (types.Decision, error) {
	a, err := e.store.ReadActivity(ctx, activityID)
	if err != nil {
		return types.Decision{}, err
	}
	unlock := e.lockInstance(a.WorkflowInstanceID)
	defer unlock()

	inst, err := e.store.ReadWorkflowInstanceForUpdate(ctx, a.WorkflowInstanceID)
	if err != nil {
		return types.Decision{}, err
	}
	if inst.Status != types.StatusStarted {
		return types.Decision{}, fmt.Errorf("%w: instance %d is %s", ErrInvalidState, inst.ID, inst.Status)
	}
	if inst.CurrentActivityID == 0 || a.Round != inst.Round || a.IsAuto {
		return types.Decision{}, fmt.Errorf("%w: activity %d", ErrNotCurrentStep, activityID)
	}
	current, err := e.store.ReadActivity(ctx, inst.CurrentActivityID)
	if err != nil {
		return types.Decision{}, err
	}
	if current.ActivityDefinitionID != a.ActivityDefinitionID {
		return types.Decision{}, fmt.Errorf("%w: activity %d", ErrNotCurrentStep, activityID)
	}

	existing, err := e.store.FindDecisionsByActivityID(ctx, activityID)
	if err != nil {
		return types.Decision{}, err
	}
	d := types.Decision{
		ActivityID: activityID,
		Username:   username,
		Choice:     choice,
		Comments:   comments,
		DecidedAt:  e.now(),
	}
	if len(existing) > 0 {
		d.ID = existing[0].ID
		err = e.store.UpdateDecision(ctx, d)
	} else {
		err = e.store.CreateDecision(ctx, &d)
	}
	if err != nil {
		return types.Decision{}, err
	}

	e.logger.Info("decision recorded",
		zap.Uint64("instance_id", inst.ID),
		zap.Uint64("activity_id", activityID),
		zap.String("username", username),
		zap.Int("choice", choice))
	e.publishEvent(ctx, events.DecisionRecorded, inst.ID, map[string]interface{}{
		"activity_id": activityID,
		"decision_id": d.ID,
		"username":    username,
		"choice":      choice,
	})
	return d, nil
}

// IsStepComplete reports whether the current step of the instance has the
// decisions its multiplicity requires.
func (e *Engine) IsStepComplete(ctx context.Context, instanceID uint64) (bool, error) {
	inst, err := e.store.ReadWorkflowInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.CurrentActivityID == 0 {
		return false, nil
	}
	current, err := e.store.ReadActivity(ctx, inst.CurrentActivityID)
	if err != nil {
		return false, err
	}
	return e.isStepComplete(ctx, inst, current.ActivityDefinitionID)
}

func (e *Engine) isStepComplete(ctx context.Context, inst types.WorkflowInstance, adID uint64) (bool, error) {
	ad, err := e.store.ReadActivityDefinition(ctx, adID)
	if err != nil {
		return false, err
	}
	all, err := e.store.FindActivitiesByInstanceID(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	var step []types.Activity
	for _, a := range all {
		if a.ActivityDefinitionID == adID && a.Round == inst.Round {
			step = append(step, a)
		}
	}
	decisions, err := e.store.FindDecisionsByInstanceID(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	return StepComplete(ad.Multiplicity, step, decisions), nil
}

// StepComplete applies multiplicity to the activities of one step: Single
// needs a decision on any of them, Multiple a decision on each.
func StepComplete(multiplicity types.Multiplicity, activities []types.Activity, decisions []types.Decision) bool {
	decided := make(map[uint64]bool, len(decisions))
	for _, d := range decisions {
		decided[d.ActivityID] = true
	}
	if multiplicity == types.MultiplicityMultiple {
		if len(activities) == 0 {
			return false
		}
		for _, a := range activities {
			if !decided[a.ID] {
				return false
			}
		}
		return true
	}
	for _, a := range activities {
		if decided[a.ID] {
			return true
		}
	}
	return false
}

// Pause suspends a started instance.
func (e *Engine) Pause(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	return e.transition(ctx, instanceID, types.StatusPaused, func(s types.WorkflowStatus) bool {
		return s == types.StatusStarted
	})
}

// Resume restarts a paused instance.
func (e *Engine) Resume(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	return e.transition(ctx, instanceID, types.StatusStarted, func(s types.WorkflowStatus) bool {
		return s == types.StatusPaused
	})
}

// End terminates an active instance.
func (e *Engine) End(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	return e.transition(ctx, instanceID, types.StatusEnded, types.WorkflowStatus.Active)
}

func (e *Engine) transition(ctx context.Context, instanceID uint64, to types.WorkflowStatus, allowed func(types.WorkflowStatus) bool) (types.WorkflowInstance, error) {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.store.ReadWorkflowInstanceForUpdate(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if !allowed(inst.Status) {
		return inst, fmt.Errorf("%w: instance %d is %s, cannot become %s", ErrInvalidState, inst.ID, inst.Status, to)
	}
	return e.setStatus(ctx, inst, to)
}

func (e *Engine) end(ctx context.Context, inst types.WorkflowInstance) (types.WorkflowInstance, error) {
	return e.setStatus(ctx, inst, types.StatusEnded)
}

func (e *Engine) setStatus(ctx context.Context, inst types.WorkflowInstance, to types.WorkflowStatus) (types.WorkflowInstance, error) {
	from := inst.Status
	inst.Status = to
	if err := e.store.UpdateWorkflowInstance(ctx, inst); err != nil {
		inst.Status = from
		return inst, err
	}
	e.logger.Info("workflow instance state changed",
		zap.Uint64("instance_id", inst.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	e.publishEvent(ctx, events.StateChanged, inst.ID, map[string]interface{}{
		"from":                string(from),
		"to":                  string(to),
		"current_activity_id": inst.CurrentActivityID,
	})
	return inst, nil
}

// Queries

func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	return e.store.ReadWorkflowInstance(ctx, instanceID)
}

// FindActiveInstances returns the started and paused instances of a definition.
func (e *Engine) FindActiveInstances(ctx context.Context, workflowDefinitionID uint64) ([]types.WorkflowInstance, error) {
	return e.store.FindActiveWorkflowInstances(ctx, workflowDefinitionID)
}

func (e *Engine) FindActiveInstanceByItemID(ctx context.Context, workflowDefinitionID, itemID uint64) (types.WorkflowInstance, error) {
	return e.store.FindActiveWorkflowInstanceByItemID(ctx, workflowDefinitionID, itemID)
}

// Activities returns every activity of the instance, oldest first.
func (e *Engine) Activities(ctx context.Context, instanceID uint64) ([]types.Activity, error) {
	return e.store.FindActivitiesByInstanceID(ctx, instanceID)
}

// CurrentActivities returns the activities of the current step.
func (e *Engine) CurrentActivities(ctx context.Context, instanceID uint64) ([]types.Activity, error) {
	inst, err := e.store.ReadWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.CurrentActivityID == 0 {
		return nil, nil
	}
	current, err := e.store.ReadActivity(ctx, inst.CurrentActivityID)
	if err != nil {
		return nil, err
	}
	all, err := e.store.FindActivitiesByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var out []types.Activity
	for _, a := range all {
		if a.ActivityDefinitionID == current.ActivityDefinitionID && a.Round == inst.Round {
			out = append(out, a)
		}
	}
	return out, nil
}

func (e *Engine) Decisions(ctx context.Context, instanceID uint64) ([]types.Decision, error) {
	return e.store.FindDecisionsByInstanceID(ctx, instanceID)
}
