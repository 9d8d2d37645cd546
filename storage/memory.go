package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-workflow/types"
)

// MemoryWorkflowStore is an in-memory implementation of WorkflowStore.
//
// A single lock guards every collection, so multi-row operations such as
// level shifting and batched activity creation are never observed half done.
// Structural edits to one store are therefore serialized; the ForUpdate reads
// are plain reads.
type MemoryWorkflowStore struct {
	definitions         map[uint64]types.WorkflowDefinition
	activityDefinitions map[uint64]types.ActivityDefinition
	transitions         map[types.TransitionKey]types.TransitionDefinition
	instances           map[uint64]types.WorkflowInstance
	activities          map[uint64]types.Activity
	decisions           map[uint64]types.Decision
	ids                 *idAllocator
	rules               RuleStore
	mu                  sync.RWMutex
}

// MemoryOption configures a MemoryWorkflowStore.
type MemoryOption func(*MemoryWorkflowStore)

// WithIDGenerator makes every entity kind draw ids from g instead of a
// per-kind sequence.
func WithIDGenerator(g generator.Generator) MemoryOption {
	return func(s *MemoryWorkflowStore) {
		s.ids = newIDAllocator(g)
	}
}

// WithRuleStore attaches the rule store used by the definition scoped rule lookups.
func WithRuleStore(rs RuleStore) MemoryOption {
	return func(s *MemoryWorkflowStore) {
		s.rules = rs
	}
}

// NewMemoryWorkflowStore creates an empty MemoryWorkflowStore.
func NewMemoryWorkflowStore(opts ...MemoryOption) *MemoryWorkflowStore {
	s := &MemoryWorkflowStore{
		definitions:         make(map[uint64]types.WorkflowDefinition),
		activityDefinitions: make(map[uint64]types.ActivityDefinition),
		transitions:         make(map[types.TransitionKey]types.TransitionDefinition),
		instances:           make(map[uint64]types.WorkflowInstance),
		activities:          make(map[uint64]types.Activity),
		decisions:           make(map[uint64]types.Decision),
		ids:                 newIDAllocator(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getItem reads one entity under the read lock.
func getItem[T any](ctx context.Context, s *MemoryWorkflowStore, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return lookup(m, id, errNotFound)
	})
}

// write runs fn under the write lock.
func (s *MemoryWorkflowStore) write(ctx context.Context, fn func() error) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn()
	})
}

// read runs fn under the read lock.
func read[T any](ctx context.Context, s *MemoryWorkflowStore, fn func() (T, error)) (T, error) {
	return withContext(ctx, func() (T, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return fn()
	})
}

// Workflow definitions

func (s *MemoryWorkflowStore) CreateWorkflowDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return s.write(ctx, func() error {
		id, err := s.ids.next(KindWorkflowDefinition)
		if err != nil {
			return err
		}
		def.ID = id
		s.definitions[id] = *def
		return nil
	})
}

func (s *MemoryWorkflowStore) ReadWorkflowDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, s, s.definitions, id, ErrWorkflowDefinitionNotFound)
}

func (s *MemoryWorkflowStore) UpdateWorkflowDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.write(ctx, func() error {
		if _, ok := s.definitions[def.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, def.ID)
		}
		if def.StartActivityID != 0 {
			if err := s.checkOwnedStep(def.ID, def.StartActivityID); err != nil {
				return err
			}
		}
		s.definitions[def.ID] = def
		return nil
	})
}

func (s *MemoryWorkflowStore) DeleteWorkflowDefinition(ctx context.Context, id uint64) error {
	return s.write(ctx, func() error {
		if _, ok := s.definitions[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, id)
		}
		for instID, inst := range s.instances {
			if inst.WorkflowDefinitionID == id {
				s.deleteInstance(instID)
			}
		}
		for adID, ad := range s.activityDefinitions {
			if ad.WorkflowDefinitionID == id {
				s.deleteActivityDefinition(adID)
			}
		}
		delete(s.definitions, id)
		return nil
	})
}

func (s *MemoryWorkflowStore) FindWorkflowDefinitionByName(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return read(ctx, s, func() (types.WorkflowDefinition, error) {
		var found *types.WorkflowDefinition
		for _, def := range s.definitions {
			if def.Name == name && (found == nil || def.ID < found.ID) {
				d := def
				found = &d
			}
		}
		if found == nil {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: name=%q", ErrWorkflowDefinitionNotFound, name)
		}
		return *found, nil
	})
}

// Activity definitions

func (s *MemoryWorkflowStore) CreateActivityDefinition(ctx context.Context, ad *types.ActivityDefinition) error {
	return s.write(ctx, func() error {
		if _, ok := s.definitions[ad.WorkflowDefinitionID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, ad.WorkflowDefinitionID)
		}
		id, err := s.ids.next(KindActivityDefinition)
		if err != nil {
			return err
		}
		ad.ID = id
		s.activityDefinitions[id] = *ad
		return nil
	})
}

func (s *MemoryWorkflowStore) ReadActivityDefinition(ctx context.Context, id uint64) (types.ActivityDefinition, error) {
	return getItem(ctx, s, s.activityDefinitions, id, ErrActivityDefinitionNotFound)
}

func (s *MemoryWorkflowStore) UpdateActivityDefinition(ctx context.Context, ad types.ActivityDefinition) error {
	return s.write(ctx, func() error {
		old, ok := s.activityDefinitions[ad.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrActivityDefinitionNotFound, ad.ID)
		}
		if old.WorkflowDefinitionID != ad.WorkflowDefinitionID {
			return fmt.Errorf("%w: activity definition %d", ErrForeignDefinition, ad.ID)
		}
		s.activityDefinitions[ad.ID] = ad
		return nil
	})
}

func (s *MemoryWorkflowStore) DeleteActivityDefinition(ctx context.Context, id uint64) error {
	return s.write(ctx, func() error {
		if _, ok := s.activityDefinitions[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrActivityDefinitionNotFound, id)
		}
		s.deleteActivityDefinition(id)
		return nil
	})
}

// deleteActivityDefinition removes a step with its transitions and activities.
// A definition starting at the step loses its start pointer.
func (s *MemoryWorkflowStore) deleteActivityDefinition(id uint64) {
	ad := s.activityDefinitions[id]
	for key, t := range s.transitions {
		if t.FromID == id || t.ToID == id {
			delete(s.transitions, key)
		}
	}
	var activityIDs []uint64
	for aid, a := range s.activities {
		if a.ActivityDefinitionID == id {
			activityIDs = append(activityIDs, aid)
		}
	}
	s.deleteActivities(activityIDs)
	if def, ok := s.definitions[ad.WorkflowDefinitionID]; ok && def.StartActivityID == id {
		def.StartActivityID = 0
		s.definitions[def.ID] = def
	}
	delete(s.activityDefinitions, id)
}

func (s *MemoryWorkflowStore) FindActivityDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.ActivityDefinition, error) {
	return read(ctx, s, func() ([]types.ActivityDefinition, error) {
		out := s.stepsOf(workflowDefinitionID)
		sort.Slice(out, func(i, j int) bool {
			if out[i].Level != out[j].Level {
				return out[i].Level < out[j].Level
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

func (s *MemoryWorkflowStore) stepsOf(workflowDefinitionID uint64) []types.ActivityDefinition {
	var out []types.ActivityDefinition
	for _, ad := range s.activityDefinitions {
		if ad.WorkflowDefinitionID == workflowDefinitionID {
			out = append(out, ad)
		}
	}
	return out
}

func (s *MemoryWorkflowStore) checkOwnedStep(workflowDefinitionID, adID uint64) error {
	ad, ok := s.activityDefinitions[adID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrActivityDefinitionNotFound, adID)
	}
	if ad.WorkflowDefinitionID != workflowDefinitionID {
		return fmt.Errorf("%w: activity definition %d", ErrForeignDefinition, adID)
	}
	return nil
}

// Transitions

func (s *MemoryWorkflowStore) CreateTransitionDefinition(ctx context.Context, t *types.TransitionDefinition) error {
	return s.write(ctx, func() error {
		return s.createTransition(t)
	})
}

func (s *MemoryWorkflowStore) createTransition(t *types.TransitionDefinition) error {
	if _, ok := s.transitions[t.Key()]; ok {
		return fmt.Errorf("%w: from=%d name=%q", ErrTransitionExists, t.FromID, t.Name)
	}
	if err := s.checkOwnedStep(t.WorkflowDefinitionID, t.FromID); err != nil {
		return err
	}
	if err := s.checkOwnedStep(t.WorkflowDefinitionID, t.ToID); err != nil {
		return err
	}
	id, err := s.ids.next(KindTransition)
	if err != nil {
		return err
	}
	t.ID = id
	s.transitions[t.Key()] = *t
	return nil
}

func (s *MemoryWorkflowStore) ReadTransitionDefinition(ctx context.Context, key types.TransitionKey) (types.TransitionDefinition, error) {
	return read(ctx, s, func() (types.TransitionDefinition, error) {
		t, ok := s.transitions[key]
		if !ok {
			return types.TransitionDefinition{}, fmt.Errorf("%w: from=%d name=%q", ErrTransitionNotFound, key.FromID, key.Name)
		}
		return t, nil
	})
}

func (s *MemoryWorkflowStore) DeleteTransitionDefinition(ctx context.Context, key types.TransitionKey) error {
	return s.write(ctx, func() error {
		if _, ok := s.transitions[key]; !ok {
			return fmt.Errorf("%w: from=%d name=%q", ErrTransitionNotFound, key.FromID, key.Name)
		}
		delete(s.transitions, key)
		return nil
	})
}

func (s *MemoryWorkflowStore) FindTransitionDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.TransitionDefinition, error) {
	return read(ctx, s, func() ([]types.TransitionDefinition, error) {
		var out []types.TransitionDefinition
		for _, t := range s.transitions {
			if t.WorkflowDefinitionID == workflowDefinitionID {
				out = append(out, t)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// Traversal

func (s *MemoryWorkflowStore) FindNextActivityDefinition(ctx context.Context, fromID uint64, transitionName string) (types.ActivityDefinition, error) {
	return read(ctx, s, func() (types.ActivityDefinition, error) {
		t, ok := s.transitions[types.TransitionKey{FromID: fromID, Name: transitionName}]
		if !ok {
			return types.ActivityDefinition{}, fmt.Errorf("%w: from=%d name=%q", ErrTransitionNotFound, fromID, transitionName)
		}
		return lookup(s.activityDefinitions, t.ToID, ErrActivityDefinitionNotFound)
	})
}

func (s *MemoryWorkflowStore) HasNextActivityDefinition(ctx context.Context, fromID uint64, transitionName string) (bool, error) {
	return read(ctx, s, func() (bool, error) {
		_, ok := s.transitions[types.TransitionKey{FromID: fromID, Name: transitionName}]
		return ok, nil
	})
}

func (s *MemoryWorkflowStore) FindAllDefaultActivityDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.ActivityDefinition, error) {
	return read(ctx, s, func() ([]types.ActivityDefinition, error) {
		return s.defaultChain(workflowDefinitionID)
	})
}

func (s *MemoryWorkflowStore) FindActivityDefinitionByPosition(ctx context.Context, workflowDefinitionID uint64, position int) (types.ActivityDefinition, error) {
	return read(ctx, s, func() (types.ActivityDefinition, error) {
		def, ok := s.definitions[workflowDefinitionID]
		if !ok {
			return types.ActivityDefinition{}, fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, workflowDefinitionID)
		}
		if position < 1 || def.StartActivityID == 0 {
			return types.ActivityDefinition{}, fmt.Errorf("%w: definition=%d position=%d", ErrActivityDefinitionNotFound, workflowDefinitionID, position)
		}
		cur, err := lookup(s.activityDefinitions, def.StartActivityID, ErrActivityDefinitionNotFound)
		if err != nil {
			return types.ActivityDefinition{}, err
		}
		for i := 1; i < position; i++ {
			t, ok := s.transitions[types.TransitionKey{FromID: cur.ID, Name: types.DefaultTransition}]
			if !ok {
				return types.ActivityDefinition{}, fmt.Errorf("%w: definition=%d position=%d", ErrActivityDefinitionNotFound, workflowDefinitionID, position)
			}
			if cur, err = lookup(s.activityDefinitions, t.ToID, ErrActivityDefinitionNotFound); err != nil {
				return types.ActivityDefinition{}, err
			}
		}
		return cur, nil
	})
}

func (s *MemoryWorkflowStore) CountDefaultTransitions(ctx context.Context, workflowDefinitionID uint64) (int, error) {
	return read(ctx, s, func() (int, error) {
		chain, err := s.defaultChain(workflowDefinitionID)
		if err != nil || len(chain) == 0 {
			return 0, err
		}
		return len(chain) - 1, nil
	})
}

// defaultChain walks Default transitions from the start step. The walk is
// bounded by the number of steps of the definition; going further means the
// chain loops.
func (s *MemoryWorkflowStore) defaultChain(workflowDefinitionID uint64) ([]types.ActivityDefinition, error) {
	def, ok := s.definitions[workflowDefinitionID]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, workflowDefinitionID)
	}
	if def.StartActivityID == 0 {
		return nil, nil
	}
	limit := len(s.stepsOf(workflowDefinitionID))
	cur, err := lookup(s.activityDefinitions, def.StartActivityID, ErrActivityDefinitionNotFound)
	if err != nil {
		return nil, err
	}
	chain := []types.ActivityDefinition{cur}
	for {
		t, ok := s.transitions[types.TransitionKey{FromID: cur.ID, Name: types.DefaultTransition}]
		if !ok {
			return chain, nil
		}
		if len(chain) >= limit {
			return nil, fmt.Errorf("%w: definition=%d", ErrDefaultChainCycle, workflowDefinitionID)
		}
		if cur, err = lookup(s.activityDefinitions, t.ToID, ErrActivityDefinitionNotFound); err != nil {
			return nil, err
		}
		chain = append(chain, cur)
	}
}

// Position maintenance

func (s *MemoryWorkflowStore) ShiftLevelAfter(ctx context.Context, workflowDefinitionID uint64, position, shift int) error {
	return s.write(ctx, func() error {
		if position < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidPosition, position)
		}
		s.shiftLevels(workflowDefinitionID, position, -1, shift)
		return nil
	})
}

func (s *MemoryWorkflowStore) ShiftRange(ctx context.Context, workflowDefinitionID uint64, start, end, shift int) error {
	return s.write(ctx, func() error {
		if start < 1 || start > end {
			return fmt.Errorf("%w: range %d..%d", ErrInvalidPosition, start, end)
		}
		s.shiftLevels(workflowDefinitionID, start, end, shift)
		return nil
	})
}

// shiftLevels adds shift to every level in [start, end] of the definition;
// a negative end leaves the range open.
func (s *MemoryWorkflowStore) shiftLevels(workflowDefinitionID uint64, start, end, shift int) {
	for id, ad := range s.activityDefinitions {
		if ad.WorkflowDefinitionID != workflowDefinitionID || ad.Level < start || (end >= 0 && ad.Level > end) {
			continue
		}
		ad.Level += shift
		s.activityDefinitions[id] = ad
	}
}

func (s *MemoryWorkflowStore) InsertActivityDefinitionAt(ctx context.Context, ad *types.ActivityDefinition, position int) error {
	return s.write(ctx, func() error {
		def, ok := s.definitions[ad.WorkflowDefinitionID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, ad.WorkflowDefinitionID)
		}
		chain, err := s.defaultChain(def.ID)
		if err != nil {
			return err
		}
		if position < 1 || position > len(chain)+1 {
			return fmt.Errorf("%w: position=%d steps=%d", ErrInvalidPosition, position, len(chain))
		}
		id, err := s.ids.next(KindActivityDefinition)
		if err != nil {
			return err
		}

		s.shiftLevels(def.ID, position, -1, 1)
		ad.ID = id
		ad.Level = position
		s.activityDefinitions[id] = *ad

		if position > 1 {
			prevKey := types.TransitionKey{FromID: chain[position-2].ID, Name: types.DefaultTransition}
			if t, ok := s.transitions[prevKey]; ok {
				t.ToID = id
				s.transitions[prevKey] = t
			} else if err := s.createTransition(&types.TransitionDefinition{
				WorkflowDefinitionID: def.ID,
				Name:                 types.DefaultTransition,
				FromID:               prevKey.FromID,
				ToID:                 id,
			}); err != nil {
				return err
			}
		} else {
			def.StartActivityID = id
			s.definitions[def.ID] = def
		}
		if position <= len(chain) {
			return s.createTransition(&types.TransitionDefinition{
				WorkflowDefinitionID: def.ID,
				Name:                 types.DefaultTransition,
				FromID:               id,
				ToID:                 chain[position-1].ID,
			})
		}
		return nil
	})
}

func (s *MemoryWorkflowStore) RemoveActivityDefinitionAt(ctx context.Context, workflowDefinitionID uint64, position int) (types.ActivityDefinition, error) {
	var removed types.ActivityDefinition
	err := s.write(ctx, func() error {
		chain, err := s.defaultChain(workflowDefinitionID)
		if err != nil {
			return err
		}
		if position < 1 || position > len(chain) {
			return fmt.Errorf("%w: position=%d steps=%d", ErrInvalidPosition, position, len(chain))
		}
		removed = chain[position-1]
		var next *types.ActivityDefinition
		if position < len(chain) {
			next = &chain[position]
		}

		if position > 1 {
			prevKey := types.TransitionKey{FromID: chain[position-2].ID, Name: types.DefaultTransition}
			if next != nil {
				t := s.transitions[prevKey]
				t.ToID = next.ID
				s.transitions[prevKey] = t
			} else {
				delete(s.transitions, prevKey)
			}
		}
		s.deleteActivityDefinition(removed.ID)
		if position == 1 && next != nil {
			def := s.definitions[workflowDefinitionID]
			def.StartActivityID = next.ID
			s.definitions[def.ID] = def
		}
		s.shiftLevels(workflowDefinitionID, position+1, -1, -1)
		return nil
	})
	return removed, err
}

// Instances

func (s *MemoryWorkflowStore) CreateWorkflowInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	return s.write(ctx, func() error {
		if _, ok := s.definitions[inst.WorkflowDefinitionID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, inst.WorkflowDefinitionID)
		}
		id, err := s.ids.next(KindInstance)
		if err != nil {
			return err
		}
		inst.ID = id
		s.instances[id] = *inst
		return nil
	})
}

func (s *MemoryWorkflowStore) ReadWorkflowInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, s, s.instances, id, ErrInstanceNotFound)
}

func (s *MemoryWorkflowStore) ReadWorkflowInstanceForUpdate(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return s.ReadWorkflowInstance(ctx, id)
}

func (s *MemoryWorkflowStore) UpdateWorkflowInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return s.write(ctx, func() error {
		if _, ok := s.instances[inst.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		s.instances[inst.ID] = inst
		return nil
	})
}

func (s *MemoryWorkflowStore) DeleteWorkflowInstance(ctx context.Context, id uint64) error {
	return s.write(ctx, func() error {
		if _, ok := s.instances[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		s.deleteInstance(id)
		return nil
	})
}

func (s *MemoryWorkflowStore) deleteInstance(id uint64) {
	var activityIDs []uint64
	for aid, a := range s.activities {
		if a.WorkflowInstanceID == id {
			activityIDs = append(activityIDs, aid)
		}
	}
	s.deleteActivities(activityIDs)
	delete(s.instances, id)
}

func (s *MemoryWorkflowStore) FindActiveWorkflowInstances(ctx context.Context, workflowDefinitionID uint64) ([]types.WorkflowInstance, error) {
	return read(ctx, s, func() ([]types.WorkflowInstance, error) {
		return s.filterInstances(func(inst types.WorkflowInstance) bool {
			return inst.WorkflowDefinitionID == workflowDefinitionID && inst.Status.Active()
		}), nil
	})
}

func (s *MemoryWorkflowStore) FindActiveWorkflowInstanceByItemID(ctx context.Context, workflowDefinitionID, itemID uint64) (types.WorkflowInstance, error) {
	return read(ctx, s, func() (types.WorkflowInstance, error) {
		found := s.filterInstances(func(inst types.WorkflowInstance) bool {
			return inst.WorkflowDefinitionID == workflowDefinitionID && inst.ItemID == itemID && inst.Status.Active()
		})
		if len(found) == 0 {
			return types.WorkflowInstance{}, fmt.Errorf("%w: definition=%d item=%d", ErrInstanceNotFound, workflowDefinitionID, itemID)
		}
		return found[0], nil
	})
}

func (s *MemoryWorkflowStore) FindWorkflowInstancesByItemID(ctx context.Context, itemID uint64) ([]types.WorkflowInstance, error) {
	return read(ctx, s, func() ([]types.WorkflowInstance, error) {
		return s.filterInstances(func(inst types.WorkflowInstance) bool { return inst.ItemID == itemID }), nil
	})
}

func (s *MemoryWorkflowStore) filterInstances(keep func(types.WorkflowInstance) bool) []types.WorkflowInstance {
	var out []types.WorkflowInstance
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activities

func (s *MemoryWorkflowStore) CreateActivity(ctx context.Context, a *types.Activity) error {
	return s.write(ctx, func() error {
		return s.createActivity(a)
	})
}

func (s *MemoryWorkflowStore) createActivity(a *types.Activity) error {
	inst, ok := s.instances[a.WorkflowInstanceID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, a.WorkflowInstanceID)
	}
	if err := s.checkOwnedStep(inst.WorkflowDefinitionID, a.ActivityDefinitionID); err != nil {
		return err
	}
	id, err := s.ids.next(KindActivity)
	if err != nil {
		return err
	}
	a.ID = id
	s.activities[id] = *a
	return nil
}

func (s *MemoryWorkflowStore) ReadActivity(ctx context.Context, id uint64) (types.Activity, error) {
	return getItem(ctx, s, s.activities, id, ErrActivityNotFound)
}

func (s *MemoryWorkflowStore) ReadActivityForUpdate(ctx context.Context, id uint64) (types.Activity, error) {
	return s.ReadActivity(ctx, id)
}

func (s *MemoryWorkflowStore) FindActivitiesByInstanceID(ctx context.Context, instanceID uint64) ([]types.Activity, error) {
	return read(ctx, s, func() ([]types.Activity, error) {
		var out []types.Activity
		for _, a := range s.activities {
			if a.WorkflowInstanceID == instanceID {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func (s *MemoryWorkflowStore) UpdateActivitiesIsAuto(ctx context.Context, ids []uint64, isAuto bool) error {
	return s.write(ctx, func() error {
		for _, id := range ids {
			if _, ok := s.activities[id]; !ok {
				return fmt.Errorf("%w: id=%d", ErrActivityNotFound, id)
			}
		}
		for _, id := range ids {
			a := s.activities[id]
			a.IsAuto = isAuto
			s.activities[id] = a
		}
		return nil
	})
}

func (s *MemoryWorkflowStore) DeleteActivities(ctx context.Context, ids []uint64) error {
	return s.write(ctx, func() error {
		s.deleteActivities(ids)
		return nil
	})
}

// deleteActivities removes activities with their decisions and clears any
// current-activity pointer left dangling.
func (s *MemoryWorkflowStore) deleteActivities(ids []uint64) {
	gone := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
		delete(s.activities, id)
	}
	for did, d := range s.decisions {
		if gone[d.ActivityID] {
			delete(s.decisions, did)
		}
	}
	for iid, inst := range s.instances {
		if gone[inst.CurrentActivityID] {
			inst.CurrentActivityID = 0
			s.instances[iid] = inst
		}
	}
}

func (s *MemoryWorkflowStore) CreateActivitiesAndUpdateCurrentActivities(ctx context.Context, batches []ActivityBatch) error {
	return s.write(ctx, func() error {
		for _, b := range batches {
			if len(b.Activities) == 0 {
				return fmt.Errorf("%w: instance=%d", ErrEmptyBatch, b.Instance.ID)
			}
			if err := s.checkBatch(b.Instance, b.Activities); err != nil {
				return err
			}
		}
		for _, b := range batches {
			for _, a := range b.Activities {
				if err := s.createActivity(a); err != nil {
					return err
				}
			}
			b.Instance.CurrentActivityID = b.Activities[0].ID
			s.instances[b.Instance.ID] = *b.Instance
		}
		return nil
	})
}

func (s *MemoryWorkflowStore) CreateActivityDecisionBatch(ctx context.Context, inst *types.WorkflowInstance, pairs []ActivityDecision) error {
	return s.write(ctx, func() error {
		if len(pairs) == 0 {
			return ErrEmptyBatch
		}
		activities := make([]*types.Activity, len(pairs))
		for i, p := range pairs {
			activities[i] = p.Activity
		}
		if inst != nil {
			if err := s.checkBatch(inst, activities); err != nil {
				return err
			}
		} else {
			for _, a := range activities {
				if err := s.checkActivity(a); err != nil {
					return err
				}
			}
		}
		for _, p := range pairs {
			if err := s.createActivity(p.Activity); err != nil {
				return err
			}
			p.Decision.ActivityID = p.Activity.ID
			if err := s.createDecision(p.Decision); err != nil {
				return err
			}
		}
		if inst != nil {
			inst.CurrentActivityID = pairs[0].Activity.ID
			s.instances[inst.ID] = *inst
		}
		return nil
	})
}

// checkBatch validates a batch before anything is written so a failure leaves no trace.
func (s *MemoryWorkflowStore) checkBatch(inst *types.WorkflowInstance, activities []*types.Activity) error {
	if _, ok := s.instances[inst.ID]; !ok {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
	}
	for _, a := range activities {
		if a.WorkflowInstanceID != inst.ID {
			return fmt.Errorf("%w: activity for instance %d in batch of instance %d", ErrForeignDefinition, a.WorkflowInstanceID, inst.ID)
		}
		if err := s.checkActivity(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryWorkflowStore) checkActivity(a *types.Activity) error {
	inst, ok := s.instances[a.WorkflowInstanceID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, a.WorkflowInstanceID)
	}
	return s.checkOwnedStep(inst.WorkflowDefinitionID, a.ActivityDefinitionID)
}

// Decisions

func (s *MemoryWorkflowStore) CreateDecision(ctx context.Context, d *types.Decision) error {
	return s.write(ctx, func() error {
		return s.createDecision(d)
	})
}

func (s *MemoryWorkflowStore) createDecision(d *types.Decision) error {
	if _, ok := s.activities[d.ActivityID]; !ok {
		return fmt.Errorf("%w: id=%d", ErrActivityNotFound, d.ActivityID)
	}
	id, err := s.ids.next(KindDecision)
	if err != nil {
		return err
	}
	d.ID = id
	s.decisions[id] = *d
	return nil
}

func (s *MemoryWorkflowStore) ReadDecision(ctx context.Context, id uint64) (types.Decision, error) {
	return getItem(ctx, s, s.decisions, id, ErrDecisionNotFound)
}

func (s *MemoryWorkflowStore) UpdateDecision(ctx context.Context, d types.Decision) error {
	return s.write(ctx, func() error {
		if _, ok := s.decisions[d.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrDecisionNotFound, d.ID)
		}
		if _, ok := s.activities[d.ActivityID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrActivityNotFound, d.ActivityID)
		}
		s.decisions[d.ID] = d
		return nil
	})
}

func (s *MemoryWorkflowStore) DeleteDecision(ctx context.Context, id uint64) error {
	return s.write(ctx, func() error {
		if _, ok := s.decisions[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrDecisionNotFound, id)
		}
		delete(s.decisions, id)
		return nil
	})
}

func (s *MemoryWorkflowStore) FindDecisionsByActivityID(ctx context.Context, activityID uint64) ([]types.Decision, error) {
	return read(ctx, s, func() ([]types.Decision, error) {
		return s.filterDecisions(func(d types.Decision) bool { return d.ActivityID == activityID }), nil
	})
}

func (s *MemoryWorkflowStore) FindDecisionsByInstanceID(ctx context.Context, instanceID uint64) ([]types.Decision, error) {
	return read(ctx, s, func() ([]types.Decision, error) {
		return s.filterDecisions(func(d types.Decision) bool {
			return s.activities[d.ActivityID].WorkflowInstanceID == instanceID
		}), nil
	})
}

func (s *MemoryWorkflowStore) filterDecisions(keep func(types.Decision) bool) []types.Decision {
	var out []types.Decision
	for _, d := range s.decisions {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Definition scoped rule access

func (s *MemoryWorkflowStore) FindRulesByWorkflowDefinition(ctx context.Context, workflowDefinitionID uint64) (map[uint64][]types.RuleDefinition, error) {
	return collectByStep(ctx, s, workflowDefinitionID, func(rs RuleStore, adID uint64) ([]types.RuleDefinition, error) {
		return rs.FindRulesByItemID(ctx, adID)
	})
}

func (s *MemoryWorkflowStore) FindSelectorsByWorkflowDefinition(ctx context.Context, workflowDefinitionID uint64) (map[uint64][]types.SelectorDefinition, error) {
	return collectByStep(ctx, s, workflowDefinitionID, func(rs RuleStore, adID uint64) ([]types.SelectorDefinition, error) {
		return rs.FindSelectorsByItemID(ctx, adID)
	})
}

func (s *MemoryWorkflowStore) FindDecisionsByWorkflowDefinition(ctx context.Context, workflowDefinitionID uint64) ([]types.Decision, error) {
	return read(ctx, s, func() ([]types.Decision, error) {
		if _, ok := s.definitions[workflowDefinitionID]; !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, workflowDefinitionID)
		}
		return s.filterDecisions(func(d types.Decision) bool {
			a := s.activities[d.ActivityID]
			return s.instances[a.WorkflowInstanceID].WorkflowDefinitionID == workflowDefinitionID
		}), nil
	})
}

// collectByStep queries the rule store for every step of a definition. The
// step list is read under the lock; the rule store is queried after releasing it.
func collectByStep[T any](ctx context.Context, s *MemoryWorkflowStore, workflowDefinitionID uint64, find func(RuleStore, uint64) ([]T, error)) (map[uint64][]T, error) {
	if s.rules == nil {
		return nil, ErrNoRuleStore
	}
	steps, err := read(ctx, s, func() ([]types.ActivityDefinition, error) {
		if _, ok := s.definitions[workflowDefinitionID]; !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrWorkflowDefinitionNotFound, workflowDefinitionID)
		}
		return s.stepsOf(workflowDefinitionID), nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[uint64][]T, len(steps))
	for _, ad := range steps {
		found, err := find(s.rules, ad.ID)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			out[ad.ID] = found
		}
	}
	return out, nil
}
