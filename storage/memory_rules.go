package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-workflow/types"
)

// MemoryRuleStore is an in-memory implementation of RuleStore.
type MemoryRuleStore struct {
	rules      map[uint64]types.RuleDefinition // headers, conditions live in conditions
	conditions map[uint64]types.RuleConditionDefinition
	selectors  map[uint64]types.SelectorDefinition
	filters    map[uint64]types.RuleFilterDefinition
	constants  map[uint64]types.RuleConstants
	ids        *idAllocator
	mu         sync.RWMutex
}

// MemoryRuleOption configures a MemoryRuleStore.
type MemoryRuleOption func(*MemoryRuleStore)

// WithRuleIDGenerator makes every entity kind draw ids from g.
func WithRuleIDGenerator(g generator.Generator) MemoryRuleOption {
	return func(s *MemoryRuleStore) {
		s.ids = newIDAllocator(g)
	}
}

// NewMemoryRuleStore creates an empty MemoryRuleStore.
func NewMemoryRuleStore(opts ...MemoryRuleOption) *MemoryRuleStore {
	s := &MemoryRuleStore{
		rules:      make(map[uint64]types.RuleDefinition),
		conditions: make(map[uint64]types.RuleConditionDefinition),
		selectors:  make(map[uint64]types.SelectorDefinition),
		filters:    make(map[uint64]types.RuleFilterDefinition),
		constants:  make(map[uint64]types.RuleConstants),
		ids:        newIDAllocator(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRule stores a rule and its conditions.
func (s *MemoryRuleStore) CreateRule(ctx context.Context, rule *types.RuleDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		id, err := s.ids.next(KindRule)
		if err != nil {
			return err
		}
		rule.ID = id
		for i := range rule.Conditions {
			cid, err := s.ids.next(KindCondition)
			if err != nil {
				return err
			}
			rule.Conditions[i].ID = cid
			rule.Conditions[i].RuleID = id
			s.conditions[cid] = rule.Conditions[i]
		}
		header := *rule
		header.Conditions = nil
		s.rules[id] = header
		return nil
	})
}

// ReadRule returns a rule with its conditions.
func (s *MemoryRuleStore) ReadRule(ctx context.Context, id uint64) (types.RuleDefinition, error) {
	return withContext(ctx, func() (types.RuleDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rule, ok := s.rules[id]
		if !ok {
			return types.RuleDefinition{}, fmt.Errorf("%w: id=%d", ErrRuleNotFound, id)
		}
		rule.Conditions = s.conditionsOf(id)
		return rule, nil
	})
}

// UpdateRule replaces the rule header, moving it to another item if ItemID changed.
func (s *MemoryRuleStore) UpdateRule(ctx context.Context, rule types.RuleDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.rules[rule.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, rule.ID)
		}
		rule.Conditions = nil
		s.rules[rule.ID] = rule
		return nil
	})
}

// RemoveRule deletes a rule and its conditions.
func (s *MemoryRuleStore) RemoveRule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.rules[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, id)
		}
		s.removeRule(id)
		return nil
	})
}

// RemoveRules deletes every listed rule. Unknown ids are ignored.
func (s *MemoryRuleStore) RemoveRules(ctx context.Context, ids []uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range ids {
			s.removeRule(id)
		}
		return nil
	})
}

func (s *MemoryRuleStore) removeRule(id uint64) {
	delete(s.rules, id)
	for cid, c := range s.conditions {
		if c.RuleID == id {
			delete(s.conditions, cid)
		}
	}
}

// FindRulesByItemID returns the rules owned by itemID ordered by id.
func (s *MemoryRuleStore) FindRulesByItemID(ctx context.Context, itemID uint64) ([]types.RuleDefinition, error) {
	return withContext(ctx, func() ([]types.RuleDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.RuleDefinition
		for _, r := range s.rules {
			if r.ItemID == itemID {
				r.Conditions = s.conditionsOf(r.ID)
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// FindItemIDsByCriteria returns the ids of items owning a rule matching every criterion.
func (s *MemoryRuleStore) FindItemIDsByCriteria(ctx context.Context, criteria map[string]string) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		seen := make(map[uint64]bool)
		for _, r := range s.rules {
			if !seen[r.ItemID] && ruleMatchesCriteria(s.conditionsOf(r.ID), criteria) {
				seen[r.ItemID] = true
			}
		}
		return sortedKeys(seen), nil
	})
}

func ruleMatchesCriteria(conds []types.RuleConditionDefinition, criteria map[string]string) bool {
	for field, value := range criteria {
		found := false
		for _, c := range conds {
			if c.Field == field && c.Value == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryRuleStore) conditionsOf(ruleID uint64) []types.RuleConditionDefinition {
	var out []types.RuleConditionDefinition
	for _, c := range s.conditions {
		if c.RuleID == ruleID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateCondition attaches a condition to an existing rule.
func (s *MemoryRuleStore) CreateCondition(ctx context.Context, cond *types.RuleConditionDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.rules[cond.RuleID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, cond.RuleID)
		}
		id, err := s.ids.next(KindCondition)
		if err != nil {
			return err
		}
		cond.ID = id
		s.conditions[id] = *cond
		return nil
	})
}

func (s *MemoryRuleStore) ReadCondition(ctx context.Context, id uint64) (types.RuleConditionDefinition, error) {
	return withContext(ctx, func() (types.RuleConditionDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return lookup(s.conditions, id, ErrConditionNotFound)
	})
}

func (s *MemoryRuleStore) UpdateCondition(ctx context.Context, cond types.RuleConditionDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.conditions[cond.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrConditionNotFound, cond.ID)
		}
		if _, ok := s.rules[cond.RuleID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrRuleNotFound, cond.RuleID)
		}
		s.conditions[cond.ID] = cond
		return nil
	})
}

func (s *MemoryRuleStore) RemoveCondition(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.conditions[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrConditionNotFound, id)
		}
		delete(s.conditions, id)
		return nil
	})
}

func (s *MemoryRuleStore) FindConditionsByRuleID(ctx context.Context, ruleID uint64) ([]types.RuleConditionDefinition, error) {
	return withContext(ctx, func() ([]types.RuleConditionDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.conditionsOf(ruleID), nil
	})
}

// CreateSelector stores a selector and its filters.
func (s *MemoryRuleStore) CreateSelector(ctx context.Context, sel *types.SelectorDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		id, err := s.ids.next(KindSelector)
		if err != nil {
			return err
		}
		sel.ID = id
		for i := range sel.Filters {
			fid, err := s.ids.next(KindFilter)
			if err != nil {
				return err
			}
			sel.Filters[i].ID = fid
			sel.Filters[i].SelectorID = id
			s.filters[fid] = sel.Filters[i]
		}
		header := *sel
		header.Filters = nil
		s.selectors[id] = header
		return nil
	})
}

func (s *MemoryRuleStore) ReadSelector(ctx context.Context, id uint64) (types.SelectorDefinition, error) {
	return withContext(ctx, func() (types.SelectorDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		sel, ok := s.selectors[id]
		if !ok {
			return types.SelectorDefinition{}, fmt.Errorf("%w: id=%d", ErrSelectorNotFound, id)
		}
		sel.Filters = s.filtersOf(id)
		return sel, nil
	})
}

func (s *MemoryRuleStore) UpdateSelector(ctx context.Context, sel types.SelectorDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.selectors[sel.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrSelectorNotFound, sel.ID)
		}
		sel.Filters = nil
		s.selectors[sel.ID] = sel
		return nil
	})
}

func (s *MemoryRuleStore) RemoveSelector(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.selectors[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrSelectorNotFound, id)
		}
		s.removeSelector(id)
		return nil
	})
}

// RemoveSelectorsByGroupID deletes every selector designating groupID, with their filters.
func (s *MemoryRuleStore) RemoveSelectorsByGroupID(ctx context.Context, groupID uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, sel := range s.selectors {
			if sel.GroupID == groupID {
				s.removeSelector(id)
			}
		}
		return nil
	})
}

func (s *MemoryRuleStore) removeSelector(id uint64) {
	delete(s.selectors, id)
	for fid, f := range s.filters {
		if f.SelectorID == id {
			delete(s.filters, fid)
		}
	}
}

func (s *MemoryRuleStore) FindSelectorsByItemID(ctx context.Context, itemID uint64) ([]types.SelectorDefinition, error) {
	return withContext(ctx, func() ([]types.SelectorDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.SelectorDefinition
		for _, sel := range s.selectors {
			if sel.ItemID == itemID {
				sel.Filters = s.filtersOf(sel.ID)
				out = append(out, sel)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func (s *MemoryRuleStore) filtersOf(selectorID uint64) []types.RuleFilterDefinition {
	var out []types.RuleFilterDefinition
	for _, f := range s.filters {
		if f.SelectorID == selectorID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryRuleStore) CreateFilter(ctx context.Context, filter *types.RuleFilterDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.selectors[filter.SelectorID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrSelectorNotFound, filter.SelectorID)
		}
		id, err := s.ids.next(KindFilter)
		if err != nil {
			return err
		}
		filter.ID = id
		s.filters[id] = *filter
		return nil
	})
}

func (s *MemoryRuleStore) ReadFilter(ctx context.Context, id uint64) (types.RuleFilterDefinition, error) {
	return withContext(ctx, func() (types.RuleFilterDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return lookup(s.filters, id, ErrFilterNotFound)
	})
}

func (s *MemoryRuleStore) UpdateFilter(ctx context.Context, filter types.RuleFilterDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.filters[filter.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrFilterNotFound, filter.ID)
		}
		if _, ok := s.selectors[filter.SelectorID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrSelectorNotFound, filter.SelectorID)
		}
		s.filters[filter.ID] = filter
		return nil
	})
}

func (s *MemoryRuleStore) RemoveFilter(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.filters[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrFilterNotFound, id)
		}
		delete(s.filters, id)
		return nil
	})
}

func (s *MemoryRuleStore) RemoveFiltersBySelectorID(ctx context.Context, selectorID uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for fid, f := range s.filters {
			if f.SelectorID == selectorID {
				delete(s.filters, fid)
			}
		}
		return nil
	})
}

func (s *MemoryRuleStore) FindFiltersBySelectorID(ctx context.Context, selectorID uint64) ([]types.RuleFilterDefinition, error) {
	return withContext(ctx, func() ([]types.RuleFilterDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.filtersOf(selectorID), nil
	})
}

// SaveConstants replaces the constants of ownerID.
func (s *MemoryRuleStore) SaveConstants(ctx context.Context, ownerID uint64, constants types.RuleConstants) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cp := make(types.RuleConstants, len(constants))
		for k, v := range constants {
			cp[k] = v
		}
		s.constants[ownerID] = cp
		return nil
	})
}

func (s *MemoryRuleStore) ReadConstants(ctx context.Context, ownerID uint64) (types.RuleConstants, error) {
	return withContext(ctx, func() (types.RuleConstants, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make(types.RuleConstants, len(s.constants[ownerID]))
		for k, v := range s.constants[ownerID] {
			out[k] = v
		}
		return out, nil
	})
}

// lookup reads one entity from m; the caller holds the lock.
func lookup[T any](m map[uint64]T, id uint64, errNotFound error) (T, error) {
	item, ok := m[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
	}
	return item, nil
}

func sortedKeys(m map[uint64]bool) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
