package rules

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/types"
)

// ErrNoAccountStore is returned when selectors must be resolved without an account store.
var ErrNoAccountStore = errors.New("no account store configured")

// Manager evaluates rules and selectors stored in a RuleStore and validates
// rule definitions before they are written.
type Manager struct {
	store     storage.RuleStore
	accounts  storage.AccountStore
	evaluator Evaluator
	logger    *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for evaluation diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEvaluator replaces the expression evaluator used by expr conditions.
func WithEvaluator(evaluator Evaluator) Option {
	return func(m *Manager) {
		if evaluator != nil {
			m.evaluator = evaluator
		}
	}
}

// NewManager creates a Manager over store. accounts may be nil when no
// selector is ever resolved.
func NewManager(store storage.RuleStore, accounts storage.AccountStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("rule store is required")
	}
	m := &Manager{
		store:     store,
		accounts:  accounts,
		evaluator: NewExprEvaluator(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store returns the underlying rule store.
func (m *Manager) Store() storage.RuleStore {
	return m.store
}

// NewContext builds the evaluation context of bag with the constants owned by ownerID.
func (m *Manager) NewContext(ctx context.Context, ownerID uint64, bag PropertyBag) (*Context, error) {
	constants, err := m.store.ReadConstants(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return NewContext(bag, constants)
}

// IsConditionSatisfied applies cond to rc. A field absent from rc never satisfies.
func (m *Manager) IsConditionSatisfied(cond types.RuleConditionDefinition, rc *Context) bool {
	return m.leafSatisfied(cond.Field, cond.Operator, cond.Value, rc)
}

// IsRuleSatisfied reports whether every condition of rule holds. A rule
// without conditions is not satisfied.
func (m *Manager) IsRuleSatisfied(rule types.RuleDefinition, rc *Context) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		if !m.IsConditionSatisfied(cond, rc) {
			return false
		}
	}
	return true
}

// IsItemValid reports whether at least one rule owned by itemID is satisfied.
func (m *Manager) IsItemValid(ctx context.Context, itemID uint64, rc *Context) (bool, error) {
	rules, err := m.store.FindRulesByItemID(ctx, itemID)
	if err != nil {
		return false, err
	}
	return m.IsItemValidWith(rules, rc), nil
}

// IsItemValidWith is IsItemValid over rules the caller already loaded.
func (m *Manager) IsItemValidWith(rules []types.RuleDefinition, rc *Context) bool {
	for _, rule := range rules {
		if m.IsRuleSatisfied(rule, rc) {
			return true
		}
	}
	return false
}

// ValidateItems evaluates a batch of rules grouped by owning item.
func (m *Manager) ValidateItems(batch map[uint64][]types.RuleDefinition, rc *Context) map[uint64]bool {
	out := make(map[uint64]bool, len(batch))
	for itemID, rules := range batch {
		out[itemID] = m.IsItemValidWith(rules, rc)
	}
	return out
}

func (m *Manager) leafSatisfied(field, op, value string, rc *Context) bool {
	op = NormalizeOperator(op)
	if op != OpExpr {
		v, ok := rc.TryGet(field)
		if !ok {
			return false
		}
		return compare(op, v, value)
	}

	env := rc.Env()
	if field != "" {
		v, ok := rc.TryGet(field)
		if !ok {
			return false
		}
		env[ExprValueName] = v
	}
	ok, err := m.evaluator.Evaluate(value, env)
	if err != nil {
		m.logger.Debug("expression condition not satisfied",
			zap.String("field", field),
			zap.String("expression", value),
			zap.Error(err))
		return false
	}
	return ok
}

// ValidateCondition rejects unknown operators, missing fields and
// expressions that do not compile.
func (m *Manager) ValidateCondition(field, op, value string) error {
	op = NormalizeOperator(op)
	if !knownOperators[op] {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	if op == OpExpr {
		if err := m.evaluator.Compile(value); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, value, err)
		}
		return nil
	}
	if field == "" {
		return ErrMissingField
	}
	return nil
}

// CreateRule validates and stores rule with its conditions.
func (m *Manager) CreateRule(ctx context.Context, rule *types.RuleDefinition) error {
	for _, c := range rule.Conditions {
		if err := m.ValidateCondition(c.Field, c.Operator, c.Value); err != nil {
			return err
		}
	}
	return m.store.CreateRule(ctx, rule)
}

// UpdateRule updates the rule header; changing ItemID moves the rule to another item.
func (m *Manager) UpdateRule(ctx context.Context, rule types.RuleDefinition) error {
	return m.store.UpdateRule(ctx, rule)
}

func (m *Manager) RemoveRule(ctx context.Context, id uint64) error {
	return m.store.RemoveRule(ctx, id)
}

func (m *Manager) RemoveRules(ctx context.Context, ids []uint64) error {
	return m.store.RemoveRules(ctx, ids)
}

// AddCondition validates cond and attaches it to its rule.
func (m *Manager) AddCondition(ctx context.Context, cond *types.RuleConditionDefinition) error {
	if err := m.ValidateCondition(cond.Field, cond.Operator, cond.Value); err != nil {
		return err
	}
	return m.store.CreateCondition(ctx, cond)
}

func (m *Manager) UpdateCondition(ctx context.Context, cond types.RuleConditionDefinition) error {
	if err := m.ValidateCondition(cond.Field, cond.Operator, cond.Value); err != nil {
		return err
	}
	return m.store.UpdateCondition(ctx, cond)
}

func (m *Manager) RemoveCondition(ctx context.Context, id uint64) error {
	return m.store.RemoveCondition(ctx, id)
}

func (m *Manager) FindRulesForItem(ctx context.Context, itemID uint64) ([]types.RuleDefinition, error) {
	return m.store.FindRulesByItemID(ctx, itemID)
}

// FindItems returns the ids of items owning a rule with a condition per criteria entry.
func (m *Manager) FindItems(ctx context.Context, criteria map[string]string) ([]uint64, error) {
	return m.store.FindItemIDsByCriteria(ctx, criteria)
}

// CreateSelector validates and stores sel with its filters.
func (m *Manager) CreateSelector(ctx context.Context, sel *types.SelectorDefinition) error {
	for _, f := range sel.Filters {
		if err := m.ValidateCondition(f.Field, f.Operator, f.Value); err != nil {
			return err
		}
	}
	return m.store.CreateSelector(ctx, sel)
}

func (m *Manager) UpdateSelector(ctx context.Context, sel types.SelectorDefinition) error {
	return m.store.UpdateSelector(ctx, sel)
}

func (m *Manager) RemoveSelector(ctx context.Context, id uint64) error {
	return m.store.RemoveSelector(ctx, id)
}

// RemoveSelectorsByGroup drops every selector designating groupID.
func (m *Manager) RemoveSelectorsByGroup(ctx context.Context, groupID uint64) error {
	return m.store.RemoveSelectorsByGroupID(ctx, groupID)
}

func (m *Manager) AddFilter(ctx context.Context, filter *types.RuleFilterDefinition) error {
	if err := m.ValidateCondition(filter.Field, filter.Operator, filter.Value); err != nil {
		return err
	}
	return m.store.CreateFilter(ctx, filter)
}

func (m *Manager) RemoveFilter(ctx context.Context, id uint64) error {
	return m.store.RemoveFilter(ctx, id)
}

func (m *Manager) FindSelectorsForItem(ctx context.Context, itemID uint64) ([]types.SelectorDefinition, error) {
	return m.store.FindSelectorsByItemID(ctx, itemID)
}

// SetConstants replaces the constants owned by ownerID.
func (m *Manager) SetConstants(ctx context.Context, ownerID uint64, constants types.RuleConstants) error {
	return m.store.SaveConstants(ctx, ownerID, constants)
}

func (m *Manager) Constants(ctx context.Context, ownerID uint64) (types.RuleConstants, error) {
	return m.store.ReadConstants(ctx, ownerID)
}
