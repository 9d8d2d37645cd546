package types

// RuleDefinition is a named AND-group of conditions owned by an item.
type RuleDefinition struct {
	ID           uint64                    `json:"id"`
	ItemID       uint64                    `json:"item_id"`
	SecondaryKey string                    `json:"secondary_key,omitempty"`
	Name         string                    `json:"name"`
	Conditions   []RuleConditionDefinition `json:"conditions,omitempty"`
}

// RuleConditionDefinition compares one field of the evaluated object with a literal.
type RuleConditionDefinition struct {
	ID       uint64 `json:"id"`
	RuleID   uint64 `json:"rule_id"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// SelectorDefinition designates an account group as eligible actors for an
// item when all of its filters hold.
type SelectorDefinition struct {
	ID      uint64                 `json:"id"`
	ItemID  uint64                 `json:"item_id"`
	GroupID uint64                 `json:"group_id"`
	Name    string                 `json:"name"`
	Filters []RuleFilterDefinition `json:"filters,omitempty"`
}

// RuleFilterDefinition is the selector analogue of a rule condition.
type RuleFilterDefinition struct {
	ID         uint64 `json:"id"`
	SelectorID uint64 `json:"selector_id"`
	Field      string `json:"field"`
	Operator   string `json:"operator"`
	Value      string `json:"value"`
}

// RuleConstants are owner-scoped named values injected into a rule context.
type RuleConstants map[string]string
