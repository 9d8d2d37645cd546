package types

import "time"

// DefaultTransition is the reserved transition name marking the canonical path
// through a workflow definition.
const DefaultTransition = "Default"

// Multiplicity tells how many decisions a step needs before it is complete.
type Multiplicity string

const (
	// MultiplicitySingle completes a step on the first recorded decision.
	MultiplicitySingle Multiplicity = "single"
	// MultiplicityMultiple completes a step once every assigned actor has decided.
	MultiplicityMultiple Multiplicity = "multiple"
)

// Valid reports whether m is a known multiplicity.
func (m Multiplicity) Valid() bool {
	return m == MultiplicitySingle || m == MultiplicityMultiple
}

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	StatusStarted WorkflowStatus = "started"
	StatusPaused  WorkflowStatus = "paused"
	StatusEnded   WorkflowStatus = "ended"
)

// Active reports whether an instance in this status can still be resumed or decided on.
func (s WorkflowStatus) Active() bool {
	return s == StatusStarted || s == StatusPaused
}

// WorkflowDefinition is the versionable template of an approval process.
type WorkflowDefinition struct {
	ID              uint64    `json:"id"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	StartActivityID uint64    `json:"start_activity_id"` // 0 until a first step is attached
}

// ActivityDefinition is a step of a workflow definition.
type ActivityDefinition struct {
	ID                   uint64       `json:"id"`
	WorkflowDefinitionID uint64       `json:"workflow_definition_id"`
	Name                 string       `json:"name"`
	Level                int          `json:"level"` // 1-based position on the Default chain
	Multiplicity         Multiplicity `json:"multiplicity"`
}

// TransitionKey identifies a transition: a step has at most one outgoing
// transition per name.
type TransitionKey struct {
	FromID uint64 `json:"from_id"`
	Name   string `json:"name"`
}

// TransitionDefinition is a named edge between two activity definitions.
type TransitionDefinition struct {
	ID                   uint64 `json:"id"`
	WorkflowDefinitionID uint64 `json:"workflow_definition_id"`
	Name                 string `json:"name"`
	FromID               uint64 `json:"from_id"`
	ToID                 uint64 `json:"to_id"`
}

// Key returns the composite key of the transition.
func (t TransitionDefinition) Key() TransitionKey {
	return TransitionKey{FromID: t.FromID, Name: t.Name}
}

// IsDefault reports whether the transition belongs to the canonical path.
func (t TransitionDefinition) IsDefault() bool {
	return t.Name == DefaultTransition
}

// WorkflowInstance is a running execution of a workflow definition for one business item.
type WorkflowInstance struct {
	ID                   uint64         `json:"id"`
	WorkflowDefinitionID uint64         `json:"workflow_definition_id"`
	ItemID               uint64         `json:"item_id"`
	CreatedAt            time.Time      `json:"created_at"`
	Username             string         `json:"username"`
	UserLogic            bool           `json:"user_logic"`
	Status               WorkflowStatus `json:"status"`
	CurrentActivityID    uint64         `json:"current_activity_id"` // 0 when unset
	Round                int            `json:"round"`               // number of step activations so far
}

// Activity is one materialized occurrence of an activity definition within an instance.
type Activity struct {
	ID                   uint64    `json:"id"`
	WorkflowInstanceID   uint64    `json:"workflow_instance_id"`
	ActivityDefinitionID uint64    `json:"activity_definition_id"`
	CreatedAt            time.Time `json:"created_at"`
	IsAuto               bool      `json:"is_auto"`
	AccountID            uint64    `json:"account_id"` // assigned actor under Multiple multiplicity
	Round                int       `json:"round"`
}

// Decision is an actor's response recorded against an activity.
type Decision struct {
	ID         uint64    `json:"id"`
	ActivityID uint64    `json:"activity_id"`
	Username   string    `json:"username"`
	Choice     int       `json:"choice"`
	Comments   string    `json:"comments"`
	DecidedAt  time.Time `json:"decided_at"`
}
