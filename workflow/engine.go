package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-workflow/events"
	"github.com/songzhibin97/approval-workflow/rules"
	"github.com/songzhibin97/approval-workflow/storage"
	"github.com/songzhibin97/approval-workflow/types"
)

// SystemUsername signs the decisions the engine records for skipped steps.
const SystemUsername = "system"

// Comments of the decisions recorded for skipped steps.
const (
	ReasonRulesNotSatisfied = "step rules not satisfied"
	ReasonNoActors          = "no eligible actor"
)

// Engine runs approval workflows: it authors definition graphs and moves
// instances along them as decisions are recorded.
type Engine struct {
	store    storage.WorkflowStore
	rules    *rules.Manager
	eventBus *events.EventBus
	ownsBus  bool
	logger   *zap.Logger
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[uint64]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBus publishes lifecycle events on bus. The caller keeps
// ownership of bus; Stop leaves it running.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine over store. ruleManager may be nil, in which
// case every step is entered unconditionally with one open activity.
func NewEngine(store storage.WorkflowStore, ruleManager *rules.Manager, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("workflow store is required")
	}
	e := &Engine{
		store:  store,
		rules:  ruleManager,
		logger: zap.NewNop(),
		now:    time.Now,
		locks:  make(map[uint64]*instanceLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

func (e *Engine) Store() storage.WorkflowStore {
	return e.store
}

func (e *Engine) Rules() *rules.Manager {
	return e.rules
}

// Stop stops the event bus the engine created.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if e.ownsBus {
			e.eventBus.Stop()
		}
		return nil
	}
}

// publishEvent queues an event; delivery failures are only logged.
func (e *Engine) publishEvent(ctx context.Context, eventType string, instanceID uint64, data map[string]interface{}) {
	event := events.NewEvent(eventType, instanceID, data)
	event.OccurredAt = e.now()
	err := e.eventBus.Publish(ctx, event)
	switch {
	case err == nil, errors.Is(err, events.ErrNoHandler):
	default:
		e.logger.Warn("event not published",
			zap.String("event_type", eventType),
			zap.Uint64("instance_id", instanceID),
			zap.Error(err))
	}
}

// lockInstance serializes runtime operations on one instance.
func (e *Engine) lockInstance(id uint64) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &instanceLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

// Workflow definition authoring

// CreateWorkflowDefinition creates an empty definition named name.
func (e *Engine) CreateWorkflowDefinition(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	if name == "" {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: workflow definition name is required", types.ErrConfiguration)
	}
	def := types.WorkflowDefinition{Name: name, CreatedAt: e.now()}
	if err := e.store.CreateWorkflowDefinition(ctx, &def); err != nil {
		return types.WorkflowDefinition{}, err
	}
	e.logger.Info("workflow definition created", zap.Uint64("definition_id", def.ID), zap.String("name", name))
	return def, nil
}

// AddActivityDefinition stores ad as is. It is not linked to any transition.
func (e *Engine) AddActivityDefinition(ctx context.Context, ad *types.ActivityDefinition) error {
	if err := normalizeMultiplicity(ad); err != nil {
		return err
	}
	return e.store.CreateActivityDefinition(ctx, ad)
}

// AddTransitionDefinition stores t. An empty name means Default.
func (e *Engine) AddTransitionDefinition(ctx context.Context, t *types.TransitionDefinition) error {
	if t.Name == "" {
		t.Name = types.DefaultTransition
	}
	return e.store.CreateTransitionDefinition(ctx, t)
}

// AppendActivityDefinition adds ad after the last step of the Default chain.
// The first step appended becomes the start activity.
func (e *Engine) AppendActivityDefinition(ctx context.Context, ad *types.ActivityDefinition) error {
	chain, err := e.store.FindAllDefaultActivityDefinitions(ctx, ad.WorkflowDefinitionID)
	if err != nil {
		return err
	}
	return e.InsertActivityAtPosition(ctx, ad, len(chain)+1)
}

// InsertActivityAtPosition inserts ad at position on the Default chain,
// moving the steps at or after position one level down.
func (e *Engine) InsertActivityAtPosition(ctx context.Context, ad *types.ActivityDefinition, position int) error {
	if err := normalizeMultiplicity(ad); err != nil {
		return err
	}
	if err := e.store.InsertActivityDefinitionAt(ctx, ad, position); err != nil {
		return err
	}
	e.logger.Info("activity definition inserted",
		zap.Uint64("definition_id", ad.WorkflowDefinitionID),
		zap.Uint64("activity_definition_id", ad.ID),
		zap.Int("position", position))
	return nil
}

// RemoveActivityAtPosition removes the step at position and closes the gap.
// The rules and selectors owned by the step are removed with it.
func (e *Engine) RemoveActivityAtPosition(ctx context.Context, workflowDefinitionID uint64, position int) (types.ActivityDefinition, error) {
	removed, err := e.store.RemoveActivityDefinitionAt(ctx, workflowDefinitionID, position)
	if err != nil {
		return types.ActivityDefinition{}, err
	}
	if err := e.removeStepRules(ctx, removed.ID); err != nil {
		return removed, err
	}
	e.logger.Info("activity definition removed",
		zap.Uint64("definition_id", workflowDefinitionID),
		zap.Uint64("activity_definition_id", removed.ID),
		zap.Int("position", position))
	return removed, nil
}

func (e *Engine) removeStepRules(ctx context.Context, adID uint64) error {
	if e.rules == nil {
		return nil
	}
	found, err := e.rules.FindRulesForItem(ctx, adID)
	if err != nil {
		return err
	}
	ids := make([]uint64, len(found))
	for i, r := range found {
		ids[i] = r.ID
	}
	if len(ids) > 0 {
		if err := e.rules.RemoveRules(ctx, ids); err != nil {
			return err
		}
	}
	selectors, err := e.rules.FindSelectorsForItem(ctx, adID)
	if err != nil {
		return err
	}
	for _, sel := range selectors {
		if err := e.rules.RemoveSelector(ctx, sel.ID); err != nil {
			return err
		}
	}
	return nil
}

// ShiftRange adds shift to the level of every step whose level is in [start, end].
func (e *Engine) ShiftRange(ctx context.Context, workflowDefinitionID uint64, start, end, shift int) error {
	return e.store.ShiftRange(ctx, workflowDefinitionID, start, end, shift)
}

// FindActivityDefinitionByPosition returns the step reached after position-1
// Default transitions from the start.
func (e *Engine) FindActivityDefinitionByPosition(ctx context.Context, workflowDefinitionID uint64, position int) (types.ActivityDefinition, error) {
	return e.store.FindActivityDefinitionByPosition(ctx, workflowDefinitionID, position)
}

func (e *Engine) FindAllDefaultActivityDefinitions(ctx context.Context, workflowDefinitionID uint64) ([]types.ActivityDefinition, error) {
	return e.store.FindAllDefaultActivityDefinitions(ctx, workflowDefinitionID)
}

func (e *Engine) CountDefaultTransitions(ctx context.Context, workflowDefinitionID uint64) (int, error) {
	return e.store.CountDefaultTransitions(ctx, workflowDefinitionID)
}

// SetStartActivity makes adID the start of the definition.
func (e *Engine) SetStartActivity(ctx context.Context, workflowDefinitionID, adID uint64) error {
	def, err := e.store.ReadWorkflowDefinition(ctx, workflowDefinitionID)
	if err != nil {
		return err
	}
	def.StartActivityID = adID
	return e.store.UpdateWorkflowDefinition(ctx, def)
}

func normalizeMultiplicity(ad *types.ActivityDefinition) error {
	if ad.Multiplicity == "" {
		ad.Multiplicity = types.MultiplicitySingle
	}
	if !ad.Multiplicity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMultiplicity, ad.Multiplicity)
	}
	return nil
}
