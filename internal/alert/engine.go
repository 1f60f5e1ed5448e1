package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
)

// ErrRuleNotFound is returned for operations on unknown rules.
var ErrRuleNotFound = errors.New("alert rule not found")

// MetricReader is the read surface the engine needs from the metric
// store.
type MetricReader interface {
	Latest(ctx context.Context, userID, metric string) (float64, bool, error)
	ValueAt(ctx context.Context, userID, metric string, at time.Time) (float64, bool, error)
	Trend(ctx context.Context, userID, metric string, days int) (float64, error)
}

// Dispatcher delivers a created alert event downstream (bus, history,
// notifier). A dispatch error is logged and the rule retried next
// tick; it never blocks other rules.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *model.AlertEvent) error
}

// Config holds evaluation tuning knobs.
type Config struct {
	Interval        time.Duration
	RateLimitWindow time.Duration
	MaxPerWindow    int
}

// ruleState tracks where a rule sits in its Idle -> Firing -> Cooling
// cycle. firing means the condition held at the last evaluation;
// coolingUntil suppresses re-emission while set; fired is the sliding
// window of recent emissions capped by MaxPerWindow.
type ruleState struct {
	firing       bool
	coolingUntil time.Time
	fired        []time.Time
}

func (s *ruleState) countSince(cutoff time.Time) int {
	// Prune while counting; emissions are appended in order.
	i := 0
	for i < len(s.fired) && !s.fired[i].After(cutoff) {
		i++
	}
	s.fired = s.fired[i:]
	return len(s.fired)
}

// Engine evaluates user-defined alert rules against the latest metric
// values on a fixed tick, applying rate limiting, quiet hours, and
// severity escalation. Exactly one alert event is emitted per
// not-firing -> firing transition, or when the cooling window expires
// with the condition still holding.
type Engine struct {
	logger     *zap.Logger
	metrics    MetricReader
	dispatcher Dispatcher
	cfg        Config
	rules      sync.Map // rule ID -> *model.AlertRule
	mu         sync.Mutex
	states     map[string]*ruleState
	now        func() time.Time
	stop       chan struct{}
}

// NewEngine creates an alert engine.
func NewEngine(metrics MetricReader, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		logger:     logger.Named("alert-engine"),
		metrics:    metrics,
		dispatcher: dispatcher,
		cfg:        cfg,
		states:     make(map[string]*ruleState),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Start starts the evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting alert engine",
		zap.Duration("interval", e.cfg.Interval),
		zap.Duration("rate_limit_window", e.cfg.RateLimitWindow),
		zap.Int("max_per_window", e.cfg.MaxPerWindow))

	go e.evaluationLoop(ctx)
	return nil
}

// Stop stops the evaluation loop. An in-flight evaluation pass
// completes before the stop is observed.
func (e *Engine) Stop() {
	e.logger.Info("Stopping alert engine")
	close(e.stop)
}

// GetRule returns a rule by ID.
func (e *Engine) GetRule(id string) (*model.AlertRule, error) {
	value, ok := e.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule registers a new alert rule.
func (e *Engine) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Priority == "" {
		rule.Priority = model.AlertSeverityWarning
	}
	rule.CreatedAt = e.now()
	rule.UpdatedAt = rule.CreatedAt
	e.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule replaces an existing rule. Its evaluation state is reset
// so the changed condition starts from Idle.
func (e *Engine) UpdateRule(rule *model.AlertRule) error {
	existing, ok := e.rules.Load(rule.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.CreatedAt = existing.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = e.now()
	e.rules.Store(rule.ID, rule)
	e.resetState(rule.ID)
	return nil
}

// DeleteRule removes a rule. Alert history referencing it survives.
func (e *Engine) DeleteRule(id string) error {
	if _, ok := e.rules.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	e.rules.Delete(id)
	e.resetState(id)
	return nil
}

// ListRules returns all rules owned by a user.
func (e *Engine) ListRules(userID string) []*model.AlertRule {
	var rules []*model.AlertRule
	e.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.UserID == userID {
			rules = append(rules, rule)
		}
		return true
	})
	return rules
}

// SetThreshold updates the threshold rule a dashboard client owns for
// a metric, creating it when absent.
func (e *Engine) SetThreshold(userID, metric string, threshold float64, condition model.AlertCondition) (*model.AlertRule, error) {
	var found *model.AlertRule
	e.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.UserID == userID && rule.MetricName == metric && rule.Condition == condition {
			found = rule
			return false
		}
		return true
	})

	if found != nil {
		updated := *found
		updated.Threshold = threshold
		if err := e.UpdateRule(&updated); err != nil {
			return nil, err
		}
		return &updated, nil
	}

	rule := &model.AlertRule{
		UserID:     userID,
		MetricName: metric,
		Threshold:  threshold,
		Condition:  condition,
		Priority:   model.AlertSeverityWarning,
		Enabled:    true,
	}
	if err := e.AddRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func validateRule(rule *model.AlertRule) error {
	if rule.UserID == "" {
		return fmt.Errorf("%w: missing user_id", model.ErrValidation)
	}
	if rule.MetricName == "" {
		return fmt.Errorf("%w: missing metric_name", model.ErrValidation)
	}
	switch rule.Condition {
	case model.ConditionAbove, model.ConditionBelow:
	case model.ConditionChange, model.ConditionTrend:
		if rule.ComparisonPeriod <= 0 {
			return fmt.Errorf("%w: %s condition requires comparison_period", model.ErrValidation, rule.Condition)
		}
	default:
		return fmt.Errorf("%w: unknown condition %q", model.ErrValidation, rule.Condition)
	}
	h := rule.QuietHours
	if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 23 {
		return fmt.Errorf("%w: quiet hours must be within 0-23", model.ErrValidation)
	}
	return nil
}

func (e *Engine) resetState(ruleID string) {
	e.mu.Lock()
	delete(e.states, ruleID)
	e.mu.Unlock()
}

func (e *Engine) state(ruleID string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[ruleID]
	if !ok {
		s = &ruleState{}
		e.states[ruleID] = s
	}
	return s
}

func (e *Engine) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one evaluation pass over every enabled rule. A
// failure in one rule is logged and never stalls the others.
func (e *Engine) EvaluateAll(ctx context.Context) {
	e.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if !rule.Enabled {
			e.resetState(rule.ID)
			return true
		}
		if err := e.evaluateRule(ctx, rule); err != nil {
			e.logger.Error("Rule evaluation failed, will retry next tick",
				zap.String("rule_id", rule.ID),
				zap.String("metric", rule.MetricName),
				zap.Error(err))
		}
		return true
	})
}

// evaluateRule advances one rule through its state machine for the
// current tick.
func (e *Engine) evaluateRule(ctx context.Context, rule *model.AlertRule) error {
	now := e.now()

	qualifies, current, magnitude, hasData, err := e.checkCondition(ctx, rule, now)
	if err != nil {
		return err
	}
	if !hasData {
		// No data is not an error; leave the state untouched.
		return nil
	}

	state := e.state(rule.ID)

	if !qualifies {
		// Firing -> Idle (or stay Idle). Clearing the cooldown lets the
		// next rising transition emit immediately, still capped by the
		// sliding window.
		state.firing = false
		state.coolingUntil = time.Time{}
		return nil
	}

	if state.firing && now.Before(state.coolingUntil) {
		// Cooling: condition still holds, emission suppressed.
		return nil
	}

	if rule.QuietHours.Contains(now.Hour()) {
		// Suppressed entirely; the rule stays Idle so the alert fires
		// once quiet hours end if the condition still holds.
		return nil
	}

	if state.countSince(now.Add(-e.cfg.RateLimitWindow)) >= e.cfg.MaxPerWindow {
		state.firing = true
		return nil
	}

	ev := &model.AlertEvent{
		ID:             uuid.New().String(),
		RuleID:         rule.ID,
		UserID:         rule.UserID,
		MetricName:     rule.MetricName,
		MetricValue:    current,
		ThresholdValue: rule.Threshold,
		Severity:       escalate(rule.Priority, magnitude, rule.Threshold),
		Message: fmt.Sprintf("%s is %s threshold %g (current: %g)",
			rule.MetricName, rule.Condition, rule.Threshold, current),
		Timestamp: now,
	}

	if err := e.dispatcher.Dispatch(ctx, ev); err != nil {
		// Not recorded as fired, so the next tick retries.
		return fmt.Errorf("failed to dispatch alert: %w", err)
	}

	state.firing = true
	state.coolingUntil = now.Add(e.cfg.RateLimitWindow)
	state.fired = append(state.fired, now)

	e.logger.Info("Alert fired",
		zap.String("rule_id", rule.ID),
		zap.String("user_id", rule.UserID),
		zap.String("metric", rule.MetricName),
		zap.Float64("value", current),
		zap.String("severity", string(ev.Severity)))

	return nil
}

// checkCondition evaluates the rule's condition. magnitude is the
// observed quantity compared against the threshold (the metric value
// for above/below, the absolute percentage for change/trend) and
// drives severity escalation.
func (e *Engine) checkCondition(ctx context.Context, rule *model.AlertRule, now time.Time) (qualifies bool, current, magnitude float64, hasData bool, err error) {
	current, ok, err := e.metrics.Latest(ctx, rule.UserID, rule.MetricName)
	if err != nil {
		return false, 0, 0, false, err
	}
	if !ok {
		return false, 0, 0, false, nil
	}

	switch rule.Condition {
	case model.ConditionAbove:
		return current > rule.Threshold, current, current, true, nil

	case model.ConditionBelow:
		return current < rule.Threshold, current, current, true, nil

	case model.ConditionChange:
		baseline, ok, err := e.metrics.ValueAt(ctx, rule.UserID, rule.MetricName, now.Add(-rule.ComparisonPeriod))
		if err != nil {
			return false, 0, 0, false, err
		}
		if !ok || baseline == 0 {
			return false, 0, 0, false, nil
		}
		pct := (current - baseline) / math.Abs(baseline) * 100
		return math.Abs(pct) > rule.Threshold, current, math.Abs(pct), true, nil

	case model.ConditionTrend:
		days := int(rule.ComparisonPeriod / (24 * time.Hour))
		if days < 1 {
			days = 1
		}
		trend, err := e.metrics.Trend(ctx, rule.UserID, rule.MetricName, days)
		if err != nil {
			return false, 0, 0, false, err
		}
		return math.Abs(trend) > rule.Threshold, current, math.Abs(trend), true, nil
	}

	return false, 0, 0, false, fmt.Errorf("unknown condition %q", rule.Condition)
}

// escalate raises the rule's base severity when the observed magnitude
// exceeds the threshold by more than 1.5x (one level) or 2x (straight
// to critical). below conditions escalate on how far the value
// undershoots.
func escalate(base model.AlertSeverity, magnitude, threshold float64) model.AlertSeverity {
	if threshold == 0 {
		return base
	}
	ratio := magnitude / threshold
	if ratio < 1 && ratio > 0 {
		// below condition: undershoot factor.
		ratio = 1 / ratio
	}
	switch {
	case ratio > 2:
		return model.AlertSeverityCritical
	case ratio > 1.5:
		return base.Escalate(1)
	default:
		return base
	}
}
