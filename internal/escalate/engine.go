// Package escalate implements the rule-driven escalation path for
// unacknowledged notifications. Steps are durable scheduled jobs, so a
// process restart never drops a pending escalation.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/metrics"
	"github.com/careloop/pulse/internal/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ListEscalationRules(ctx context.Context, tenantID uuid.UUID) ([]*store.EscalationRule, error)
	GetEscalationRule(ctx context.Context, id uuid.UUID) (*store.EscalationRule, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*store.Notification, error)
	EnqueueJob(ctx context.Context, job *store.ScheduledJob) error
	CancelJobsForNotification(ctx context.Context, notificationID uuid.UUID) (int64, error)
}

// Sender is the slice of the hub the engine delivers through. The hub
// satisfies it; escalation sends are new notifications referencing the
// original, never mutations of it.
type Sender interface {
	Resend(ctx context.Context, original *store.Notification, channels []store.Channel, priority store.Priority, recipientID uuid.UUID) (uuid.UUID, error)
}

// RoleResolver maps a role name to on-call user ids for a tenant. Backed
// by the directory service in production; nil disables role targets.
type RoleResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, role string) ([]uuid.UUID, error)
}

// Engine matches rules at send time and executes steps when their jobs
// fire.
type Engine struct {
	store  Store
	sender Sender
	roles  RoleResolver
	logger *zap.Logger
}

// New creates an escalation engine.
func New(st Store, sender Sender, roles RoleResolver, logger *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		sender: sender,
		roles:  roles,
		logger: logger,
	}
}

// stepPayload rides on escalation jobs; fire time and preconditions are
// re-derived from the rule at execution so rule edits between scheduling
// and firing take effect.
type stepPayload struct {
	RuleID    uuid.UUID `json:"rule_id"`
	StepOrder int       `json:"step_order"`
}

// Setup enqueues one durable job per step of every matching enabled rule.
// Delays are absolute offsets from the notification's creation time.
func (e *Engine) Setup(ctx context.Context, n *store.Notification) error {
	rules, err := e.store.ListEscalationRules(ctx, n.TenantID)
	if err != nil {
		return fmt.Errorf("list escalation rules: %w", err)
	}

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	for _, rule := range rules {
		if !Matches(rule, n) {
			continue
		}
		for _, step := range rule.Steps {
			payload, err := json.Marshal(stepPayload{RuleID: rule.ID, StepOrder: step.Order})
			if err != nil {
				return fmt.Errorf("marshal step payload: %w", err)
			}
			job := &store.ScheduledJob{
				ID:             uuid.New(),
				Kind:           store.JobEscalationStep,
				NotificationID: n.ID,
				FireAt:         createdAt.Add(time.Duration(step.DelayMinutes) * time.Minute),
				Payload:        payload,
			}
			if err := e.store.EnqueueJob(ctx, job); err != nil {
				return fmt.Errorf("enqueue escalation step: %w", err)
			}
		}
		e.logger.Info("escalation scheduled",
			zap.String("notification_id", n.ID.String()),
			zap.String("rule_id", rule.ID.String()),
			zap.Int("steps", len(rule.Steps)),
		)
	}
	return nil
}

// Cancel clears all pending escalation jobs for a notification. Called on
// read and dismiss.
func (e *Engine) Cancel(ctx context.Context, notificationID uuid.UUID) error {
	cancelled, err := e.store.CancelJobsForNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		e.logger.Info("escalation cancelled",
			zap.String("notification_id", notificationID.String()),
			zap.Int64("jobs", cancelled),
		)
	}
	return nil
}

// Matches reports whether a rule applies to a notification. Empty
// category/priority lists match everything; metadata constraints are
// equality on every key. Notifications produced by an escalation step
// never match: only the original record drives the chain, otherwise
// every resend would arm a fresh copy of the rule.
func Matches(rule *store.EscalationRule, n *store.Notification) bool {
	if !rule.Enabled {
		return false
	}
	if _, escalated := n.Metadata[store.MetaEscalatedFrom]; escalated {
		return false
	}
	if len(rule.Categories) > 0 && !containsCategory(rule.Categories, n.Category) {
		return false
	}
	if len(rule.Priorities) > 0 && !containsPriority(rule.Priorities, n.Priority) {
		return false
	}
	for k, v := range rule.Metadata {
		if n.Metadata[k] != v {
			return false
		}
	}
	return true
}

// ExecuteStep is the scheduler's callback for escalation jobs. The step
// re-validates against current state: the notification must still exist,
// must not be read or dismissed, and must satisfy its own unread-window
// precondition.
func (e *Engine) ExecuteStep(ctx context.Context, job *store.ScheduledJob) error {
	var payload stepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode step payload: %w", err)
	}

	n, err := e.store.GetNotification(ctx, job.NotificationID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("escalation step skipped, notification gone",
			zap.String("notification_id", job.NotificationID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}

	if n.ReadAt != nil || n.DismissedAt != nil {
		e.logger.Debug("escalation step skipped, acknowledged",
			zap.String("notification_id", n.ID.String()),
		)
		return nil
	}

	rule, err := e.store.GetEscalationRule(ctx, payload.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Info("escalation step skipped, rule deleted",
			zap.String("rule_id", payload.RuleID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}

	step, ok := findStep(rule, payload.StepOrder)
	if !ok {
		e.logger.Info("escalation step skipped, step removed from rule",
			zap.String("rule_id", rule.ID.String()),
			zap.Int("step_order", payload.StepOrder),
		)
		return nil
	}

	if step.UnreadAfterMinutes > 0 {
		deadline := n.CreatedAt.Add(time.Duration(step.UnreadAfterMinutes) * time.Minute)
		if time.Now().UTC().Before(deadline) {
			// Precondition window not elapsed yet; the job fired early
			// relative to the step's own unread window. Skip.
			return nil
		}
	}

	if err := e.executeAction(ctx, n, step); err != nil {
		// Step failures never cancel the remaining steps.
		e.logger.Error("escalation step failed",
			zap.String("notification_id", n.ID.String()),
			zap.String("action", string(step.Action)),
			zap.Error(err),
		)
		return nil
	}

	metrics.RecordEscalationStep(string(step.Action))
	return nil
}

func (e *Engine) executeAction(ctx context.Context, n *store.Notification, step store.EscalationStep) error {
	switch step.Action {
	case store.ActionResend:
		channels := step.Channels
		if len(channels) == 0 {
			channels = n.Channels
		}
		_, err := e.sender.Resend(ctx, n, channels, n.Priority, uuid.Nil)
		return err

	case store.ActionAddChannel:
		extra := subtractChannels(step.Channels, n.Channels)
		if len(extra) == 0 {
			return nil
		}
		_, err := e.sender.Resend(ctx, n, extra, n.Priority, uuid.Nil)
		return err

	case store.ActionNotifySupervisor:
		targets, err := e.resolveTargets(ctx, n.TenantID, step)
		if err != nil {
			return err
		}
		var lastErr error
		for _, target := range targets {
			if _, err := e.sender.Resend(ctx, n, step.Channels, store.PriorityHigh, target); err != nil {
				lastErr = err
			}
		}
		return lastErr

	case store.ActionPage:
		targets, err := e.resolveTargets(ctx, n.TenantID, step)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			targets = []uuid.UUID{n.RecipientID}
		}
		channels := step.Channels
		if len(channels) == 0 {
			channels = []store.Channel{store.ChannelSMS, store.ChannelPush, store.ChannelInApp}
		}
		var lastErr error
		for _, target := range targets {
			if _, err := e.sender.Resend(ctx, n, channels, store.PriorityCritical, target); err != nil {
				lastErr = err
			}
		}
		return lastErr

	default:
		return fmt.Errorf("unknown escalation action %q", step.Action)
	}
}

// resolveTargets combines a step's explicit recipients with its
// role-resolved ones.
func (e *Engine) resolveTargets(ctx context.Context, tenantID uuid.UUID, step store.EscalationStep) ([]uuid.UUID, error) {
	targets := append([]uuid.UUID(nil), step.Recipients...)
	if e.roles == nil {
		return targets, nil
	}
	for _, role := range step.Roles {
		ids, err := e.roles.Resolve(ctx, tenantID, role)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", role, err)
		}
		targets = append(targets, ids...)
	}
	return targets, nil
}

// ValidateRule rejects structurally invalid rules at registration time.
// Step delays must be strictly ascending so the scheduled order matches
// the declared order.
func ValidateRule(rule *store.EscalationRule) error {
	if rule.TenantID == uuid.Nil {
		return errors.New("tenant_id is required")
	}
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if len(rule.Steps) == 0 {
		return errors.New("rule must have at least one step")
	}

	prevDelay := -1
	for i, step := range rule.Steps {
		if !step.Action.Valid() {
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
		if step.DelayMinutes < 0 {
			return fmt.Errorf("step %d: negative delay", i)
		}
		if step.DelayMinutes <= prevDelay {
			return fmt.Errorf("step %d: delays must be strictly ascending", i)
		}
		prevDelay = step.DelayMinutes
		for _, ch := range step.Channels {
			if !ch.Valid() {
				return fmt.Errorf("step %d: unknown channel %q", i, ch)
			}
		}
		if step.UnreadAfterMinutes < 0 {
			return fmt.Errorf("step %d: negative unread window", i)
		}
		// A step fires at DelayMinutes and is skipped while its unread
		// window is still open, so a window past the delay can never be
		// satisfied when the step runs.
		if step.UnreadAfterMinutes > step.DelayMinutes {
			return fmt.Errorf("step %d: unread window exceeds the step delay", i)
		}
	}

	for _, cat := range rule.Categories {
		switch cat {
		case store.CategoryClinicalAlert, store.CategoryAppointment, store.CategoryLabResult,
			store.CategoryMedication, store.CategoryMessage, store.CategorySystem, store.CategoryBilling:
		default:
			return fmt.Errorf("unknown category %q", cat)
		}
	}
	for _, p := range rule.Priorities {
		if !p.Valid() {
			return fmt.Errorf("unknown priority %q", p)
		}
	}
	return nil
}

func findStep(rule *store.EscalationRule, order int) (store.EscalationStep, bool) {
	for _, step := range rule.Steps {
		if step.Order == order {
			return step, true
		}
	}
	return store.EscalationStep{}, false
}

func subtractChannels(channels, existing []store.Channel) []store.Channel {
	var out []store.Channel
	for _, ch := range channels {
		found := false
		for _, e := range existing {
			if e == ch {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ch)
		}
	}
	return out
}

func containsCategory(list []store.Category, c store.Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsPriority(list []store.Priority, p store.Priority) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
