// Package routing resolves which channels carry a notification and the
// retry policy attached to its priority.
package routing

import (
	"time"

	"github.com/careloop/pulse/internal/store"
)

// Timing is the delivery policy for a priority level.
type Timing struct {
	// Immediate means the first attempt happens inline; deferred
	// priorities are queued for the next scheduler pass.
	Immediate  bool
	RetryDelay time.Duration
	MaxRetries int
}

// priorityMatrix is the default channel set per priority, in canonical
// delivery order.
var priorityMatrix = map[store.Priority][]store.Channel{
	store.PriorityCritical: {store.ChannelInApp, store.ChannelPush, store.ChannelSMS, store.ChannelEmail},
	store.PriorityHigh:     {store.ChannelInApp, store.ChannelPush, store.ChannelEmail},
	store.PriorityMedium:   {store.ChannelInApp, store.ChannelPush},
	store.PriorityLow:      {store.ChannelInApp},
}

// categoryOverrides replaces the priority default for categories with a
// well-known delivery shape. Categories absent here fall through to the
// priority matrix.
var categoryOverrides = map[store.Category][]store.Channel{
	store.CategoryClinicalAlert: {store.ChannelInApp, store.ChannelPush, store.ChannelSMS, store.ChannelEmail},
	store.CategoryLabResult:     {store.ChannelInApp, store.ChannelPush, store.ChannelEmail},
	store.CategoryMedication:    {store.ChannelInApp, store.ChannelPush, store.ChannelSMS},
	store.CategoryBilling:       {store.ChannelInApp, store.ChannelEmail},
	store.CategorySystem:        {store.ChannelInApp},
}

var priorityRank = map[store.Priority]int{
	store.PriorityCritical: 3,
	store.PriorityHigh:     2,
	store.PriorityMedium:   1,
	store.PriorityLow:      0,
}

// PriorityRouter maps (requested channels, category, priority, preferences)
// to the effective channel set for one recipient.
type PriorityRouter struct{}

// NewPriorityRouter creates a router.
func NewPriorityRouter() *PriorityRouter {
	return &PriorityRouter{}
}

// Resolve returns the ordered, deduplicated channels a notification should
// use. Explicit requested channels beat the category override, which beats
// the priority default. The candidate set is then filtered by the
// recipient's preferences; a globally disabled or currently paused user
// yields an empty set.
func (r *PriorityRouter) Resolve(requested []store.Channel, category store.Category, priority store.Priority, p *store.Preferences, now time.Time) []store.Channel {
	if p != nil {
		if !p.Enabled {
			return nil
		}
		if p.PausedUntil != nil && p.PausedUntil.After(now) {
			return nil
		}
	}

	candidates := requested
	if len(candidates) == 0 {
		if override, ok := categoryOverrides[category]; ok {
			candidates = override
		} else {
			candidates = priorityMatrix[priority]
		}
	}

	seen := make(map[store.Channel]bool, len(candidates))
	result := make([]store.Channel, 0, len(candidates))
	for _, ch := range candidates {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		if !r.allowed(ch, category, priority, p) {
			continue
		}
		result = append(result, ch)
	}

	return canonicalOrder(result)
}

// allowed applies per-channel and per-category preference filtering.
func (r *PriorityRouter) allowed(ch store.Channel, category store.Category, priority store.Priority, p *store.Preferences) bool {
	if p == nil {
		return true
	}

	if cp, ok := p.Channels[ch]; ok {
		if !cp.Enabled {
			return false
		}
		if len(cp.Allow) > 0 && !containsCategory(cp.Allow, category) {
			return false
		}
		if containsCategory(cp.Deny, category) {
			return false
		}
	}

	if cat, ok := p.Categories[category]; ok {
		if !cat.Enabled {
			return false
		}
		if cat.Priority != nil && priorityRank[priority] < priorityRank[*cat.Priority] {
			return false
		}
		if len(cat.Channels) > 0 && !containsChannel(cat.Channels, ch) {
			return false
		}
	}

	return true
}

// ShouldEscalate reports whether the resolved channel set is too thin for
// the priority and an escalation path is warranted. CRITICAL needs at
// least two channels; HIGH needs at least one realtime channel.
func (r *PriorityRouter) ShouldEscalate(available []store.Channel, priority store.Priority) bool {
	switch priority {
	case store.PriorityCritical:
		return len(available) < 2
	case store.PriorityHigh:
		for _, ch := range available {
			if ch == store.ChannelInApp || ch == store.ChannelPush {
				return false
			}
		}
		return true
	}
	return false
}

// FallbackChannels returns the priority's full channel set minus channels
// that have already failed.
func (r *PriorityRouter) FallbackChannels(priority store.Priority, failed []store.Channel) []store.Channel {
	out := make([]store.Channel, 0, len(priorityMatrix[priority]))
	for _, ch := range priorityMatrix[priority] {
		if !containsChannel(failed, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// DeliveryTiming returns the retry policy for a priority.
func (r *PriorityRouter) DeliveryTiming(priority store.Priority) Timing {
	switch priority {
	case store.PriorityCritical:
		return Timing{Immediate: true, RetryDelay: 30 * time.Second, MaxRetries: 5}
	case store.PriorityHigh:
		return Timing{Immediate: true, RetryDelay: time.Minute, MaxRetries: 3}
	case store.PriorityMedium:
		return Timing{Immediate: true, RetryDelay: 5 * time.Minute, MaxRetries: 2}
	default:
		return Timing{Immediate: false, RetryDelay: 15 * time.Minute, MaxRetries: 1}
	}
}

// canonicalOrder re-sorts channels into the matrix's canonical order.
// Channels outside the canonical set keep their relative order and are
// appended at the end.
func canonicalOrder(channels []store.Channel) []store.Channel {
	if len(channels) < 2 {
		return channels
	}

	out := make([]store.Channel, 0, len(channels))
	for _, canonical := range store.AllChannels {
		if containsChannel(channels, canonical) {
			out = append(out, canonical)
		}
	}
	for _, ch := range channels {
		if !ch.Valid() {
			out = append(out, ch)
		}
	}
	return out
}

func containsChannel(list []store.Channel, ch store.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func containsCategory(list []store.Category, cat store.Category) bool {
	for _, c := range list {
		if c == cat {
			return true
		}
	}
	return false
}
