// Package temporal derives time awareness for a conversation: how long
// the user has been away, what part of the day it is locally, and whether
// the reply should acknowledge the gap.
package temporal

import (
	"regexp"
	"strings"
	"time"
)

// Gap buckets, ordered from shortest to longest.
const (
	BucketUnknown       = "unknown"
	BucketImmediate     = "immediate"
	BucketSameDay       = "same_day"
	BucketWithinTwoDays = "within_two_days"
	BucketWithinWeek    = "within_week"
	BucketOverWeek      = "over_week"
)

// Gap states describe how trustworthy the computed gap is.
const (
	GapOK           = "ok"
	GapMissingPoint = "missing_point"
	GapClockSkew    = "clock_skew_or_out_of_order"
	GapCapped       = "gap_capped"
)

// Default gap bucket thresholds.
const (
	defaultGapRecent  = 600 * time.Second
	defaultGapSameDay = 21600 * time.Second
	defaultGapTwoDays = 2 * 24 * time.Hour
	defaultGapWeek    = 7 * 24 * time.Hour

	// Gaps beyond ten years are treated as data corruption, not absence.
	gapCap = 10 * 365 * 24 * time.Hour
)

// Thresholds are the gap bucket boundaries, ordered from shortest to
// longest. A gap below Recent is immediate, below SameDay same-day, and
// so on; TwoDays is also the floor for time acknowledgements.
type Thresholds struct {
	Recent  time.Duration
	SameDay time.Duration
	TwoDays time.Duration
	Week    time.Duration
}

// DefaultThresholds returns the standard gap bucket boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Recent:  defaultGapRecent,
		SameDay: defaultGapSameDay,
		TwoDays: defaultGapTwoDays,
		Week:    defaultGapWeek,
	}
}

// normalized fills non-positive fields from the defaults so a partially
// configured set still yields ordered buckets.
func (t Thresholds) normalized() Thresholds {
	def := DefaultThresholds()
	if t.Recent <= 0 {
		t.Recent = def.Recent
	}
	if t.SameDay <= 0 {
		t.SameDay = def.SameDay
	}
	if t.TwoDays <= 0 {
		t.TwoDays = def.TwoDays
	}
	if t.Week <= 0 {
		t.Week = def.Week
	}
	return t
}

var (
	timeAckRe = regexp.MustCompile(`好久不见|这么久|隔了.*(天|周)|两天|几天|过了.*(天|周)|回来啦|又来啦|最近怎么样`)
	reentryRe = regexp.MustCompile(`在吗|还在吗|我回来了|我回来啦|回来啦|回来了|重新说|接着说`)
)

// State is the persisted per-conversation temporal state.
type State struct {
	LastUserAt    time.Time `json:"last_user_at"`
	LastTimeAckAt time.Time `json:"last_time_ack_at"`
}

// Context is the derived temporal picture for one incoming message.
type Context struct {
	NowUTC            time.Time `json:"now_utc"`
	NowLocal          time.Time `json:"now_local"`
	PartOfDay         string    `json:"part_of_day"`
	WeekType          string    `json:"week_type"`
	CurrentUserAt     time.Time `json:"current_user_at"`
	PreviousUserAt    time.Time `json:"previous_user_at"`
	GapSeconds        int64     `json:"gap_seconds"` // -1 when unknown
	GapBucket         string    `json:"gap_bucket"`
	GapState          string    `json:"gap_state"`
	ReentryHint       bool      `json:"reentry_hint"`
	AckCooldownPassed bool      `json:"ack_cooldown_passed"`
	ShouldTimeAck     bool      `json:"should_time_ack"`
}

// Clock lets tests control time.
type Clock func() time.Time

// Builder computes temporal contexts with a fixed timezone, cooldown
// and gap bucket thresholds.
type Builder struct {
	loc         *time.Location
	ackCooldown time.Duration
	thresholds  Thresholds
	now         Clock
}

// NewBuilder creates a builder for the given IANA timezone. An unknown
// timezone falls back to UTC rather than failing the conversation, and
// unset threshold fields fall back to the defaults.
func NewBuilder(timezone string, ackCooldown time.Duration, thresholds Thresholds) *Builder {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Builder{
		loc:         loc,
		ackCooldown: ackCooldown,
		thresholds:  thresholds.normalized(),
		now:         time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.now = clock
	return b
}

// Build derives the temporal context for an incoming user message.
// currentUserAt is the arrival time of this message, previousUserAt that
// of the one before it (zero when unknown; the persisted state fills in).
func (b *Builder) Build(userMessage string, currentUserAt, previousUserAt time.Time, state *State) Context {
	nowUTC := b.now().UTC()
	nowLocal := nowUTC.In(b.loc)

	if currentUserAt.IsZero() {
		currentUserAt = nowUTC
	}
	if previousUserAt.IsZero() && state != nil && !state.LastUserAt.IsZero() {
		// A stale or future state timestamp says nothing about the gap.
		if state.LastUserAt.Before(currentUserAt) {
			previousUserAt = state.LastUserAt
		}
	}

	gapSeconds, gapState := safeGapSeconds(currentUserAt, previousUserAt)
	bucket := gapBucket(gapSeconds, b.thresholds)

	ackCooldownPassed := true
	if state != nil && !state.LastTimeAckAt.IsZero() {
		cooldownGap, _ := safeGapSeconds(nowUTC, state.LastTimeAckAt)
		ackCooldownPassed = cooldownGap >= 0 && time.Duration(cooldownGap)*time.Second >= b.ackCooldown
	}

	shouldAck := (bucket == BucketWithinWeek || bucket == BucketOverWeek) &&
		ackCooldownPassed &&
		gapSeconds >= int64(b.thresholds.TwoDays/time.Second)

	return Context{
		NowUTC:            nowUTC,
		NowLocal:          nowLocal,
		PartOfDay:         partOfDay(nowLocal),
		WeekType:          weekType(nowLocal),
		CurrentUserAt:     currentUserAt.UTC(),
		PreviousUserAt:    previousUserAt.UTC(),
		GapSeconds:        gapSeconds,
		GapBucket:         bucket,
		GapState:          gapState,
		ReentryHint:       reentryRe.MatchString(userMessage),
		AckCooldownPassed: ackCooldownPassed,
		ShouldTimeAck:     shouldAck,
	}
}

// safeGapSeconds returns the gap between two points, clamping negative
// gaps to zero and absurdly large gaps to the cap. A -1 gap means one of
// the points is missing.
func safeGapSeconds(current, previous time.Time) (int64, string) {
	if current.IsZero() || previous.IsZero() {
		return -1, GapMissingPoint
	}
	delta := int64(current.Sub(previous) / time.Second)
	if delta < 0 {
		return 0, GapClockSkew
	}
	if capSec := int64(gapCap / time.Second); delta > capSec {
		return capSec, GapCapped
	}
	return delta, GapOK
}

func gapBucket(gapSeconds int64, t Thresholds) string {
	if gapSeconds < 0 {
		return BucketUnknown
	}
	switch {
	case gapSeconds < int64(t.Recent/time.Second):
		return BucketImmediate
	case gapSeconds < int64(t.SameDay/time.Second):
		return BucketSameDay
	case gapSeconds < int64(t.TwoDays/time.Second):
		return BucketWithinTwoDays
	case gapSeconds < int64(t.Week/time.Second):
		return BucketWithinWeek
	default:
		return BucketOverWeek
	}
}

// partOfDay maps the local hour to a Chinese day-part label used in prompts.
func partOfDay(local time.Time) string {
	hour := local.Hour()
	switch {
	case hour < 6:
		return "凌晨"
	case hour < 11:
		return "早上"
	case hour < 14:
		return "中午"
	case hour < 18:
		return "下午"
	default:
		return "晚上"
	}
}

func weekType(local time.Time) string {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	default:
		return "weekday"
	}
}

// DetectTimeAck reports whether any of the reply bubbles actually
// acknowledges a time gap. Used to decide when to start the ack cooldown.
func DetectTimeAck(bubbles []string) bool {
	var parts []string
	for _, b := range bubbles {
		if s := strings.TrimSpace(b); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return false
	}
	return timeAckRe.MatchString(strings.Join(parts, "\n"))
}
