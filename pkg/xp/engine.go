// Package xp converts connected time into experience, contribution and wealth.
//
// Each connected user has a timer holding the last accrual checkpoint and the
// connected time not yet converted into an award. A periodic sweep converts
// every whole AccrualInterval into one award unit; disconnecting flushes the
// timer once more and discards it.
package xp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/roomspeak/pkg/model"
	"github.com/NicolasHaas/roomspeak/pkg/store"
)

// Config holds the accrual tuning knobs.
type Config struct {
	BaseXP          float64       `yaml:"base_xp"`
	BaseRequireXP   float64       `yaml:"base_require_xp"`
	GrowthRate      float64       `yaml:"growth_rate"`
	AccrualInterval time.Duration `yaml:"accrual_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	VIPBoostPerTier float64       `yaml:"vip_boost_per_tier"`
}

// DefaultConfig returns the standard accrual settings.
func DefaultConfig() Config {
	return Config{
		BaseXP:          1,
		BaseRequireXP:   5,
		GrowthRate:      1.02,
		AccrualInterval: time.Hour,
		SweepInterval:   10 * time.Minute,
		VIPBoostPerTier: 0.2,
	}
}

// RequiredXP returns the experience needed to leave the given level.
func (c Config) RequiredXP(level int) float64 {
	return math.Ceil(c.BaseRequireXP * math.Pow(c.GrowthRate, float64(level)))
}

type timer struct {
	timeFlag time.Time
	elapsed  time.Duration
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Users  int
	Units  int
	Failed int
}

// Engine tracks connected time per user and awards it.
type Engine struct {
	store store.DataStore
	cfg   Config
	now   func() time.Time
	log   *slog.Logger

	mu     sync.Mutex
	timers map[string]*timer

	// flushMu serializes sweeps and disconnect flushes so awards for the
	// same user never interleave.
	flushMu sync.Mutex

	unitsAwarded atomic.Int64
	sweeps       atomic.Int64
	failures     atomic.Int64
}

// New creates an Engine. A nil clock uses time.Now; a nil logger discards output.
func New(st store.DataStore, cfg Config, now func() time.Time, log *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.AccrualInterval <= 0 {
		cfg.AccrualInterval = DefaultConfig().AccrualInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Engine{
		store:  st,
		cfg:    cfg,
		now:    now,
		log:    log,
		timers: make(map[string]*timer),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Create starts tracking a user. Tracking an already tracked user keeps its
// accumulated time.
func (e *Engine) Create(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.timers[userID]; ok {
		return
	}
	e.timers[userID] = &timer{timeFlag: e.now()}
}

// Tracking reports whether the user has a live timer.
func (e *Engine) Tracking(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[userID]
	return ok
}

// Pending returns the connected time not yet converted into awards.
func (e *Engine) Pending(userID string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[userID]
	if !ok {
		return 0, false
	}
	return t.elapsed + e.now().Sub(t.timeFlag), true
}

// Delete flushes a user's timer one last time and stops tracking it.
// The timer is discarded even when the final award fails.
func (e *Engine) Delete(ctx context.Context, userID string) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	_, err := e.flush(ctx, userID)

	e.mu.Lock()
	delete(e.timers, userID)
	e.mu.Unlock()
	return err
}

// Sweep awards every tracked user for their whole elapsed intervals.
// A failing user is logged and skipped; the others are still processed.
func (e *Engine) Sweep(ctx context.Context) SweepStats {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	users := make([]string, 0, len(e.timers))
	for id := range e.timers {
		users = append(users, id)
	}
	e.mu.Unlock()
	sort.Strings(users)

	stats := SweepStats{Users: len(users)}
	for _, id := range users {
		if ctx.Err() != nil {
			break
		}
		units, err := e.flush(ctx, id)
		if err != nil {
			stats.Failed++
			e.log.Error("xp award failed", "user", id, "err", err)
			continue
		}
		stats.Units += units
	}
	e.sweeps.Add(1)
	e.log.Debug("xp sweep finished", "users", stats.Users, "units", stats.Units, "failed", stats.Failed)
	return stats
}

// Run sweeps on the configured interval until ctx is cancelled, then flushes
// and discards every remaining timer.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Shutdown(context.Background())
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Shutdown flushes and discards every timer.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	users := make([]string, 0, len(e.timers))
	for id := range e.timers {
		users = append(users, id)
	}
	e.mu.Unlock()

	for _, id := range users {
		if err := e.Delete(ctx, id); err != nil {
			e.log.Error("xp final flush failed", "user", id, "err", err)
		}
	}
}

// UnitsAwarded returns the number of award units granted since start.
func (e *Engine) UnitsAwarded() int64 { return e.unitsAwarded.Load() }

// Sweeps returns the number of completed sweeps.
func (e *Engine) Sweeps() int64 { return e.sweeps.Load() }

// Failures returns the number of per-user award failures.
func (e *Engine) Failures() int64 { return e.failures.Load() }

// flush converts a user's whole intervals into awards. On failure the timer
// is restored so the time is retried on the next sweep.
func (e *Engine) flush(ctx context.Context, userID string) (int, error) {
	now := e.now()

	e.mu.Lock()
	t, ok := e.timers[userID]
	if !ok {
		e.mu.Unlock()
		return 0, nil
	}
	prev := *t
	elapsed := t.elapsed + now.Sub(t.timeFlag)
	if elapsed < 0 {
		elapsed = 0
	}
	units := int(elapsed / e.cfg.AccrualInterval)
	t.elapsed = elapsed - time.Duration(units)*e.cfg.AccrualInterval
	t.timeFlag = now
	e.mu.Unlock()

	if units == 0 {
		return 0, nil
	}

	if err := e.award(ctx, userID, units, now); err != nil {
		e.failures.Add(1)
		e.mu.Lock()
		if cur, ok := e.timers[userID]; ok {
			*cur = prev
		}
		e.mu.Unlock()
		return 0, err
	}
	e.unitsAwarded.Add(int64(units))
	return units, nil
}

var errUserMissing = errors.New("xp: user not found")

// award applies units accrual units atomically: experience and leveling,
// member contribution, server wealth, event participation and badges.
func (e *Engine) award(ctx context.Context, userID string, units int, now time.Time) error {
	return e.store.WithTx(ctx, func(tx store.DataStore) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return errUserMissing
		}

		events, err := tx.ListActiveEvents(ctx, now)
		if err != nil {
			return err
		}
		var covering []model.Event
		eventBoost := 0.0
		for _, ev := range events {
			if !ev.Covers(u.CurrentServerID, u.CurrentChannelID) {
				continue
			}
			covering = append(covering, ev)
			eventBoost = math.Max(eventBoost, ev.XPMultiplier)
		}

		perUnit := e.cfg.BaseXP * (1 + e.vipBoost(u.VIP) + eventBoost)
		gained := perUnit * float64(units)

		if err := tx.SetUserProgress(ctx, userID, e.Advance(u.Level, u.XP, gained)); err != nil {
			return err
		}

		if u.CurrentServerID != "" {
			m, err := tx.GetMember(ctx, userID, u.CurrentServerID)
			if err != nil {
				return err
			}
			if m != nil {
				if err := tx.AddContribution(ctx, userID, u.CurrentServerID, gained); err != nil {
					return err
				}
			}
			if err := tx.AddServerWealth(ctx, u.CurrentServerID, gained); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		credited := time.Duration(units) * e.cfg.AccrualInterval
		for _, ev := range covering {
			total, err := tx.AddEventParticipation(ctx, ev.ID, userID, credited)
			if err != nil {
				return err
			}
			if ev.BadgeID == "" || ev.DurationThreshold <= 0 || total < ev.DurationThreshold {
				continue
			}
			has, err := tx.HasBadge(ctx, userID, ev.BadgeID)
			if err != nil {
				return err
			}
			if !has {
				if err := tx.AwardBadge(ctx, userID, ev.BadgeID, now); err != nil {
					return err
				}
				e.log.Info("badge awarded", "user", userID, "badge", ev.BadgeID, "event", ev.ID)
			}
		}
		return nil
	})
}

func (e *Engine) vipBoost(tier int) float64 {
	if tier <= 0 {
		return 0
	}
	return float64(tier) * e.cfg.VIPBoostPerTier
}

// Advance adds gained experience to (level, xp) and levels up while the
// experience exceeds the requirement of the current level. Landing exactly
// on the requirement stays on the level with a full progress bar.
func (e *Engine) Advance(level int, xp, gained float64) model.UserProgress {
	xp += gained
	required := e.cfg.RequiredXP(level)
	for required > 0 && xp > required {
		xp -= required
		level++
		required = e.cfg.RequiredXP(level)
	}
	progress := 0.0
	if required > 0 {
		progress = xp / required
	}
	return model.UserProgress{Level: level, XP: xp, RequiredXP: required, Progress: progress}
}

// String implements fmt.Stringer for log output.
func (s SweepStats) String() string {
	return fmt.Sprintf("users=%d units=%d failed=%d", s.Users, s.Units, s.Failed)
}
