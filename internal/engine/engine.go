// Connguard - Concurrent IP Limit Enforcement for VPN Access Panels
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/connguard

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tomtom215/connguard/internal/config"
	"github.com/tomtom215/connguard/internal/geo"
	"github.com/tomtom215/connguard/internal/logging"
	"github.com/tomtom215/connguard/internal/metrics"
	"github.com/tomtom215/connguard/internal/panel"
	"github.com/tomtom215/connguard/internal/store"
	"github.com/tomtom215/connguard/internal/stream"
)

// Actuator applies enforcement decisions to the panel.
type Actuator interface {
	Disable(ctx context.Context, username string) error
	Enable(ctx context.Context, username string) error
	MissingUsers(ctx context.Context, tracked []string) ([]string, error)
}

// CountryResolver maps an IP to an ISO country code.
type CountryResolver interface {
	Country(ctx context.Context, ip string) string
}

// Persistence is the durable side of user state.
type Persistence interface {
	SaveUser(rec store.UserRecord) error
	DeleteUser(username string) error
	LoadUsers() ([]store.UserRecord, error)
}

type actionKind string

const (
	actionDisable actionKind = "disable"
	actionEnable  actionKind = "enable"
)

type actionResult struct {
	user     string
	kind     actionKind
	enableAt time.Time
	manual   bool
	err      error
}

// geoTimeout bounds a single country lookup in the filter stage.
const geoTimeout = 10 * time.Second

// filterWorkers is the admission pool size. Lookups for different
// events run concurrently so one slow IP cannot stall every user's
// ingestion; reordering across workers is harmless because the window
// upsert keeps the max last-seen per IP.
const filterWorkers = 8

// Engine is the single writer for all user state.
type Engine struct {
	cfg      atomic.Pointer[config.Config]
	runCtx   atomic.Pointer[context.Context]
	events   <-chan stream.Event
	filtered chan stream.Event
	actuator Actuator
	geo      CountryResolver
	store    Persistence

	users    map[string]*userState
	commands chan func()
	results  chan actionResult

	// actionTimeout bounds one enforcement round-trip, including the
	// panel client's internal retries.
	actionTimeout time.Duration
	now           func() time.Time
}

// New builds an engine and loads persisted user state. geo may be nil
// when no country filter will ever be active.
func New(cfg *config.Config, events <-chan stream.Event, g CountryResolver, act Actuator, p Persistence) (*Engine, error) {
	e := &Engine{
		events:        events,
		filtered:      make(chan stream.Event, 256),
		actuator:      act,
		geo:           g,
		store:         p,
		users:         make(map[string]*userState),
		commands:      make(chan func()),
		results:       make(chan actionResult, 64),
		actionTimeout: 2 * time.Minute,
		now:           time.Now,
	}
	e.cfg.Store(cfg)

	recs, err := p.LoadUsers()
	if err != nil {
		return nil, fmt.Errorf("load user state: %w", err)
	}
	for _, rec := range recs {
		e.users[rec.Username] = fromRecord(rec)
	}
	metrics.TrackedUsers.Set(float64(len(e.users)))

	logging.Info().Int("users", len(e.users)).Msg("Engine state loaded")
	return e, nil
}

func (e *Engine) String() string { return "engine" }

// Serve runs the engine until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	e.runCtx.Store(&ctx)
	for i := 0; i < filterWorkers; i++ {
		go e.runFilter(ctx)
	}

	e.recoverDisabled()

	interval := e.cfg.Load().Monitoring.CheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.filtered:
			e.handleEvent(ev)
		case <-ticker.C:
			e.evaluate()
		case res := <-e.results:
			e.handleResult(res)
		case fn := <-e.commands:
			fn()
		}
	}
}

// recoverDisabled re-schedules enables for users whose re-enable time
// passed while the process was down.
func (e *Engine) recoverDisabled() {
	now := e.now()
	due := 0
	for _, us := range e.users {
		if us.status != StatusDisabled || us.enableAt.IsZero() {
			continue
		}
		if !now.Before(us.enableAt) {
			e.dispatch(us, actionEnable, time.Time{}, false)
			due++
		}
	}
	if due > 0 {
		logging.Info().Int("due", due).Msg("Re-enabling users whose disable expired during downtime")
	}
}

// runFilter is one admission worker between the stream manager and the
// engine goroutine. It applies the country filter so slow lookups never
// block evaluation, and runs in a pool so they never block each other.
func (e *Engine) runFilter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			if !e.admit(ctx, ev) {
				continue
			}
			select {
			case e.filtered <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) admit(ctx context.Context, ev stream.Event) bool {
	cfg := e.cfg.Load()
	filter := cfg.Limits.CountryFilter
	if filter == "" {
		return true
	}
	if e.geo == nil {
		return cfg.Limits.CountUnknown
	}

	lctx, cancel := context.WithTimeout(ctx, geoTimeout)
	defer cancel()
	country := e.geo.Country(lctx, ev.IP)
	if country == geo.CountryUnknown {
		return cfg.Limits.CountUnknown
	}
	return strings.EqualFold(country, filter)
}

func (e *Engine) handleEvent(ev stream.Event) {
	us, ok := e.users[ev.User]
	if !ok {
		us = newUserState(ev.User)
		e.users[ev.User] = us
		metrics.TrackedUsers.Set(float64(len(e.users)))
	}
	us.window.Observe(ev.IP, ev.Time)
}

func (e *Engine) effectiveLimit(us *userState) int {
	if us.specialLimit > 0 {
		return us.specialLimit
	}
	return e.cfg.Load().EffectiveLimit(us.name)
}

func (e *Engine) evaluate() {
	start := time.Now()
	cfg := e.cfg.Load()
	now := e.now()

	for name, us := range e.users {
		if us.pending {
			continue
		}

		if us.status == StatusDisabled {
			if !us.enableAt.IsZero() && !now.Before(us.enableAt) {
				e.dispatch(us, actionEnable, time.Time{}, false)
			}
			continue
		}

		if us.excepted || cfg.IsExcepted(name) {
			if us.status == StatusWarning {
				us.status = StatusNormal
				us.warningSince = time.Time{}
			}
			continue
		}

		count := us.window.Count(now, cfg.Monitoring.Window)
		limit := e.effectiveLimit(us)
		over := count > limit

		switch us.status {
		case StatusNormal:
			if over {
				us.status = StatusWarning
				us.warningSince = now
				logging.Warn().
					Str("user", name).
					Int("count", count).
					Int("limit", limit).
					Strs("ips", us.window.IPs()).
					Msg("User over limit")
				// Zero grace punishes on the same tick.
				if cfg.Monitoring.WarningGrace <= 0 {
					e.punish(us, now)
				}
			}
		case StatusWarning:
			if !over {
				us.status = StatusNormal
				us.warningSince = time.Time{}
				logging.Info().Str("user", name).Msg("User back within limit")
			} else if now.Sub(us.warningSince) >= cfg.Monitoring.WarningGrace {
				e.punish(us, now)
			}
		}
	}

	metrics.TrackedUsers.Set(float64(len(e.users)))
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
}

// punish applies the next escalation step for a sustained violation.
func (e *Engine) punish(us *userState, now time.Time) {
	cfg := e.cfg.Load()

	if !cfg.Punishment.Enabled {
		e.dispatch(us, actionDisable, now.Add(cfg.Monitoring.TimeToActive), false)
		return
	}

	us.pruneViolations(now, cfg.Punishment.ViolationWindow)
	step := len(us.violations)
	if step > len(cfg.Punishment.Steps)-1 {
		step = len(cfg.Punishment.Steps) - 1
	}
	st := cfg.Punishment.Steps[step]

	if st.Action == config.ActionWarning {
		us.violations = append(us.violations, now)
		// Restart the grace clock so the next step needs a fresh
		// sustained violation.
		us.warningSince = now
		metrics.Violations.WithLabelValues("warning").Inc()
		logging.Warn().
			Str("user", us.name).
			Int("step", step).
			Msg("Punishment step: warning issued")
		e.persist(us)
		return
	}

	var enableAt time.Time
	if st.DurationMinutes > 0 {
		enableAt = now.Add(time.Duration(st.DurationMinutes) * time.Minute)
	}
	e.dispatch(us, actionDisable, enableAt, false)
}

// dispatch runs one enforcement action off the engine goroutine. State
// is only mutated once the result comes back confirmed.
func (e *Engine) dispatch(us *userState, kind actionKind, enableAt time.Time, manual bool) {
	us.pending = true
	name := us.name

	runCtx := context.Background()
	if p := e.runCtx.Load(); p != nil {
		runCtx = *p
	}

	go func() {
		actx, cancel := context.WithTimeout(context.Background(), e.actionTimeout)
		defer cancel()

		var err error
		if kind == actionDisable {
			err = e.actuator.Disable(actx, name)
		} else {
			err = e.actuator.Enable(actx, name)
		}

		res := actionResult{user: name, kind: kind, enableAt: enableAt, manual: manual, err: err}
		select {
		case e.results <- res:
		case <-runCtx.Done():
			logging.Warn().
				Str("user", name).
				Str("action", string(kind)).
				Err(err).
				Msg("Enforcement result dropped during shutdown")
		}
	}()
}

func (e *Engine) handleResult(res actionResult) {
	us, ok := e.users[res.user]
	if !ok {
		return
	}
	us.pending = false

	if errors.Is(res.err, panel.ErrUserNotFound) {
		logging.Info().Str("user", res.user).Msg("User gone from panel, dropping tracking state")
		e.removeUser(res.user)
		return
	}
	if res.err != nil {
		logging.Error().
			Str("user", res.user).
			Str("action", string(res.kind)).
			Err(res.err).
			Msg("Enforcement action failed, will retry on next tick")
		return
	}

	now := e.now()
	switch res.kind {
	case actionDisable:
		us.status = StatusDisabled
		us.disabledAt = now
		us.enableAt = res.enableAt
		us.warningSince = time.Time{}
		if !res.manual {
			us.violations = append(us.violations, now)
			metrics.Violations.WithLabelValues("disable").Inc()
		}
	case actionEnable:
		us.status = StatusNormal
		us.disabledAt = time.Time{}
		us.enableAt = time.Time{}
		us.warningSince = time.Time{}
		if res.manual {
			// Manual enable is the escalation reset.
			us.violations = nil
		}
	}
	e.persist(us)
}

func (e *Engine) persist(us *userState) {
	if err := e.store.SaveUser(us.record()); err != nil {
		logging.Error().Str("user", us.name).Err(err).Msg("Failed to persist user state")
	}
}

func (e *Engine) removeUser(name string) {
	delete(e.users, name)
	metrics.TrackedUsers.Set(float64(len(e.users)))
	if err := e.store.DeleteUser(name); err != nil {
		logging.Error().Str("user", name).Err(err).Msg("Failed to delete user state")
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.commands <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of every user's state, sorted by username.
func (e *Engine) Snapshot(ctx context.Context) ([]UserSnapshot, error) {
	var snaps []UserSnapshot
	err := e.do(ctx, func() {
		now := e.now()
		snaps = make([]UserSnapshot, 0, len(e.users))
		for _, us := range e.users {
			snaps = append(snaps, e.snapshotUser(us, now))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Username < snaps[j].Username })
	return snaps, nil
}

// User returns one user's snapshot.
func (e *Engine) User(ctx context.Context, name string) (UserSnapshot, bool, error) {
	var (
		snap  UserSnapshot
		found bool
	)
	err := e.do(ctx, func() {
		us, ok := e.users[name]
		if !ok {
			return
		}
		found = true
		snap = e.snapshotUser(us, e.now())
	})
	return snap, found, err
}

// SetSpecialLimit overrides the concurrent-IP limit for one user.
func (e *Engine) SetSpecialLimit(ctx context.Context, name string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("special limit must be at least 1, got %d", limit)
	}
	return e.do(ctx, func() {
		us := e.ensureUser(name)
		us.specialLimit = limit
		e.persist(us)
	})
}

// ClearSpecialLimit removes a user's limit override.
func (e *Engine) ClearSpecialLimit(ctx context.Context, name string) error {
	return e.do(ctx, func() {
		us, ok := e.users[name]
		if !ok {
			return
		}
		us.specialLimit = 0
		e.persist(us)
	})
}

// SetException marks or unmarks a user as never evaluated.
func (e *Engine) SetException(ctx context.Context, name string, excepted bool) error {
	return e.do(ctx, func() {
		us := e.ensureUser(name)
		us.excepted = excepted
		if excepted && us.status == StatusWarning {
			us.status = StatusNormal
			us.warningSince = time.Time{}
		}
		e.persist(us)
	})
}

// ForceDisable disables a user until a manual enable. The action runs
// asynchronously; the user stays in its current state until the panel
// confirms.
func (e *Engine) ForceDisable(ctx context.Context, name string) error {
	return e.do(ctx, func() {
		us := e.ensureUser(name)
		if us.pending || us.status == StatusDisabled {
			return
		}
		e.dispatch(us, actionDisable, time.Time{}, true)
	})
}

// ForceEnable re-enables a user immediately and resets escalation.
func (e *Engine) ForceEnable(ctx context.Context, name string) error {
	return e.do(ctx, func() {
		us, ok := e.users[name]
		if !ok || us.pending {
			return
		}
		e.dispatch(us, actionEnable, time.Time{}, true)
	})
}

// UpdateConfig swaps the live configuration. Limits, filter, grace and
// punishment settings take effect on the next event or tick.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	logging.Info().Msg("Engine configuration updated")
}

// Cleanup drops tracking state for users no longer present on the
// panel and returns the removed usernames.
func (e *Engine) Cleanup(ctx context.Context) ([]string, error) {
	var tracked []string
	if err := e.do(ctx, func() {
		tracked = make([]string, 0, len(e.users))
		for name := range e.users {
			tracked = append(tracked, name)
		}
	}); err != nil {
		return nil, err
	}
	if len(tracked) == 0 {
		return nil, nil
	}

	missing, err := e.actuator.MissingUsers(ctx, tracked)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	if err := e.do(ctx, func() {
		for _, name := range missing {
			e.removeUser(name)
		}
	}); err != nil {
		return nil, err
	}

	logging.Info().Int("removed", len(missing)).Msg("Cleanup pass removed stale users")
	return missing, nil
}

func (e *Engine) ensureUser(name string) *userState {
	us, ok := e.users[name]
	if !ok {
		us = newUserState(name)
		e.users[name] = us
		metrics.TrackedUsers.Set(float64(len(e.users)))
	}
	return us
}
