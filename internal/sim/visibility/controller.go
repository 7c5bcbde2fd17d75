package visibility

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
)

// ConnInfo is the host's view of one connection.
type ConnInfo struct {
	ID       uuid.UUID
	Location geom.Location
	Online   bool
}

// Registry looks up the host's live connections.
type Registry interface {
	Lookup(id uuid.UUID) (ConnInfo, bool)
	Online() []ConnInfo
}

// Teleporter moves a connection. The host must deliver the resulting teleport
// notification with tok attached.
type Teleporter interface {
	Teleport(ctx context.Context, id uuid.UUID, to geom.Location, tok *TeleportToken) error
}

// Refresher resends area data around a connection. Forced refreshes follow a
// committed transition and must not be coalesced with earlier ones.
type Refresher interface {
	RefreshFullView(ctx context.Context, id uuid.UUID, force bool)
	Cancel(id uuid.UUID)
}

// Scheduler queues work on the executor owning a location.
type Scheduler interface {
	RunAt(loc geom.Location, t sched.Task)
	RunAtDelayed(loc geom.Location, t sched.Task, ticks uint64)
}

// TeleportEvent is a pending teleport. Cancel stops the host from carrying it out.
type TeleportEvent struct {
	Conn  uuid.UUID
	From  geom.Location
	To    geom.Location
	Token *TeleportToken

	cancelled bool
}

func (e *TeleportEvent) Cancel()         { e.cancelled = true }
func (e *TeleportEvent) Cancelled() bool { return e.cancelled }

// Stats are cumulative controller counters.
type Stats struct {
	Transitions        uint64
	Refreshes          uint64
	CooldownSkips      uint64
	TeleportsPreempted uint64
	TokensConsumed     uint64
	Tracked            int
}

// Controller tracks each connection's visibility state and drives refreshes and
// teleports when it changes.
type Controller struct {
	store     *Store
	cooldowns *Cooldowns
	tokens    *Tokens
	policy    atomic.Pointer[Policy]

	sched      Scheduler
	registry   Registry
	teleporter Teleporter
	refresher  Refresher
	observers  observers

	logger *log.Logger
	debug  atomic.Bool
	now    func() time.Time
	tracer trace.Tracer

	transitions        atomic.Uint64
	refreshes          atomic.Uint64
	cooldownSkips      atomic.Uint64
	teleportsPreempted atomic.Uint64
	tokensConsumed     atomic.Uint64
}

// Config wires a Controller to its host.
type Config struct {
	Tuning     tuning.Tuning
	Scheduler  Scheduler
	Registry   Registry
	Teleporter Teleporter
	Refresher  Refresher
	Logger     *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		store:      NewStore(),
		cooldowns:  NewCooldowns(),
		tokens:     NewTokens(),
		sched:      cfg.Scheduler,
		registry:   cfg.Registry,
		teleporter: cfg.Teleporter,
		refresher:  cfg.Refresher,
		logger:     cfg.Logger,
		now:        cfg.Now,
		tracer:     otel.Tracer("strataguard/visibility"),
	}
	if c.logger == nil {
		c.logger = log.New(log.Writer(), "[guard] ", log.LstdFlags|log.Lmicroseconds)
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.policy.Store(NewPolicy(cfg.Tuning))
	c.debug.Store(cfg.Tuning.Settings.Debug)
	return c
}

// SetRefresher wires the dispatcher after construction; the dispatcher itself needs
// the controller for eligibility checks.
func (c *Controller) SetRefresher(r Refresher) { c.refresher = r }

func (c *Controller) Store() *Store { return c.store }

func (c *Controller) Cooldowns() *Cooldowns { return c.cooldowns }

func (c *Controller) Tokens() *Tokens { return c.tokens }

func (c *Controller) Policy() *Policy { return c.policy.Load() }

func (c *Controller) Eligible(world string) bool { return c.Policy().Eligible(world) }

// Hidden reports the committed state for id. Untracked connections are not hidden.
func (c *Controller) Hidden(id uuid.UUID) bool {
	h, _ := c.store.Get(id)
	return h
}

func (c *Controller) Observe(o TransitionObserver) { c.observers.add(o) }

func (c *Controller) Stats() Stats {
	return Stats{
		Transitions:        c.transitions.Load(),
		Refreshes:          c.refreshes.Load(),
		CooldownSkips:      c.cooldownSkips.Load(),
		TeleportsPreempted: c.teleportsPreempted.Load(),
		TokensConsumed:     c.tokensConsumed.Load(),
		Tracked:            c.store.Len(),
	}
}

func (c *Controller) debugf(format string, args ...any) {
	if c.debug.Load() {
		c.logger.Printf(format, args...)
	}
}

func (c *Controller) publish(id uuid.UUID, from, to State, cause Cause, at geom.Location, refreshed bool) {
	if !Legal(from, to) {
		c.logger.Printf("illegal transition %s -> %s for %s (%s)", from, to, id, cause)
		return
	}
	c.transitions.Add(1)
	c.debugf("%s %s -> %s (%s) at y=%.2f refresh=%v", id, from, to, cause, at.Y, refreshed)
	c.observers.publish(Transition{
		Conn:      id,
		From:      from,
		To:        to,
		Cause:     cause,
		At:        c.now(),
		Location:  at,
		Refreshed: refreshed,
	})
}

func (c *Controller) refresh(ctx context.Context, id uuid.UUID, force bool) {
	if c.refresher == nil {
		return
	}
	c.refreshes.Add(1)
	c.refresher.RefreshFullView(ctx, id, force)
}

// Connect tracks a new connection without refreshing; suppression applies lazily to
// the areas streamed from now on.
func (c *Controller) Connect(ctx context.Context, id uuid.UUID, at geom.Location) {
	pol := c.Policy()
	if !pol.Eligible(at.World) {
		return
	}
	initial := pol.Initial(at.Y)
	if _, loaded := c.store.LoadOrInit(id, initial); loaded {
		return
	}
	c.publish(id, NotTracked, StateOf(initial, true), CauseConnect, at, false)
}

// Enter (re)derives state from at. With immediate set, the view is refreshed even
// if the state did not change.
func (c *Controller) Enter(ctx context.Context, id uuid.UUID, at geom.Location, immediate bool) {
	c.enter(ctx, id, at, immediate, CauseWorldChange, true)
}

// enter derives state from at. The refresh is forced when the state changed or
// viewChanged is set (new world, new suppression band).
func (c *Controller) enter(ctx context.Context, id uuid.UUID, at geom.Location, immediate bool, cause Cause, viewChanged bool) {
	pol := c.Policy()
	if !pol.Eligible(at.World) {
		c.exit(ctx, id, at, cause)
		return
	}
	initial := pol.Initial(at.Y)
	prev, existed := c.store.Swap(id, initial)
	from := StateOf(prev, existed)
	to := StateOf(initial, true)
	if from != to {
		c.publish(id, from, to, cause, at, immediate)
	}
	if immediate {
		c.refresh(ctx, id, viewChanged || from != to)
	}
}

// exit drops state for a connection that left the protected area, refreshing its
// view if anything was tracked.
func (c *Controller) exit(ctx context.Context, id uuid.UUID, at geom.Location, cause Cause) bool {
	prev, ok := c.store.Remove(id)
	if !ok {
		return false
	}
	c.publish(id, StateOf(prev, true), NotTracked, cause, at, true)
	c.refresh(ctx, id, true)
	return true
}

// Move handles a position change from -> to.
func (c *Controller) Move(ctx context.Context, id uuid.UUID, from, to geom.Location) {
	if from.World == to.World && from.Y == to.Y {
		return
	}
	pol := c.Policy()
	if !pol.Eligible(to.World) {
		c.exit(ctx, id, to, CauseMove)
		return
	}
	old, ok := c.store.Get(id)
	if !ok {
		initial := pol.Initial(to.Y)
		if _, loaded := c.store.LoadOrInit(id, initial); !loaded {
			c.publish(id, NotTracked, StateOf(initial, true), CauseMove, to, false)
		}
		return
	}
	next := pol.Next(old, to.Y)
	if next == old {
		return
	}
	if !c.store.CompareAndSwap(id, old, next) {
		// Another notification for this connection committed first.
		return
	}
	refresh := true
	if next && !c.cooldowns.TryArm(id, c.now(), pol.CooldownWindow) {
		refresh = false
		c.cooldownSkips.Add(1)
	}
	c.publish(id, StateOf(old, true), StateOf(next, true), CauseMove, to, refresh)
	if refresh {
		c.refresh(ctx, id, true)
	}
}

// Teleport inspects a teleport before the host carries it out. It may cancel ev.
func (c *Controller) Teleport(ctx context.Context, ev *TeleportEvent) {
	id := ev.Conn
	if ev.Token != nil && c.tokens.Consume(id, ev.Token) {
		c.tokensConsumed.Add(1)
		return
	}
	pol := c.Policy()
	if !pol.Eligible(ev.To.World) {
		prev, ok := c.store.Remove(id)
		if !ok {
			return
		}
		c.publish(id, StateOf(prev, true), NotTracked, CauseTeleport, ev.To, true)
		dest := ev.To
		c.sched.RunAt(dest, func(tctx context.Context) {
			if info, ok := c.registry.Lookup(id); !ok || !info.Online {
				return
			}
			c.refresh(tctx, id, true)
		})
		return
	}
	old, ok := c.store.Get(id)
	if !ok {
		initial := pol.Initial(ev.To.Y)
		if _, loaded := c.store.LoadOrInit(id, initial); !loaded {
			c.publish(id, NotTracked, StateOf(initial, true), CauseTeleport, ev.To, false)
		}
		return
	}
	next := pol.Next(old, ev.To.Y)
	if next == old || !c.store.CompareAndSwap(id, old, next) {
		return
	}
	c.publish(id, StateOf(old, true), StateOf(next, true), CauseTeleport, ev.To, false)
	if next {
		return
	}

	// Hidden -> visible: the destination must not be streamed before the new state is
	// in place, so the teleport is replayed one tick later under a token.
	ev.Cancel()
	c.teleportsPreempted.Add(1)
	tok := c.tokens.Issue(id)
	dest := ev.To
	c.sched.RunAtDelayed(dest, func(tctx context.Context) {
		if info, ok := c.registry.Lookup(id); !ok || !info.Online {
			c.tokens.Release(id, tok)
			return
		}
		if err := c.teleporter.Teleport(tctx, id, dest, tok); err != nil {
			c.tokens.Release(id, tok)
			c.logger.Printf("re-issued teleport for %s failed: %v", id, err)
		}
	}, 1)
}

// ChangeWorld handles a connection that arrived in another world.
func (c *Controller) ChangeWorld(ctx context.Context, id uuid.UUID, to geom.Location) {
	c.enter(ctx, id, to, true, CauseWorldChange, true)
}

// Disconnect forgets everything about id.
func (c *Controller) Disconnect(id uuid.UUID) {
	prev, ok := c.store.Remove(id)
	c.cooldowns.Clear(id)
	c.tokens.Clear(id)
	if c.refresher != nil {
		c.refresher.Cancel(id)
	}
	if ok {
		c.publish(id, StateOf(prev, true), NotTracked, CauseDisconnect, geom.Location{}, false)
	}
}

// ApplyConfig publishes new thresholds and reconciles every online connection against
// them.
func (c *Controller) ApplyConfig(ctx context.Context, t tuning.Tuning) {
	ctx, span := c.tracer.Start(ctx, "visibility.apply_config")
	defer span.End()

	next := NewPolicy(t)
	prev := c.policy.Swap(next)
	c.debug.Store(t.Settings.Debug)
	n := c.reconcile(ctx, CauseReload, prev == nil || !prev.SameSuppression(next))
	span.SetAttributes(attribute.Int("connections", n))
	c.logger.Printf("config applied: protection=%v hide_below=%d band=%v worlds=%v (%d connections)",
		t.AntiXray.ProtectionLevel, t.AntiXray.HideBelowLevel, t.AntiXray.TransitionBand, t.Worlds.Whitelist, n)
}

// Bootstrap handles connections that were online before the guard started.
func (c *Controller) Bootstrap(ctx context.Context) int {
	ctx, span := c.tracer.Start(ctx, "visibility.bootstrap")
	defer span.End()
	n := c.reconcile(ctx, CauseBootstrap, false)
	span.SetAttributes(attribute.Int("connections", n))
	return n
}

func (c *Controller) reconcile(ctx context.Context, cause Cause, viewChanged bool) int {
	if c.registry == nil {
		return 0
	}
	online := c.registry.Online()
	for _, info := range online {
		if !info.Online {
			continue
		}
		c.enter(ctx, info.ID, info.Location, true, cause, viewChanged)
	}
	return len(online)
}

// SweepCooldowns drops expired cooldown entries.
func (c *Controller) SweepCooldowns() int {
	return c.cooldowns.Sweep(c.now())
}
