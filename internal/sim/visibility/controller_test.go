package visibility

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
)

type fakeHost struct {
	mu        sync.Mutex
	conns     map[uuid.UUID]ConnInfo
	ctrl      *Controller
	teleports []geom.Location
}

func (h *fakeHost) Lookup(id uuid.UUID) (ConnInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.conns[id]
	return info, ok
}

func (h *fakeHost) Online() []ConnInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *fakeHost) put(id uuid.UUID, at geom.Location) {
	h.mu.Lock()
	h.conns[id] = ConnInfo{ID: id, Location: at, Online: true}
	h.mu.Unlock()
}

func (h *fakeHost) drop(id uuid.UUID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Teleport behaves like a host: it raises the notification, then moves the connection
// unless the notification was cancelled.
func (h *fakeHost) Teleport(ctx context.Context, id uuid.UUID, to geom.Location, tok *TeleportToken) error {
	info, _ := h.Lookup(id)
	ev := &TeleportEvent{Conn: id, From: info.Location, To: to, Token: tok}
	h.ctrl.Teleport(ctx, ev)
	if ev.Cancelled() {
		return nil
	}
	h.mu.Lock()
	h.teleports = append(h.teleports, to)
	h.mu.Unlock()
	h.put(id, to)
	return nil
}

type fakeRefresher struct {
	mu        sync.Mutex
	refreshed map[uuid.UUID]int
	forced    map[uuid.UUID]int
	cancelled map[uuid.UUID]int
}

func (r *fakeRefresher) RefreshFullView(_ context.Context, id uuid.UUID, force bool) {
	r.mu.Lock()
	r.refreshed[id]++
	if force {
		r.forced[id]++
	}
	r.mu.Unlock()
}

func (r *fakeRefresher) forcedCount(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forced[id]
}

func (r *fakeRefresher) Cancel(id uuid.UUID) {
	r.mu.Lock()
	r.cancelled[id]++
	r.mu.Unlock()
}

func (r *fakeRefresher) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshed[id]
}

type fixture struct {
	ctx   context.Context
	sched *sched.Scheduler
	host  *fakeHost
	ref   *fakeRefresher
	ctrl  *Controller
	now   time.Time
	seen  []Transition
}

func newFixture(t *testing.T, mutate func(*tuning.Tuning)) *fixture {
	t.Helper()
	cfg := tuning.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	f := &fixture{
		ctx:  context.Background(),
		host: &fakeHost{conns: map[uuid.UUID]ConnInfo{}},
		ref:  &fakeRefresher{refreshed: map[uuid.UUID]int{}, forced: map[uuid.UUID]int{}, cancelled: map[uuid.UUID]int{}},
		now:  time.Unix(1_700_000_000, 0),
	}
	f.sched = sched.New(sched.Capabilities{Mode: sched.Single}, log.New(io.Discard, "", 0))
	f.ctrl = NewController(Config{
		Tuning:     cfg,
		Scheduler:  f.sched,
		Registry:   f.host,
		Teleporter: f.host,
		Refresher:  f.ref,
		Logger:     log.New(io.Discard, "", 0),
		Now:        func() time.Time { return f.now },
	})
	f.host.ctrl = f.ctrl
	f.ctrl.Observe(ObserverFunc(func(tr Transition) { f.seen = append(f.seen, tr) }))
	return f
}

func at(y float64) geom.Location { return geom.Location{World: "world", X: 8, Y: y, Z: 8} }

func (f *fixture) connect(y float64) uuid.UUID {
	id := uuid.New()
	f.host.put(id, at(y))
	f.ctrl.Connect(f.ctx, id, at(y))
	return id
}

func (f *fixture) move(id uuid.UUID, from, to float64) {
	f.host.put(id, at(to))
	f.ctrl.Move(f.ctx, id, at(from), at(to))
}

func TestConnect_InitialStateFromElevation(t *testing.T) {
	f := newFixture(t, nil)
	high := f.connect(40)
	low := f.connect(20)
	if h, ok := f.ctrl.Store().Get(high); !ok || !h {
		t.Fatalf("connection at 40 should start hidden")
	}
	if h, ok := f.ctrl.Store().Get(low); !ok || h {
		t.Fatalf("connection at 20 should start visible")
	}
	if f.ref.count(high)+f.ref.count(low) != 0 {
		t.Fatalf("connect must not refresh")
	}
	other := uuid.New()
	f.ctrl.Connect(f.ctx, other, geom.Location{World: "world_nether", Y: 90})
	if _, ok := f.ctrl.Store().Get(other); ok {
		t.Fatalf("connections outside the whitelist are not tracked")
	}
}

func TestMove_HysteresisBand(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(20)
	f.move(id, 20, 25)
	if len(f.seen) != 1 || f.ref.count(id) != 0 {
		t.Fatalf("20 -> 25 must not transition: transitions=%d refreshes=%d", len(f.seen), f.ref.count(id))
	}

	f.move(id, 25, 40)
	if !f.ctrl.Hidden(id) {
		t.Fatalf("40 should hide")
	}
	f.move(id, 40, 30.5)
	if !f.ctrl.Hidden(id) {
		t.Fatalf("30.5 is inside the band; state should stay hidden")
	}
	f.move(id, 30.5, 29.9)
	if f.ctrl.Hidden(id) {
		t.Fatalf("below the release level; state should be visible")
	}
	if got := f.ref.count(id); got != 2 {
		t.Fatalf("refreshes: got %d want 2 (to hidden, to visible)", got)
	}
}

func TestMove_NoHysteresisReleasesBelowProtection(t *testing.T) {
	f := newFixture(t, func(c *tuning.Tuning) { c.AntiXray.Hysteresis = false })
	id := f.connect(40)
	f.move(id, 40, 30.5)
	if f.ctrl.Hidden(id) {
		t.Fatalf("without hysteresis anything below protection_level is visible")
	}
}

func TestMove_UnchangedElevationIgnored(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(40)
	f.ctrl.Move(f.ctx, id, geom.Location{World: "world", X: 1, Y: 40}, geom.Location{World: "world", X: 9, Y: 40})
	f.ctrl.Move(f.ctx, id, at(5.5), at(5.5))
	if !f.ctrl.Hidden(id) || len(f.seen) != 1 || f.ref.count(id) != 0 {
		t.Fatalf("horizontal moves must be ignored: hidden=%v transitions=%d", f.ctrl.Hidden(id), len(f.seen))
	}
}

func TestMove_FractionalThresholdInsideOneBlockRow(t *testing.T) {
	f := newFixture(t, func(c *tuning.Tuning) { c.AntiXray.ProtectionLevel = 30.5 })
	id := f.connect(30.2)
	if f.ctrl.Hidden(id) {
		t.Fatalf("30.2 is below protection_level 30.5")
	}
	f.move(id, 30.2, 30.8)
	if !f.ctrl.Hidden(id) {
		t.Fatalf("30.8 reaches protection_level 30.5; state should be hidden")
	}
	if got := f.ref.count(id); got != 1 {
		t.Fatalf("refreshes: got %d want 1", got)
	}
}

func TestMove_CooldownLimitsHiddenRefreshes(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(0)
	f.move(id, 0, 40)
	f.move(id, 40, 0)
	f.move(id, 0, 40)
	if !f.ctrl.Hidden(id) {
		t.Fatalf("state must still follow elevation under cooldown")
	}
	// one hidden refresh, one visible refresh; the second hidden refresh is skipped
	if got := f.ref.count(id); got != 2 {
		t.Fatalf("refreshes: got %d want 2", got)
	}
	if f.ctrl.Stats().CooldownSkips != 1 {
		t.Fatalf("cooldown skips: got %d want 1", f.ctrl.Stats().CooldownSkips)
	}

	f.now = f.now.Add(3 * time.Second)
	f.move(id, 40, 0)
	f.move(id, 0, 40)
	if got := f.ref.count(id); got != 4 {
		t.Fatalf("after the window both refreshes run: got %d want 4", got)
	}
}

func TestMove_VisibleRefreshIgnoresCooldown(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(0)
	f.move(id, 0, 40)
	for i := 0; i < 3; i++ {
		f.move(id, 40, 0)
		f.move(id, 0, 40)
	}
	f.move(id, 40, 0)
	// 1 hidden refresh + 4 visible refreshes
	if got := f.ref.count(id); got != 5 {
		t.Fatalf("refreshes: got %d want 5", got)
	}
}

func TestMove_LeavingWhitelistDropsState(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(0)
	f.move(id, 0, 40)
	nether := geom.Location{World: "world_nether", Y: 40}
	f.ctrl.Move(f.ctx, id, at(40), nether)
	if _, ok := f.ctrl.Store().Get(id); ok {
		t.Fatalf("state should be dropped outside the whitelist")
	}
	if f.ref.count(id) != 2 {
		t.Fatalf("dropping state should refresh once more")
	}
	f.ctrl.Move(f.ctx, id, nether, geom.Location{World: "world_nether", Y: 80})
	if f.ref.count(id) != 2 {
		t.Fatalf("untracked moves outside the whitelist do nothing")
	}
	if _, ok := f.ctrl.Cooldowns().Until(id); !ok {
		t.Fatalf("cooldown must survive leaving the area")
	}
}

func TestMove_UntrackedDerivesFreshState(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	f.ctrl.Move(f.ctx, id, at(10), at(50))
	if h, ok := f.ctrl.Store().Get(id); !ok || !h {
		t.Fatalf("untracked connection should get fresh hidden state")
	}
	if f.ref.count(id) != 0 {
		t.Fatalf("fresh state is applied lazily")
	}
}

func TestTeleport_HiddenToVisibleIsReplayedNextTick(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(40)
	ev := &TeleportEvent{Conn: id, From: at(40), To: at(5)}
	f.ctrl.Teleport(f.ctx, ev)

	if !ev.Cancelled() {
		t.Fatalf("hidden -> visible teleport must be cancelled")
	}
	if f.ctrl.Hidden(id) {
		t.Fatalf("state must be visible before the teleport is replayed")
	}
	if !f.ctrl.Tokens().InFlight(id) {
		t.Fatalf("an internal teleport should be in flight")
	}
	if len(f.host.teleports) != 0 {
		t.Fatalf("teleport replayed too early")
	}

	f.sched.Step(f.ctx)
	if len(f.host.teleports) != 1 || f.host.teleports[0] != at(5) {
		t.Fatalf("teleports after one tick: got %v", f.host.teleports)
	}
	if f.ctrl.Tokens().InFlight(id) {
		t.Fatalf("token should be consumed by the replayed notification")
	}
	st := f.ctrl.Stats()
	if st.TeleportsPreempted != 1 || st.TokensConsumed != 1 {
		t.Fatalf("stats: %+v", st)
	}

	f.sched.StepN(f.ctx, 3)
	if len(f.host.teleports) != 1 {
		t.Fatalf("replay must happen exactly once: %v", f.host.teleports)
	}
}

func TestTeleport_TokenIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(40)
	tok := f.ctrl.Tokens().Issue(id)

	first := &TeleportEvent{Conn: id, From: at(40), To: at(5), Token: tok}
	f.ctrl.Teleport(f.ctx, first)
	if first.Cancelled() || !f.ctrl.Hidden(id) {
		t.Fatalf("token-marked teleport must be ignored")
	}

	second := &TeleportEvent{Conn: id, From: at(40), To: at(5), Token: tok}
	f.ctrl.Teleport(f.ctx, second)
	if !second.Cancelled() {
		t.Fatalf("a spent token must not suppress handling")
	}
	if f.ctrl.Stats().TokensConsumed != 1 {
		t.Fatalf("token consumed %d times", f.ctrl.Stats().TokensConsumed)
	}
}

func TestTeleport_VisibleToHiddenProceeds(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(5)
	ev := &TeleportEvent{Conn: id, From: at(5), To: at(90)}
	f.ctrl.Teleport(f.ctx, ev)
	if ev.Cancelled() {
		t.Fatalf("visible -> hidden teleport proceeds")
	}
	if !f.ctrl.Hidden(id) {
		t.Fatalf("state should be hidden immediately")
	}
}

func TestTeleport_OutOfWhitelistRefreshesAtDestination(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(40)
	dest := geom.Location{World: "world_nether", Y: 64}
	ev := &TeleportEvent{Conn: id, From: at(40), To: dest}
	f.ctrl.Teleport(f.ctx, ev)
	if ev.Cancelled() {
		t.Fatalf("leaving the whitelist is never cancelled")
	}
	if _, ok := f.ctrl.Store().Get(id); ok {
		t.Fatalf("state should be dropped")
	}
	if f.ref.count(id) != 0 {
		t.Fatalf("refresh waits for the teleport to finish")
	}
	f.sched.Step(f.ctx)
	if f.ref.count(id) != 1 {
		t.Fatalf("refresh after teleport: got %d", f.ref.count(id))
	}
}

func TestDisconnect_ReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(40)
	f.move(id, 40, 0)
	f.move(id, 0, 40)
	f.ctrl.Teleport(f.ctx, &TeleportEvent{Conn: id, From: at(40), To: at(5)})

	f.host.drop(id)
	f.ctrl.Disconnect(id)
	if _, ok := f.ctrl.Store().Get(id); ok {
		t.Fatalf("state must be removed")
	}
	if _, ok := f.ctrl.Cooldowns().Until(id); ok {
		t.Fatalf("cooldown must be removed")
	}
	if f.ctrl.Tokens().InFlight(id) {
		t.Fatalf("in-flight token must be released")
	}
	if f.ref.cancelled[id] != 1 {
		t.Fatalf("pending refresh work must be cancelled")
	}

	before := len(f.seen)
	f.sched.StepN(f.ctx, 3)
	if len(f.host.teleports) != 0 {
		t.Fatalf("no teleport after disconnect")
	}
	if f.ctrl.Store().Len() != 0 || len(f.seen) != before {
		t.Fatalf("no further mutations after disconnect")
	}
}

func TestChangeWorld_RefreshesOnEntryAndExit(t *testing.T) {
	f := newFixture(t, func(c *tuning.Tuning) { c.Worlds.Whitelist = []string{"world", "mining"} })
	id := uuid.New()
	f.ctrl.ChangeWorld(f.ctx, id, geom.Location{World: "mining", Y: 50})
	if !f.ctrl.Hidden(id) || f.ref.count(id) != 1 {
		t.Fatalf("entering an eligible world tracks and refreshes")
	}
	f.ctrl.ChangeWorld(f.ctx, id, geom.Location{World: "world_nether", Y: 50})
	if _, ok := f.ctrl.Store().Get(id); ok || f.ref.count(id) != 2 {
		t.Fatalf("leaving drops state and refreshes")
	}
	f.ctrl.ChangeWorld(f.ctx, id, geom.Location{World: "world_the_end", Y: 50})
	if f.ref.count(id) != 2 {
		t.Fatalf("untracked world change outside the whitelist does nothing")
	}
}

func TestApplyConfig_ReconcilesOnlineConnections(t *testing.T) {
	f := newFixture(t, nil)
	inWorld := f.connect(40)
	nether := uuid.New()
	f.host.put(nether, geom.Location{World: "world_nether", Y: 40})

	next := tuning.Defaults()
	next.Worlds.Whitelist = []string{"world_nether"}
	f.ctrl.ApplyConfig(f.ctx, next)

	if _, ok := f.ctrl.Store().Get(inWorld); ok {
		t.Fatalf("world removed from whitelist: state should be dropped")
	}
	if h, ok := f.ctrl.Store().Get(nether); !ok || !h {
		t.Fatalf("world added to whitelist: connection should be tracked hidden")
	}
	if f.ref.count(inWorld) != 1 || f.ref.count(nether) != 1 {
		t.Fatalf("both connections should be refreshed")
	}
	if f.ctrl.Eligible("world") {
		t.Fatalf("policy not swapped")
	}
}

func TestRefresh_ForcedOnlyWhenTheViewChanges(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(0)
	f.move(id, 0, 40)
	f.move(id, 40, 0)
	if got := f.ref.forcedCount(id); got != 2 {
		t.Fatalf("transition refreshes: got %d forced want 2", got)
	}

	// Same thresholds: the reconcile refresh may be coalesced.
	f.ctrl.ApplyConfig(f.ctx, tuning.Defaults())
	if f.ref.count(id) != 3 || f.ref.forcedCount(id) != 2 {
		t.Fatalf("unchanged reload: refreshes=%d forced=%d", f.ref.count(id), f.ref.forcedCount(id))
	}

	next := tuning.Defaults()
	next.AntiXray.HideBelowLevel = 10
	f.ctrl.ApplyConfig(f.ctx, next)
	if f.ref.count(id) != 4 || f.ref.forcedCount(id) != 3 {
		t.Fatalf("new suppression band: refreshes=%d forced=%d", f.ref.count(id), f.ref.forcedCount(id))
	}

	f.ctrl.ChangeWorld(f.ctx, id, geom.Location{World: "world", Y: 0})
	if f.ref.forcedCount(id) != 4 {
		t.Fatalf("world change must force: forced=%d", f.ref.forcedCount(id))
	}
}

func TestBootstrap_TracksAlreadyOnline(t *testing.T) {
	f := newFixture(t, nil)
	a, b := uuid.New(), uuid.New()
	f.host.put(a, at(64))
	f.host.put(b, at(-20))
	if n := f.ctrl.Bootstrap(f.ctx); n != 2 {
		t.Fatalf("bootstrap handled %d", n)
	}
	if !f.ctrl.Hidden(a) || f.ctrl.Hidden(b) || f.ctrl.Store().Len() != 2 {
		t.Fatalf("bootstrap states: %v", f.ctrl.Store().Snapshot())
	}
}

func TestTransitions_AreAllLegal(t *testing.T) {
	f := newFixture(t, nil)
	id := f.connect(0)
	for _, y := range []float64{40, 10, 35, 31, 20, 60} {
		info, _ := f.host.Lookup(id)
		f.move(id, info.Location.Y, y)
	}
	f.ctrl.Teleport(f.ctx, &TeleportEvent{Conn: id, From: at(60), To: at(0)})
	f.sched.StepN(f.ctx, 2)
	f.ctrl.Disconnect(id)
	if len(f.seen) == 0 {
		t.Fatalf("expected transitions")
	}
	for _, tr := range f.seen {
		if !Legal(tr.From, tr.To) {
			t.Fatalf("illegal transition published: %+v", tr)
		}
	}
	if last := f.seen[len(f.seen)-1]; last.To != NotTracked || last.Cause != CauseDisconnect {
		t.Fatalf("last transition: %+v", last)
	}
}
