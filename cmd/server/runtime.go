package main

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"strataguard/internal/host"
	"strataguard/internal/persistence/archive"
	"strataguard/internal/persistence/indexdb"
	persistlog "strataguard/internal/persistence/log"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/refresh"
	"strataguard/internal/sim/rewrite"
	"strataguard/internal/sim/sched"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
	"strataguard/internal/transport/ws"
)

type runtimeConfig struct {
	ConfigDir  string
	TuningPath string
	DataDir    string
	DisableDB  bool
	// Mode overrides host.mode from the tuning file when set.
	Mode string
}

// guardRuntime is the reference host with the guard attached, plus the diagnostics
// sinks observing it.
type guardRuntime struct {
	cfg    runtimeConfig
	logger *log.Logger

	blocks   *catalogs.BlockCatalog
	sched    *sched.Scheduler
	host     *host.Host
	guard    *visibility.Controller
	dispatch *refresh.Dispatcher
	engine   *rewrite.Engine
	audit    *persistlog.AuditLogger
	archive  *archive.Shipper
	idx      runtimeIndex
	ws       *ws.Server

	started time.Time

	mu   sync.Mutex
	tune tuning.Tuning
}

func newGuardRuntime(cfg runtimeConfig, tune tuning.Tuning, cats *catalogs.Catalogs, logger *log.Logger) (*guardRuntime, error) {
	if cfg.Mode != "" {
		tune.Host.Mode = cfg.Mode
		if err := tune.Validate(); err != nil {
			return nil, err
		}
	}

	// Refuse to start without a usable specimen.
	specimen, err := cats.Blocks.ResolveReplacement(tune.AntiXray.Replacement)
	if err != nil {
		return nil, fmt.Errorf("resolve replacement %v: %w", tune.AntiXray.Replacement, err)
	}

	prefixed := func(name string) *log.Logger {
		return log.New(logger.Writer(), "["+name+"] ", logger.Flags())
	}

	r := &guardRuntime{cfg: cfg, logger: logger, blocks: &cats.Blocks, tune: tune, started: time.Now()}
	r.sched = sched.New(sched.Capabilities{
		Mode:        sched.Mode(tune.Host.Mode),
		RegionShift: tune.Host.RegionShift,
		TickRateHz:  tune.Host.TickRateHz,
	}, prefixed("sched"))

	r.host, err = host.New(host.Config{Tuning: tune, Blocks: &cats.Blocks, Scheduler: r.sched, Logger: prefixed("host")})
	if err != nil {
		return nil, err
	}
	r.guard = visibility.NewController(visibility.Config{
		Tuning:     tune,
		Scheduler:  r.sched,
		Registry:   r.host,
		Teleporter: r.host,
		Logger:     prefixed("guard"),
	})
	r.dispatch = refresh.New(refresh.Config{
		Performance: tune.Performance,
		Scheduler:   r.sched,
		Connections: r.host,
		Resender:    r.host,
		Classifier:  r.host,
		Load:        r.sched,
		Logger:      prefixed("refresh"),
		Debug:       tune.Settings.Debug,
	})
	r.guard.SetRefresher(r.dispatch)
	r.engine = rewrite.New(rewrite.Config{
		Visibility: r.guard,
		Locator:    r.host,
		Blocks:     &cats.Blocks,
		Specimen:   specimen,
		Logger:     prefixed("rewrite"),
		Debug:      tune.Settings.Debug,
	})
	r.host.Attach(r.guard, r.engine)
	r.guard.Observe(r.host)

	r.audit = persistlog.NewAuditLogger(cfg.DataDir, 0)
	r.guard.Observe(r.audit)

	acfg, err := archive.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("archive config: %w", err)
	}
	if acfg.Enabled() {
		client, err := archive.NewClient(acfg)
		if err != nil {
			return nil, err
		}
		r.archive = archive.NewShipper(client, acfg, cfg.DataDir, prefixed("archive"))
		r.audit.OnFileClosed(r.archive.Enqueue)
		logger.Printf("audit archive: %s/%s", acfg.Endpoint, acfg.Bucket)
	}

	r.idx, err = openRuntimeIndex(cfg.DataDir, cfg.DisableDB)
	if err != nil {
		return nil, fmt.Errorf("open index backend: %w", err)
	}
	if r.idx != nil {
		r.guard.Observe(r.idx)
		if err := r.idx.UpsertCatalogs(cfg.ConfigDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	r.ws = ws.NewServer(r.host, prefixed("ws"))
	logger.Printf("replacement specimen %s (id %d), mode=%s worlds=%v protected=%v",
		specimen.State.Name, specimen.ID(), tune.Host.Mode, r.host.Worlds(), tune.Worlds.Whitelist)
	return r, nil
}

func (r *guardRuntime) Close() {
	if r.idx != nil {
		_ = r.idx.Close()
	}
	r.sched.Close()
}

func (r *guardRuntime) Tuning() tuning.Tuning {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tune
}

// Reload re-reads the tuning file and applies it to every running component. World
// generation and the scheduling mode are fixed at startup.
func (r *guardRuntime) Reload(ctx context.Context) error {
	next, err := tuning.Load(r.cfg.TuningPath)
	if err != nil {
		return err
	}
	if _, err := r.blocks.ResolveReplacement(next.AntiXray.Replacement); err != nil {
		return fmt.Errorf("resolve replacement %v: %w", next.AntiXray.Replacement, err)
	}

	r.mu.Lock()
	prev := r.tune
	next.Host = prev.Host
	r.tune = next
	r.mu.Unlock()

	if !slices.Equal(prev.AntiXray.Replacement, next.AntiXray.Replacement) {
		r.logger.Printf("reload: replacement list changed; takes effect on restart")
	}
	r.host.SetTuning(next)
	r.dispatch.SetPerformance(next.Performance)
	r.dispatch.SetDebug(next.Settings.Debug)
	r.engine.SetDebug(next.Settings.Debug)
	r.guard.ApplyConfig(ctx, next)
	return nil
}

// Bootstrap brings connections that joined before the guard was attached under
// protection.
func (r *guardRuntime) Bootstrap(ctx context.Context) int {
	n := r.guard.Bootstrap(ctx)
	if n > 0 {
		r.logger.Printf("bootstrap: %d connections reconciled", n)
	}
	return n
}

// Maintain sweeps expired cooldowns and samples statistics every interval until ctx
// is done.
func (r *guardRuntime) Maintain(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			swept := r.guard.SweepCooldowns()
			if r.idx != nil {
				r.idx.RecordStats(r.statsRow(time.Now()))
			}
			if r.Tuning().Settings.Debug {
				r.logger.Printf("stats: %s (swept %d cooldowns)", r.statsLine(), swept)
			}
		}
	}
}

func (r *guardRuntime) statsRow(at time.Time) indexdb.StatsRow {
	gs := r.guard.Stats()
	ds := r.dispatch.Stats()
	es := r.engine.Stats()
	return indexdb.StatsRow{
		At:                 at,
		Tracked:            gs.Tracked,
		Transitions:        gs.Transitions,
		Refreshes:          gs.Refreshes,
		CooldownSkips:      gs.CooldownSkips,
		TeleportsPreempted: gs.TeleportsPreempted,
		AreasResent:        ds.AreasResent,
		CellsRewritten:     es.CellsRewritten,
		TPS:                r.sched.TPS(),
	}
}

func (r *guardRuntime) statsLine() string {
	gs := r.guard.Stats()
	ds := r.dispatch.Stats()
	es := r.engine.Stats()
	hs := r.host.Stats()
	return fmt.Sprintf("conns=%d tracked=%d transitions=%s refreshes=%s areas_resent=%s cells_rewritten=%s tps=%.1f started %s",
		hs.Connections, gs.Tracked,
		humanize.Comma(int64(gs.Transitions)),
		humanize.Comma(int64(gs.Refreshes)),
		humanize.Comma(int64(ds.AreasResent)),
		humanize.Comma(int64(es.CellsRewritten)),
		r.sched.TPS(),
		humanize.Time(r.started),
	)
}
