package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	platformotel "strataguard/internal/platform/otel"
	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory (audit log, index)")
		mode       = flag.String("mode", "", "scheduling mode override: single or regionized")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite transition index")
		statsEvery = flag.Duration("stats_every", 30*time.Second, "cooldown sweep and stats sampling interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := platformotel.Setup(ctx, "strataguard")
	if err != nil {
		logger.Fatalf("otel: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
		if err := tuning.ApplyEnv(&tune); err != nil {
			logger.Fatalf("tuning env: %v", err)
		}
	}

	rt, err := newGuardRuntime(runtimeConfig{
		ConfigDir:  *configDir,
		TuningPath: tp,
		DataDir:    *dataDir,
		DisableDB:  *disableDB,
		Mode:       strings.TrimSpace(*mode),
	}, tune, cats, logger)
	if err != nil {
		if errors.Is(err, catalogs.ErrNoReplacement) {
			logger.Fatalf("refusing to start: %v", err)
		}
		logger.Fatalf("init: %v", err)
	}
	defer rt.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		rt.writeMetrics(rw)
	})

	enableAdminHTTP := envBool("STRATA_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("STRATA_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", rt.stateHandler())
		mux.HandleFunc("/admin/v1/reload", rt.reloadHandler())
	} else {
		logger.Printf("admin endpoints disabled (STRATA_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (STRATA_ENABLE_PPROF_HTTP=false)")
	}

	mux.HandleFunc("/v1/ws", rt.ws.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return rt.audit.Run(gctx) })
	if rt.archive != nil {
		g.Go(func() error { return rt.archive.Run(gctx) })
	}
	g.Go(func() error { return rt.Maintain(gctx, *statsEvery) })
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := rt.Reload(gctx); err != nil {
					logger.Printf("reload: %v", err)
					continue
				}
				logger.Printf("reloaded %s", tp)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	rt.Bootstrap(gctx)

	if err := g.Wait(); err != nil {
		logger.Fatalf("server: %v", err)
	}
	logger.Printf("stopped: %s", rt.statsLine())
}

func (r *guardRuntime) stateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if !isLoopbackRemote(req.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		tune := r.Tuning()
		resp := struct {
			Mode      string           `json:"mode"`
			Worlds    []string         `json:"worlds"`
			Protected []string         `json:"protected"`
			Guard     visibility.Stats `json:"guard"`
			Summary   string           `json:"summary"`
		}{
			Mode:      tune.Host.Mode,
			Worlds:    r.host.Worlds(),
			Protected: tune.Worlds.Whitelist,
			Guard:     r.guard.Stats(),
			Summary:   r.statsLine(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (r *guardRuntime) reloadHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(req.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		if err := r.Reload(req.Context()); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
