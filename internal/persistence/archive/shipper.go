package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	Enqueued        uint64
	Dropped         uint64
	Uploaded        uint64
	Failed          uint64
	LastSuccessUnix int64
	LastErrorUnix   int64
}

// Shipper uploads files handed to Enqueue. Object keys mirror the path relative to
// baseDir, under the configured prefix.
type Shipper struct {
	up      Uploader
	baseDir string
	prefix  string
	workers int
	logger  *log.Logger

	attempts int
	backoff  time.Duration

	jobs chan string

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func NewShipper(up Uploader, cfg Config, baseDir string, logger *log.Logger) *Shipper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[archive] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Shipper{
		up:       up,
		baseDir:  baseDir,
		prefix:   strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		workers:  cfg.Workers,
		logger:   logger,
		attempts: 4,
		backoff:  200 * time.Millisecond,
		jobs:     make(chan string, cfg.Queue),
	}
}

// Enqueue never blocks; a full queue drops the file, which stays on local disk.
func (s *Shipper) Enqueue(localPath string) {
	s.enqueued.Add(1)
	select {
	case s.jobs <- localPath:
	default:
		n := s.dropped.Add(1)
		s.logger.Printf("drop %s: queue full (dropped %d)", localPath, n)
	}
}

func (s *Shipper) Stats() Stats {
	return Stats{
		QueueDepth:      len(s.jobs),
		QueueCapacity:   cap(s.jobs),
		Enqueued:        s.enqueued.Load(),
		Dropped:         s.dropped.Load(),
		Uploaded:        s.uploaded.Load(),
		Failed:          s.failed.Load(),
		LastSuccessUnix: s.lastSuccess.Load(),
		LastErrorUnix:   s.lastError.Load(),
	}
}

// Run uploads queued files until ctx is done. Files still queued at that point are
// left for an operator to ship by hand.
func (s *Shipper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-s.jobs:
					s.ship(ctx, p)
				}
			}
		})
	}
	err := g.Wait()
	if n := len(s.jobs); n > 0 {
		s.logger.Printf("stopping with %d files not uploaded", n)
	}
	return err
}

func (s *Shipper) ship(ctx context.Context, localPath string) {
	key, err := s.objectKey(localPath)
	if err != nil {
		s.failed.Add(1)
		s.logger.Printf("skip %s: %v", localPath, err)
		return
	}
	if err := s.putWithRetry(ctx, key, localPath); err != nil {
		s.failed.Add(1)
		s.lastError.Store(time.Now().Unix())
		s.logger.Printf("upload %s failed: %v", key, err)
		return
	}
	s.uploaded.Add(1)
	s.lastSuccess.Store(time.Now().Unix())
}

func (s *Shipper) putWithRetry(ctx context.Context, key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		lastErr = s.up.PutFile(actx, key, localPath)
		cancel()
		if lastErr == nil || attempt == s.attempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt*attempt) * s.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

func (s *Shipper) objectKey(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if s.prefix == "" {
		return rel, nil
	}
	return path.Join(s.prefix, rel), nil
}
