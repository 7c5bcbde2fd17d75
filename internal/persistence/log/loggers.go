package log

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"strataguard/internal/sim/visibility"
)

// JSONLZstdWriter appends JSON lines to hourly zstd-compressed files under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	curPath string
	onClose func(path string)
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v without flushing; Flush makes it durable.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = w.pathForHour(hour)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if w.curPath != "" && w.onClose != nil {
		w.onClose(w.curPath)
	}
	w.curPath = ""
	return err1
}

// OnClose registers fn to receive the path of every file once it is complete.
func (w *JSONLZstdWriter) OnClose(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TransitionEntry is one line of the transition audit log.
type TransitionEntry struct {
	Time      string     `json:"time"`
	Conn      string     `json:"conn"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Cause     string     `json:"cause"`
	World     string     `json:"world,omitempty"`
	Pos       [3]float64 `json:"pos"`
	Refreshed bool       `json:"refreshed,omitempty"`
}

func EntryOf(t visibility.Transition) TransitionEntry {
	return TransitionEntry{
		Time:      t.At.UTC().Format(time.RFC3339Nano),
		Conn:      t.Conn.String(),
		From:      t.From.String(),
		To:        t.To.String(),
		Cause:     string(t.Cause),
		World:     t.Location.World,
		Pos:       [3]float64{t.Location.X, t.Location.Y, t.Location.Z},
		Refreshed: t.Refreshed,
	}
}

// AuditLogger records visibility transitions. OnTransition runs on tick goroutines
// and only enqueues; Run does the file IO.
type AuditLogger struct {
	w     *JSONLZstdWriter
	queue chan TransitionEntry

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewAuditLogger(dataDir string, queue int) *AuditLogger {
	if queue <= 0 {
		queue = 4096
	}
	return &AuditLogger{
		w:     NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "transitions"),
		queue: make(chan TransitionEntry, queue),
	}
}

func (l *AuditLogger) OnTransition(t visibility.Transition) {
	select {
	case l.queue <- EntryOf(t):
	default:
		l.dropped.Add(1)
	}
}

// OnFileClosed forwards completed hourly files, e.g. to an archive shipper.
func (l *AuditLogger) OnFileClosed(fn func(path string)) { l.w.OnClose(fn) }

func (l *AuditLogger) Written() uint64 { return l.written.Load() }
func (l *AuditLogger) Dropped() uint64 { return l.dropped.Load() }

// Run drains the queue until ctx is done, flushing once per second and on exit.
func (l *AuditLogger) Run(ctx context.Context) error {
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			l.drain()
			_ = l.w.Flush()
			return l.w.Close()
		case e := <-l.queue:
			if err := l.w.Write(e); err != nil {
				return err
			}
			l.written.Add(1)
		case <-flush.C:
			if err := l.w.Flush(); err != nil {
				return err
			}
		}
	}
}

func (l *AuditLogger) drain() {
	for {
		select {
		case e := <-l.queue:
			if l.w.Write(e) == nil {
				l.written.Add(1)
			}
		default:
			return
		}
	}
}

// ReadFile streams the entries of one compressed log file to fn.
func ReadFile(path string, fn func(TransitionEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		var e TransitionEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
