package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClient_PutFileSignsRequest(t *testing.T) {
	var (
		mu     sync.Mutex
		gotReq *http.Request
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotReq = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL, Bucket: "logs", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "transitions-2026-03-01-10.jsonl.zst")
	payload := []byte("compressed bytes")
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFile(context.Background(), "/strataguard/audit/transitions-2026-03-01-10.jsonl.zst", local); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReq.Method != http.MethodPut || gotReq.URL.Path != "/logs/strataguard/audit/transitions-2026-03-01-10.jsonl.zst" {
		t.Fatalf("request: %s %s", gotReq.Method, gotReq.URL.Path)
	}
	if string(body) != string(payload) {
		t.Fatalf("body: %q", body)
	}
	sum := sha256.Sum256(payload)
	if got := gotReq.Header.Get("x-amz-content-sha256"); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("payload hash: %s", got)
	}
	auth := gotReq.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization: %s", auth)
	}
	if gotReq.Header.Get("x-amz-date") != "20260301T100000Z" {
		t.Fatalf("date: %s", gotReq.Header.Get("x-amz-date"))
	}
}

func TestClient_PutFileReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	c, _ := NewClient(Config{Endpoint: srv.URL, Bucket: "logs", AccessKeyID: "AK", SecretAccessKey: "SK"})
	local := filepath.Join(t.TempDir(), "x")
	_ = os.WriteFile(local, []byte("x"), 0o644)
	err := c.PutFile(context.Background(), "x", local)
	if err == nil || !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("got %v", err)
	}
}

func TestNewClient_RequiresTarget(t *testing.T) {
	if _, err := NewClient(Config{Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"}); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("STRATA_ARCHIVE_ENDPOINT", "r2.example.com")
	t.Setenv("STRATA_ARCHIVE_BUCKET", "audit")
	t.Setenv("STRATA_ARCHIVE_WORKERS", "3")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Enabled() || cfg.Workers != 3 || cfg.Region != "auto" || cfg.Prefix != "strataguard" {
		t.Fatalf("cfg: %+v", cfg)
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeUploader) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShipper_UploadsWithRetry(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "audit", "transitions-2026-03-01-10.jsonl.zst")
	_ = os.MkdirAll(filepath.Dir(local), 0o755)
	_ = os.WriteFile(local, []byte("x"), 0o644)

	up := &fakeUploader{fails: 2}
	s := NewShipper(up, Config{Prefix: "/guard/"}, dir, log.New(io.Discard, "", 0))
	s.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Enqueue(local)
	waitFor(t, func() bool { return s.Stats().Uploaded == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	keys := up.uploaded()
	if len(keys) != 1 || keys[0] != "guard/audit/transitions-2026-03-01-10.jsonl.zst" {
		t.Fatalf("keys: %v", keys)
	}
}

func TestShipper_GivesUpAndCounts(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.jsonl.zst")
	_ = os.WriteFile(local, []byte("x"), 0o644)
	outside := filepath.Join(t.TempDir(), "b.jsonl.zst")
	_ = os.WriteFile(outside, []byte("x"), 0o644)

	up := &fakeUploader{fails: 100}
	s := NewShipper(up, Config{}, dir, log.New(io.Discard, "", 0))
	s.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Enqueue(local)
	s.Enqueue(outside)
	waitFor(t, func() bool { return s.Stats().Failed == 2 })
	if st := s.Stats(); st.Uploaded != 0 || st.LastErrorUnix == 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestShipper_DropsWhenFull(t *testing.T) {
	s := NewShipper(&fakeUploader{}, Config{Queue: 1}, t.TempDir(), log.New(io.Discard, "", 0))
	s.Enqueue("a")
	s.Enqueue("b")
	if st := s.Stats(); st.Dropped != 1 || st.Enqueued != 2 || st.QueueDepth != 1 {
		t.Fatalf("stats: %+v", st)
	}
}
