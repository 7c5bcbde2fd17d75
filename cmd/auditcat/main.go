package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"strataguard/internal/persistence/indexdb"
	persistlog "strataguard/internal/persistence/log"
	"strataguard/internal/sim/visibility"
)

func main() {
	var (
		auditDir = flag.String("audit", "./data/audit", "dir containing transitions-*.jsonl.zst")
		dbPath   = flag.String("index", "", "query this sqlite index instead of the audit files (optional)")
		conn     = flag.String("conn", "", "only show this connection id")
		cause    = flag.String("cause", "", "only show this cause")
		limit    = flag.Int("limit", 0, "max entries to print (0 = all)")
		asJSON   = flag.Bool("json", false, "print entries as JSON lines")
		verify   = flag.Bool("verify", false, "check that every connection's transitions chain without gaps")
	)
	flag.Parse()

	if *dbPath != "" {
		if err := queryIndex(os.Stdout, *dbPath, *conn, *limit); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(1)
		}
		return
	}

	files, err := listAuditFiles(*auditDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list audit files:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no audit files found in", *auditDir)
		os.Exit(1)
	}

	chk := newChainChecker()
	byCause := map[string]int{}
	var printed, total int
	enc := json.NewEncoder(os.Stdout)
	for _, path := range files {
		err := persistlog.ReadFile(path, func(e persistlog.TransitionEntry) error {
			total++
			byCause[e.Cause]++
			if *verify {
				if err := chk.add(e); err != nil {
					return err
				}
			}
			if *conn != "" && e.Conn != *conn {
				return nil
			}
			if *cause != "" && e.Cause != *cause {
				return nil
			}
			if *limit > 0 && printed >= *limit {
				return nil
			}
			printed++
			if *asJSON {
				return enc.Encode(e)
			}
			fmt.Println(formatEntry(e))
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
	}

	causes := make([]string, 0, len(byCause))
	for c := range byCause {
		causes = append(causes, c)
	}
	sort.Strings(causes)
	parts := make([]string, 0, len(causes))
	for _, c := range causes {
		parts = append(parts, fmt.Sprintf("%s=%d", c, byCause[c]))
	}
	fmt.Fprintf(os.Stderr, "%d transitions in %d files (%s)\n", total, len(files), strings.Join(parts, " "))
	if *verify {
		fmt.Fprintf(os.Stderr, "verify ok: %d connections\n", chk.connections())
	}
}

func listAuditFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "transitions-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func formatEntry(e persistlog.TransitionEntry) string {
	refreshed := ""
	if e.Refreshed {
		refreshed = " +refresh"
	}
	return fmt.Sprintf("%s %s %-10s %s -> %s  %s (%.1f, %.1f, %.1f)%s",
		e.Time, e.Conn, e.Cause, e.From, e.To, e.World, e.Pos[0], e.Pos[1], e.Pos[2], refreshed)
}

// chainChecker verifies that each transition of a connection starts in the state the
// previous one ended in.
type chainChecker struct {
	last map[string]string
}

func newChainChecker() *chainChecker {
	return &chainChecker{last: map[string]string{}}
}

func (c *chainChecker) add(e persistlog.TransitionEntry) error {
	prev, ok := c.last[e.Conn]
	if !ok {
		prev = visibility.NotTracked.String()
	}
	if e.From != prev {
		return fmt.Errorf("conn %s at %s: transition from %s but last state was %s", e.Conn, e.Time, e.From, prev)
	}
	c.last[e.Conn] = e.To
	return nil
}

func (c *chainChecker) connections() int { return len(c.last) }

func queryIndex(w io.Writer, path, conn string, limit int) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := idx.Transitions(ctx, conn, limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintf(w, "#%d %s %s %-10s %s -> %s  %s y=%.1f refreshed=%v\n",
			r.Seq, r.At, r.Conn, r.Cause, r.From, r.To, r.World, r.Y, r.Refreshed)
	}
	by, err := idx.CountByCause(ctx)
	if err != nil {
		return err
	}
	causes := make([]string, 0, len(by))
	for c := range by {
		causes = append(causes, c)
	}
	sort.Strings(causes)
	for _, c := range causes {
		fmt.Fprintf(w, "%s=%d\n", c, by[c])
	}
	return nil
}
