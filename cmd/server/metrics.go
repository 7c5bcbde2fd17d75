package main

import (
	"fmt"
	"io"
)

// writeMetrics renders the guard counters in the Prometheus text format.
func (r *guardRuntime) writeMetrics(w io.Writer) {
	gs := r.guard.Stats()
	ds := r.dispatch.Stats()
	es := r.engine.Stats()
	hs := r.host.Stats()

	fmt.Fprintf(w, "# HELP strataguard_connections Current number of connected clients.\n")
	fmt.Fprintf(w, "# TYPE strataguard_connections gauge\n")
	fmt.Fprintf(w, "strataguard_connections %d\n", hs.Connections)
	fmt.Fprintf(w, "# HELP strataguard_tracked_connections Connections with a visibility state.\n")
	fmt.Fprintf(w, "# TYPE strataguard_tracked_connections gauge\n")
	fmt.Fprintf(w, "strataguard_tracked_connections %d\n", gs.Tracked)
	fmt.Fprintf(w, "# HELP strataguard_loaded_columns Loaded terrain columns across worlds.\n")
	fmt.Fprintf(w, "# TYPE strataguard_loaded_columns gauge\n")
	fmt.Fprintf(w, "strataguard_loaded_columns %d\n", hs.LoadedColumns)
	fmt.Fprintf(w, "# HELP strataguard_tps Observed scheduler ticks per second.\n")
	fmt.Fprintf(w, "# TYPE strataguard_tps gauge\n")
	fmt.Fprintf(w, "strataguard_tps %.3f\n", r.sched.TPS())
	fmt.Fprintf(w, "# HELP strataguard_sched_pending Queued scheduler tasks.\n")
	fmt.Fprintf(w, "# TYPE strataguard_sched_pending gauge\n")
	fmt.Fprintf(w, "strataguard_sched_pending{regions=\"%d\"} %d\n", r.sched.Regions(), r.sched.Pending())

	fmt.Fprintf(w, "# HELP strataguard_guard_total Visibility controller counters.\n")
	fmt.Fprintf(w, "# TYPE strataguard_guard_total counter\n")
	fmt.Fprintf(w, "strataguard_guard_total{event=%q} %d\n", "transition", gs.Transitions)
	fmt.Fprintf(w, "strataguard_guard_total{event=%q} %d\n", "refresh", gs.Refreshes)
	fmt.Fprintf(w, "strataguard_guard_total{event=%q} %d\n", "cooldown_skip", gs.CooldownSkips)
	fmt.Fprintf(w, "strataguard_guard_total{event=%q} %d\n", "teleport_preempted", gs.TeleportsPreempted)
	fmt.Fprintf(w, "strataguard_guard_total{event=%q} %d\n", "token_consumed", gs.TokensConsumed)

	fmt.Fprintf(w, "# HELP strataguard_refresh_total Refresh dispatcher counters.\n")
	fmt.Fprintf(w, "# TYPE strataguard_refresh_total counter\n")
	fmt.Fprintf(w, "strataguard_refresh_total{event=%q} %d\n", "dispatch", ds.Dispatches)
	fmt.Fprintf(w, "strataguard_refresh_total{event=%q} %d\n", "deduped", ds.Deduped)
	fmt.Fprintf(w, "strataguard_refresh_total{event=%q} %d\n", "batch", ds.Batches)
	fmt.Fprintf(w, "strataguard_refresh_total{event=%q} %d\n", "requeued", ds.Requeued)
	fmt.Fprintf(w, "strataguard_refresh_total{event=%q} %d\n", "aborted", ds.Aborted)
	fmt.Fprintf(w, "strataguard_refresh_areas_total{result=%q} %d\n", "resent", ds.AreasResent)
	fmt.Fprintf(w, "strataguard_refresh_areas_total{result=%q} %d\n", "skipped", ds.AreasSkipped)
	fmt.Fprintf(w, "strataguard_refresh_areas_total{result=%q} %d\n", "failed", ds.AreasFailed)

	fmt.Fprintf(w, "# HELP strataguard_rewrite_total Packet rewrite counters.\n")
	fmt.Fprintf(w, "# TYPE strataguard_rewrite_total counter\n")
	fmt.Fprintf(w, "strataguard_rewrite_total{event=%q} %d\n", "inspected", es.Inspected)
	fmt.Fprintf(w, "strataguard_rewrite_total{event=%q} %d\n", "mutated", es.Mutated)
	fmt.Fprintf(w, "strataguard_rewrite_total{event=%q} %d\n", "cells_rewritten", es.CellsRewritten)
	fmt.Fprintf(w, "strataguard_rewrite_total{event=%q} %d\n", "malformed_section", es.MalformedSections)
	fmt.Fprintf(w, "strataguard_rewrite_total{event=%q} %d\n", "malformed_record", es.MalformedRecords)

	fmt.Fprintf(w, "# HELP strataguard_host_packets_total Host delivery counters.\n")
	fmt.Fprintf(w, "# TYPE strataguard_host_packets_total counter\n")
	fmt.Fprintf(w, "strataguard_host_packets_total{result=%q} %d\n", "delivered", hs.Delivered)
	fmt.Fprintf(w, "strataguard_host_packets_total{result=%q} %d\n", "dropped", hs.Dropped)
	fmt.Fprintf(w, "strataguard_host_packets_total{result=%q} %d\n", "streamed", hs.Streamed)
	fmt.Fprintf(w, "strataguard_host_packets_total{result=%q} %d\n", "resent", hs.Resent)

	fmt.Fprintf(w, "# HELP strataguard_ws_rejected_total Handshakes rejected by the transport.\n")
	fmt.Fprintf(w, "# TYPE strataguard_ws_rejected_total counter\n")
	fmt.Fprintf(w, "strataguard_ws_rejected_total %d\n", r.ws.Rejected())

	fmt.Fprintf(w, "# HELP strataguard_audit_total Audit log entries.\n")
	fmt.Fprintf(w, "# TYPE strataguard_audit_total counter\n")
	fmt.Fprintf(w, "strataguard_audit_total{result=%q} %d\n", "written", r.audit.Written())
	fmt.Fprintf(w, "strataguard_audit_total{result=%q} %d\n", "dropped", r.audit.Dropped())

	if r.archive != nil {
		as := r.archive.Stats()
		fmt.Fprintf(w, "# HELP strataguard_archive_queue_depth Audit files waiting for upload.\n")
		fmt.Fprintf(w, "# TYPE strataguard_archive_queue_depth gauge\n")
		fmt.Fprintf(w, "strataguard_archive_queue_depth %d\n", as.QueueDepth)
		fmt.Fprintf(w, "# HELP strataguard_archive_files_total Audit file uploads by result.\n")
		fmt.Fprintf(w, "# TYPE strataguard_archive_files_total counter\n")
		fmt.Fprintf(w, "strataguard_archive_files_total{result=%q} %d\n", "uploaded", as.Uploaded)
		fmt.Fprintf(w, "strataguard_archive_files_total{result=%q} %d\n", "failed", as.Failed)
		fmt.Fprintf(w, "strataguard_archive_files_total{result=%q} %d\n", "dropped", as.Dropped)
		fmt.Fprintf(w, "# HELP strataguard_archive_last_success_unix Unix time of the last successful upload.\n")
		fmt.Fprintf(w, "# TYPE strataguard_archive_last_success_unix gauge\n")
		fmt.Fprintf(w, "strataguard_archive_last_success_unix %d\n", as.LastSuccessUnix)
	}

	if r.idx == nil {
		return
	}
	qs := r.idx.Stats()
	fmt.Fprintf(w, "# HELP strataguard_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE strataguard_index_queue_depth gauge\n")
	fmt.Fprintf(w, "strataguard_index_queue_depth %d\n", qs.QueueDepth)
	fmt.Fprintf(w, "# HELP strataguard_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE strataguard_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "strataguard_index_queue_capacity %d\n", qs.QueueCapacity)
	fmt.Fprintf(w, "# HELP strataguard_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE strataguard_index_dropped_total counter\n")
	fmt.Fprintf(w, "strataguard_index_dropped_total{kind=%q} %d\n", "transition", qs.DropTransitionTotal)
	fmt.Fprintf(w, "strataguard_index_dropped_total{kind=%q} %d\n", "stats", qs.DropStatsTotal)
}
