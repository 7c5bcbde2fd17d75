package otel

import (
	"context"
	"strings"
	"testing"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("STRATA_OTEL_ENDPOINT", "")
	t.Setenv("STRATA_OTEL_ENABLED", "")

	shutdown, err := Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("STRATA_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("STRATA_OTEL_ENABLED", "false")

	shutdown, err := Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so no export happens.
	t.Setenv("STRATA_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("STRATA_OTEL_ENABLED", "")
	t.Setenv("STRATA_OTEL_SAMPLE_RATIO", "0.25")

	shutdown, err := Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := map[string]string{
		"":     "AlwaysOnSampler",
		"1":    "AlwaysOnSampler",
		"0":    "AlwaysOffSampler",
		"-2":   "AlwaysOffSampler",
		"0.5":  "ParentBased",
		"junk": "AlwaysOnSampler",
	}
	for in, want := range cases {
		if got := sampler(in).Description(); !strings.HasPrefix(got, want) {
			t.Fatalf("sampler(%q): got %q want prefix %q", in, got, want)
		}
	}
}
