package tuning

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	ModeSingle     = "single"
	ModeRegionized = "regionized"
)

type Tuning struct {
	Worlds      Worlds      `yaml:"worlds"`
	AntiXray    AntiXray    `yaml:"antixray"`
	Settings    Settings    `yaml:"settings"`
	Performance Performance `yaml:"performance"`
	Host        Host        `yaml:"host"`
}

type Worlds struct {
	// Whitelist lists the worlds where underground content is protected.
	Whitelist []string `yaml:"whitelist" env:"STRATA_WORLDS" envSeparator:","`
}

type AntiXray struct {
	ProtectionLevel float64 `yaml:"protection_level" env:"STRATA_PROTECTION_LEVEL"`
	HideBelowLevel  int     `yaml:"hide_below_level" env:"STRATA_HIDE_BELOW_LEVEL"`
	Hysteresis      bool    `yaml:"hysteresis" env:"STRATA_HYSTERESIS"`
	TransitionBand  float64 `yaml:"transition_band" env:"STRATA_TRANSITION_BAND"`
	WorldTop        int     `yaml:"world_top" env:"STRATA_WORLD_TOP"`

	// Replacement is tried in order; the first block present in the palette is used.
	Replacement []string `yaml:"replacement" env:"STRATA_REPLACEMENT" envSeparator:","`

	LimitedArea LimitedArea `yaml:"limited_area"`
}

type LimitedArea struct {
	Enabled     bool `yaml:"enabled" env:"STRATA_LIMITED_AREA"`
	ChunkRadius int  `yaml:"chunk_radius" env:"STRATA_LIMITED_AREA_RADIUS"`
}

type Settings struct {
	RefreshCooldownMillis int  `yaml:"refresh_cooldown_millis" env:"STRATA_REFRESH_COOLDOWN_MS"`
	Debug                 bool `yaml:"debug" env:"STRATA_DEBUG"`
}

type Performance struct {
	MaxAreasPerTick     int     `yaml:"max_areas_per_tick" env:"STRATA_MAX_AREAS_PER_TICK"`
	RefreshRadius       int     `yaml:"refresh_radius" env:"STRATA_REFRESH_RADIUS"`
	ReducedClientRadius int     `yaml:"reduced_client_radius"`
	FullTPS             float64 `yaml:"full_tps"`
	ReducedTPS          float64 `yaml:"reduced_tps"`
	DedupeMillis        int     `yaml:"dedupe_millis"`
}

type Host struct {
	Mode        string      `yaml:"mode"`
	TickRateHz  int         `yaml:"tick_rate_hz"`
	RegionShift int         `yaml:"region_shift"`
	Worlds      []WorldSpec `yaml:"worlds"`
}

type WorldSpec struct {
	Name      string `yaml:"name"`
	Seed      int64  `yaml:"seed"`
	MinY      int    `yaml:"min_y"`
	Height    int    `yaml:"height"`
	SeaLevel  int    `yaml:"sea_level"`
	BoundaryR int    `yaml:"boundary_r"`
}

func Defaults() Tuning {
	return Tuning{
		Worlds: Worlds{Whitelist: []string{"world"}},
		AntiXray: AntiXray{
			ProtectionLevel: 31,
			HideBelowLevel:  16,
			Hysteresis:      true,
			TransitionBand:  14,
			WorldTop:        319,
			Replacement:     []string{"STONE", "AIR"},
			LimitedArea:     LimitedArea{Enabled: false, ChunkRadius: 3},
		},
		Settings: Settings{RefreshCooldownMillis: 3000},
		Performance: Performance{
			MaxAreasPerTick:     50,
			RefreshRadius:       10,
			ReducedClientRadius: 4,
			FullTPS:             18,
			ReducedTPS:          15,
			DedupeMillis:        50,
		},
		Host: Host{
			Mode:        ModeSingle,
			TickRateHz:  20,
			RegionShift: 5,
			Worlds: []WorldSpec{
				{Name: "world", Seed: 1337, MinY: -64, Height: 384, SeaLevel: 62, BoundaryR: 4096},
				{Name: "world_nether", Seed: 7331, MinY: 0, Height: 128, SeaLevel: 32, BoundaryR: 1024},
			},
		},
	}
}

// Load reads a tuning file on top of Defaults, validates it against the JSON schema and
// the semantic rules, then applies STRATA_* environment overrides.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := ApplyEnv(&t); err != nil {
		return t, err
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// ApplyEnv overrides fields from environment variables. Host world specs are
// file-only, so the host section goes through a scalar overlay.
func ApplyEnv(t *Tuning) error {
	for _, section := range []any{&t.Worlds, &t.AntiXray, &t.Settings, &t.Performance} {
		if err := env.Parse(section); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	h := hostEnv{Mode: t.Host.Mode, TickRateHz: t.Host.TickRateHz}
	if err := env.Parse(&h); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	t.Host.Mode, t.Host.TickRateHz = h.Mode, h.TickRateHz
	return nil
}

type hostEnv struct {
	Mode       string `env:"STRATA_HOST_MODE"`
	TickRateHz int    `env:"STRATA_TICK_RATE_HZ"`
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees float64/string/map[string]any only.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.Worlds.Whitelist = normalizeNames(t.Worlds.Whitelist, false)
	t.AntiXray.Replacement = normalizeNames(t.AntiXray.Replacement, true)
	t.Host.Mode = strings.ToLower(strings.TrimSpace(t.Host.Mode))
	if t.Host.Mode == "" {
		t.Host.Mode = ModeSingle
	}
	if t.Host.RegionShift <= 0 {
		t.Host.RegionShift = 5
	}
	if t.AntiXray.LimitedArea.ChunkRadius <= 0 {
		t.AntiXray.LimitedArea.ChunkRadius = 1
	}
	if t.Performance.ReducedClientRadius <= 0 || t.Performance.ReducedClientRadius > t.Performance.RefreshRadius {
		t.Performance.ReducedClientRadius = t.Performance.RefreshRadius
	}
	if !t.AntiXray.Hysteresis {
		t.AntiXray.TransitionBand = 0
	}
}

func normalizeNames(in []string, upper bool) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if upper {
			s = strings.ToUpper(s)
		}
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (t Tuning) Validate() error {
	ax := t.AntiXray
	if ax.ProtectionLevel <= float64(ax.HideBelowLevel) {
		return fmt.Errorf("antixray.protection_level (%v) must be above hide_below_level (%d)", ax.ProtectionLevel, ax.HideBelowLevel)
	}
	if ax.WorldTop <= ax.HideBelowLevel {
		return fmt.Errorf("antixray.world_top (%d) must be above hide_below_level (%d)", ax.WorldTop, ax.HideBelowLevel)
	}
	if ax.Hysteresis {
		if ax.TransitionBand < 0 {
			return fmt.Errorf("antixray.transition_band must be >= 0")
		}
		if float64(ax.HideBelowLevel)+ax.TransitionBand >= ax.ProtectionLevel {
			return fmt.Errorf("antixray: hide_below_level + transition_band (%v) must stay below protection_level (%v)",
				float64(ax.HideBelowLevel)+ax.TransitionBand, ax.ProtectionLevel)
		}
	}
	if len(ax.Replacement) == 0 {
		return fmt.Errorf("antixray.replacement must list at least one block")
	}
	if t.Settings.RefreshCooldownMillis < 0 {
		return fmt.Errorf("settings.refresh_cooldown_millis must be >= 0")
	}
	p := t.Performance
	if p.MaxAreasPerTick <= 0 {
		return fmt.Errorf("performance.max_areas_per_tick must be > 0")
	}
	if p.RefreshRadius < 0 {
		return fmt.Errorf("performance.refresh_radius must be >= 0")
	}
	if p.ReducedTPS > p.FullTPS {
		return fmt.Errorf("performance.reduced_tps must not exceed full_tps")
	}
	h := t.Host
	if h.Mode != ModeSingle && h.Mode != ModeRegionized {
		return fmt.Errorf("host.mode must be %q or %q, got %q", ModeSingle, ModeRegionized, h.Mode)
	}
	if h.TickRateHz <= 0 {
		return fmt.Errorf("host.tick_rate_hz must be > 0")
	}
	seen := map[string]bool{}
	for _, w := range h.Worlds {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("host.worlds: empty name")
		}
		if seen[w.Name] {
			return fmt.Errorf("host.worlds: duplicate world %s", w.Name)
		}
		seen[w.Name] = true
		if w.Height <= 0 || w.Height%16 != 0 {
			return fmt.Errorf("host.worlds %s: height must be a positive multiple of 16", w.Name)
		}
		if w.MinY%16 != 0 {
			return fmt.Errorf("host.worlds %s: min_y must be a multiple of 16", w.Name)
		}
	}
	return nil
}

// Eligible reports whether a world is on the protection whitelist.
func (t Tuning) Eligible(world string) bool {
	return slices.Contains(t.Worlds.Whitelist, world)
}

func (t Tuning) RefreshCooldown() time.Duration {
	return time.Duration(t.Settings.RefreshCooldownMillis) * time.Millisecond
}

func (t Tuning) RefreshDedupe() time.Duration {
	return time.Duration(t.Performance.DedupeMillis) * time.Millisecond
}

func (t Tuning) WorldSpecByName(name string) (WorldSpec, bool) {
	for _, w := range t.Host.Worlds {
		if w.Name == name {
			return w, true
		}
	}
	return WorldSpec{}, false
}
