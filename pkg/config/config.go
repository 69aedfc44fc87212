// Package config loads the depot configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // depot time zones in minimal containers

	"depotboard/pkg/assign"
	"depotboard/pkg/status"
	"depotboard/pkg/types"
	"depotboard/pkg/yard"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Depot   Depot       `yaml:"depot"`
	Sources Sources     `yaml:"sources"`
	Windows Windows     `yaml:"windows"`
	Board   Board       `yaml:"board"`
	Slots   Slots       `yaml:"slots"`
	Yard    yard.Layout `yaml:"yard"`
	// LineColors pins badge colors for lines, e.g. {"7": "#3498DB"}.
	LineColors map[string]string `yaml:"line_colors"`
}

type Depot struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
	// ServiceDayStart is when one service day hands over to the next.
	ServiceDayStart string `yaml:"service_day_start"`
}

type Sources struct {
	Schedule          string        `yaml:"schedule"`
	Fleet             string        `yaml:"fleet"`
	Interval          time.Duration `yaml:"interval"`
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
	Watch             bool          `yaml:"watch"`
}

type Windows struct {
	Imminent           time.Duration `yaml:"imminent"`
	Boarding           time.Duration `yaml:"boarding"`
	Arriving           time.Duration `yaml:"arriving"`
	DepartedVisibility time.Duration `yaml:"departed_visibility"`
}

type Board struct {
	Limit int `yaml:"limit"`
}

type Slots struct {
	Size time.Duration `yaml:"size"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	w := status.DefaultWindows()
	return &Config{
		Depot: Depot{
			ID:              "depot",
			Timezone:        "UTC",
			ServiceDayStart: "03:00",
		},
		Sources: Sources{
			Interval:          30 * time.Second,
			RecomputeInterval: 5 * time.Second,
			Watch:             true,
		},
		Windows: Windows{
			Imminent:           w.Imminent,
			Boarding:           w.Boarding,
			Arriving:           w.Arriving,
			DepartedVisibility: w.DepartedVisibility,
		},
		Board: Board{Limit: 20},
		Slots: Slots{Size: assign.DefaultSlotSize},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable. It is called after flag and
// environment overrides are applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Depot.ID == "" {
		errs = append(errs, errors.New("depot id is required"))
	}
	if _, err := time.LoadLocation(c.Depot.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Depot.Timezone, err))
	}
	if _, err := types.ParseClock(c.Depot.ServiceDayStart); err != nil {
		errs = append(errs, fmt.Errorf("invalid service_day_start: %w", err))
	}
	if c.Sources.Schedule == "" {
		errs = append(errs, errors.New("schedule source is required"))
	}
	if c.Sources.Fleet == "" {
		errs = append(errs, errors.New("fleet source is required"))
	}
	if c.Sources.Interval <= 0 {
		errs = append(errs, errors.New("sources.interval must be positive"))
	}
	if c.Sources.RecomputeInterval <= 0 {
		errs = append(errs, errors.New("sources.recompute_interval must be positive"))
	}
	if c.Windows.Imminent < 0 || c.Windows.Boarding < 0 || c.Windows.Arriving < 0 || c.Windows.DepartedVisibility < 0 {
		errs = append(errs, errors.New("windows must not be negative"))
	}
	if c.Slots.Size <= 0 {
		errs = append(errs, errors.New("slots.size must be positive"))
	}

	seen := make(map[string]string)
	for _, z := range c.Yard.Zones {
		for _, spot := range z.Spots {
			if prev, dup := seen[spot]; dup {
				errs = append(errs, fmt.Errorf("yard spot %s listed in zones %s and %s", spot, prev, z.Name))
				continue
			}
			seen[spot] = z.Name
		}
	}

	return errors.Join(errs...)
}

// Location returns the depot time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Depot.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Rollover returns the service day start, falling back to 03:00.
func (c *Config) Rollover() types.Clock {
	clock, err := types.ParseClock(c.Depot.ServiceDayStart)
	if err != nil {
		return types.MustParseClock("03:00")
	}
	return clock
}

func (c *Config) StatusWindows() status.Windows {
	return status.Windows{
		Imminent:           c.Windows.Imminent,
		Boarding:           c.Windows.Boarding,
		Arriving:           c.Windows.Arriving,
		DepartedVisibility: c.Windows.DepartedVisibility,
	}
}
