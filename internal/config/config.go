// Package config holds the daemon configuration. Values come from command
// line flags whose defaults can be overridden with GRID_* environment
// variables; flags given explicitly win over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/bridge"
	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/signal"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/internal/snapshot"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full daemon configuration.
type Config struct {
	TopologyPath string

	// Clock
	Tick     time.Duration
	Mode     string // realtime | accelerated
	Speed    float64
	Start    time.Time // zero means now
	Duration time.Duration

	GRPCAddr    string
	MetricsAddr string

	NATSURL  string // empty disables the traffic and power-flow bridges
	NATSName string

	RedisAddr       string // empty keeps snapshots in memory
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	SnapshotHistory int
	SnapshotTTL     time.Duration

	IntakeCapacity        int
	ExpectedServiceTime   time.Duration
	NominalChargeDuration time.Duration
	SessionLength         time.Duration
	TravelSpeedKmh        float64
	ChargeThreshold       float64

	MinGreen        time.Duration
	LaneGroups      int
	FollowTimeOfDay bool
	AutoCharge      bool
	AutoFinish      bool
}

// Default returns the values used when neither a flag nor the environment
// sets a field.
func Default() Config {
	adm := charging.DefaultConfig()
	return Config{
		TopologyPath:          "configs/midtown.yaml",
		Tick:                  time.Second,
		Mode:                  "realtime",
		Speed:                 1,
		GRPCAddr:              ":50051",
		MetricsAddr:           ":9090",
		NATSName:              "gridtwin",
		RedisPrefix:           "gridtwin:snapshot",
		SnapshotHistory:       120,
		IntakeCapacity:        state.DefaultIntakeCapacity,
		ExpectedServiceTime:   adm.ExpectedServiceTime,
		NominalChargeDuration: adm.NominalChargeDuration,
		SessionLength:         adm.SessionLength,
		TravelSpeedKmh:        core.DefaultTravelEstimator().SpeedKmh,
		ChargeThreshold:       adm.LowBatteryThreshold,
		MinGreen:              signal.DefaultMinGreen,
		LaneGroups:            4,
		FollowTimeOfDay:       true,
		AutoCharge:            true,
		AutoFinish:            true,
	}
}

// Load parses args into a Config. getenv supplies GRID_* overrides; pass
// os.Getenv in production.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	fs := flag.NewFlagSet("gridtwin", flag.ContinueOnError)
	env := envReader{getenv: getenv}

	fs.StringVar(&cfg.TopologyPath, "topology", env.str("GRID_TOPOLOGY", cfg.TopologyPath), "path to the YAML or JSON topology document")
	fs.DurationVar(&cfg.Tick, "tick", env.duration("GRID_TICK", cfg.Tick), "simulation time advanced per tick")
	fs.StringVar(&cfg.Mode, "mode", env.str("GRID_MODE", cfg.Mode), "clock mode: realtime or accelerated")
	fs.Float64Var(&cfg.Speed, "speed", env.float("GRID_SPEED", cfg.Speed), "realtime pacing factor, clamped to [0.1, 100]")
	start := fs.String("start", env.str("GRID_START", ""), "RFC3339 simulation start time (default now)")
	fs.DurationVar(&cfg.Duration, "duration", env.duration("GRID_DURATION", cfg.Duration), "stop after this much simulation time (0 runs until interrupted)")

	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", env.str("GRID_GRPC_ADDR", cfg.GRPCAddr), "TCP address the control gRPC server listens on")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", env.str("GRID_METRICS_ADDR", cfg.MetricsAddr), "HTTP address for Prometheus /metrics (empty disables)")

	fs.StringVar(&cfg.NATSURL, "nats-url", env.str("GRID_NATS_URL", cfg.NATSURL), "NATS server URL for the traffic and power-flow bridges")
	fs.StringVar(&cfg.NATSName, "nats-name", env.str("GRID_NATS_NAME", cfg.NATSName), "NATS client name")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", env.str("GRID_REDIS_ADDR", cfg.RedisAddr), "Redis address for snapshot persistence (empty keeps snapshots in memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", env.str("GRID_REDIS_PASSWORD", cfg.RedisPassword), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", env.int("GRID_REDIS_DB", cfg.RedisDB), "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", env.str("GRID_REDIS_PREFIX", cfg.RedisPrefix), "Redis key prefix for snapshots")
	fs.IntVar(&cfg.SnapshotHistory, "snapshot-history", env.int("GRID_SNAPSHOT_HISTORY", cfg.SnapshotHistory), "snapshots kept in history")
	fs.DurationVar(&cfg.SnapshotTTL, "snapshot-ttl", env.duration("GRID_SNAPSHOT_TTL", cfg.SnapshotTTL), "expiry of the latest snapshot key (0 never expires)")

	fs.IntVar(&cfg.IntakeCapacity, "intake-capacity", env.int("GRID_INTAKE_CAPACITY", cfg.IntakeCapacity), "intents that may wait for the next tick")
	fs.DurationVar(&cfg.ExpectedServiceTime, "expected-service-time", env.duration("GRID_EXPECTED_SERVICE_TIME", cfg.ExpectedServiceTime), "wait charged per queued request ahead")
	fs.DurationVar(&cfg.NominalChargeDuration, "nominal-charge-duration", env.duration("GRID_NOMINAL_CHARGE_DURATION", cfg.NominalChargeDuration), "fixed penalty for joining a queue")
	fs.DurationVar(&cfg.SessionLength, "session-length", env.duration("GRID_SESSION_LENGTH", cfg.SessionLength), "expected charging session length")
	fs.Float64Var(&cfg.TravelSpeedKmh, "travel-speed", env.float("GRID_TRAVEL_SPEED_KMH", cfg.TravelSpeedKmh), "average urban speed in km/h for travel estimates")
	fs.Float64Var(&cfg.ChargeThreshold, "charge-threshold", env.float("GRID_CHARGE_THRESHOLD", cfg.ChargeThreshold), "state of charge below which vehicles get low-battery priority")

	fs.DurationVar(&cfg.MinGreen, "min-green", env.duration("GRID_MIN_GREEN", cfg.MinGreen), "shortest green a zone optimisation may leave")
	fs.IntVar(&cfg.LaneGroups, "lane-groups", env.int("GRID_LANE_GROUPS", cfg.LaneGroups), "lane groups in each right-of-way string")
	fs.BoolVar(&cfg.FollowTimeOfDay, "time-of-day", env.bool("GRID_TIME_OF_DAY", cfg.FollowTimeOfDay), "switch signal timing plans with the time of day")
	fs.BoolVar(&cfg.AutoCharge, "auto-charge", env.bool("GRID_AUTO_CHARGE", cfg.AutoCharge), "request charging for low EVs seen in vehicle updates")
	fs.BoolVar(&cfg.AutoFinish, "auto-finish", env.bool("GRID_AUTO_FINISH", cfg.AutoFinish), "finish sessions at their expected finish time")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := env.err(); err != nil {
		return Config{}, err
	}
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			return Config{}, fmt.Errorf("%w: start %q: %v", ErrInvalid, *start, err)
		}
		cfg.Start = t
	}

	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields and clamps the speed factor.
func (c Config) ApplyDefaults() Config {
	def := Default()
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.Speed == 0 {
		c.Speed = def.Speed
	}
	c.Speed = min(max(c.Speed, timectrl.MinSpeed), timectrl.MaxSpeed)
	if c.SnapshotHistory <= 0 {
		c.SnapshotHistory = def.SnapshotHistory
	}
	if c.IntakeCapacity <= 0 {
		c.IntakeCapacity = def.IntakeCapacity
	}
	if c.LaneGroups <= 0 {
		c.LaneGroups = def.LaneGroups
	}
	if c.TravelSpeedKmh <= 0 {
		c.TravelSpeedKmh = def.TravelSpeedKmh
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.TopologyPath == "":
		return fmt.Errorf("%w: topology path is required", ErrInvalid)
	case c.Mode != "realtime" && c.Mode != "accelerated":
		return fmt.Errorf("%w: mode %q (want realtime or accelerated)", ErrInvalid, c.Mode)
	case c.Duration < 0:
		return fmt.Errorf("%w: negative duration %s", ErrInvalid, c.Duration)
	case c.ChargeThreshold <= 0 || c.ChargeThreshold >= 1:
		return fmt.Errorf("%w: charge threshold %.2f outside (0, 1)", ErrInvalid, c.ChargeThreshold)
	case c.ExpectedServiceTime < 0 || c.NominalChargeDuration < 0 || c.SessionLength < 0:
		return fmt.Errorf("%w: admission durations must not be negative", ErrInvalid)
	case c.MinGreen < 0:
		return fmt.Errorf("%w: negative minimum green %s", ErrInvalid, c.MinGreen)
	case c.SnapshotTTL < 0:
		return fmt.Errorf("%w: negative snapshot ttl %s", ErrInvalid, c.SnapshotTTL)
	}
	return nil
}

// ClockMode maps Mode onto the time controller's modes.
func (c Config) ClockMode() timectrl.Mode {
	if c.Mode == "accelerated" {
		return timectrl.Accelerated
	}
	return timectrl.RealTime
}

// Engine returns the tick loop configuration.
func (c Config) Engine() state.Config {
	travel := core.DefaultTravelEstimator()
	travel.SpeedKmh = c.TravelSpeedKmh
	return state.Config{
		IntakeCapacity: c.IntakeCapacity,
		Charging: charging.Config{
			ExpectedServiceTime:   c.ExpectedServiceTime,
			NominalChargeDuration: c.NominalChargeDuration,
			SessionLength:         c.SessionLength,
			LowBatteryThreshold:   c.ChargeThreshold,
		},
		Travel:          travel,
		MinGreen:        c.MinGreen,
		LaneGroups:      c.LaneGroups,
		FollowTimeOfDay: c.FollowTimeOfDay,
		AutoCharge:      c.AutoCharge,
		AutoFinish:      c.AutoFinish,
	}
}

// NATS returns the bridge connection settings.
func (c Config) NATS() bridge.NATSConfig {
	return bridge.NATSConfig{
		URL:            c.NATSURL,
		Name:           c.NATSName,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		Subjects:       bridge.DefaultSubjects(),
	}
}

// Redis returns the snapshot store settings.
func (c Config) Redis() snapshot.RedisConfig {
	return snapshot.RedisConfig{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		Prefix:   c.RedisPrefix,
		History:  c.SnapshotHistory,
		TTL:      c.SnapshotTTL,
	}
}

// envReader parses GRID_* variables and remembers the first malformed one.
type envReader struct {
	getenv func(string) string
	bad    []string
}

func (e *envReader) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.bad = append(e.bad, key)
		return def
	}
	return d
}

func (e *envReader) float(key string, def float64) float64 {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.bad = append(e.bad, key)
		return def
	}
	return f
}

func (e *envReader) int(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.bad = append(e.bad, key)
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.bad = append(e.bad, key)
		return def
	}
	return b
}

func (e *envReader) err() error {
	if len(e.bad) == 0 {
		return nil
	}
	return fmt.Errorf("%w: malformed environment %s", ErrInvalid, strings.Join(e.bad, ", "))
}
