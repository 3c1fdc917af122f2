// Package signal runs the per-intersection phase state machines.
//
// Every signal follows the table
//
//	NS_GREEN -> NS_YELLOW -> ALL_RED -> EW_GREEN -> EW_YELLOW -> ALL_RED -> NS_GREEN
//
// advancing at most one step per Tick, so ALL_RED is always observed
// between two conflicting greens. Power loss overrides the table with
// FLASHING_RED (battery backup) or OFF until power returns.
package signal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/model"
)

var (
	// ErrUnknownZone indicates a zone no signal belongs to.
	ErrUnknownZone = errors.New("unknown zone")
	// ErrOverridden indicates a signal in FLASHING_RED or OFF, which
	// ignores preemption until power returns.
	ErrOverridden = errors.New("signal is in a power-loss state")
)

// DefaultMinGreen is the shortest green a zone optimisation may leave.
const DefaultMinGreen = 10 * time.Second

const (
	rushFavour  = 10 * time.Second
	rushPenalty = 5 * time.Second
)

type state struct {
	def     model.SignalDefinition
	start   Phase
	phase   Phase
	timer   time.Duration
	release Direction // direction the current or next ALL_RED releases into
	base    model.SignalTiming
	timing  model.SignalTiming
	preempt *Direction
}

// View is a read-only copy of one signal's state.
type View struct {
	ID             string
	Intersection   string
	Zone           string
	TransformerID  string
	Phase          Phase
	Timer          time.Duration
	Powered        bool
	BatteryBackup  bool
	Offset         time.Duration
	Timing         model.SignalTiming
	PreemptPending bool
}

// Stats counts signals by display state.
type Stats struct {
	Total    int
	Powered  int
	GreenNS  int
	GreenEW  int
	Yellow   int
	Red      int
	Flashing int
	Dark     int
	Zones    int
}

// Controller owns the phase state of every signal in a topology. It is not
// safe for concurrent use; the simulation loop is its only caller.
type Controller struct {
	states   map[string]*state
	order    []string
	zones    map[string][]string
	epoch    time.Time
	minGreen time.Duration
	log      logging.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithEpoch sets the reference instant used for cycle positions.
func WithEpoch(t time.Time) Option { return func(c *Controller) { c.epoch = t } }

// WithMinGreen sets the floor applied by OptimizeZone.
func WithMinGreen(d time.Duration) Option { return func(c *Controller) { c.minGreen = d } }

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option { return func(c *Controller) { c.log = l } }

// NewController creates a state machine for every signal in topo, each at
// its canonical start phase with a zero timer.
func NewController(topo *kb.Topology, opts ...Option) (*Controller, error) {
	c := &Controller{
		states:   make(map[string]*state),
		zones:    make(map[string][]string),
		epoch:    time.Unix(0, 0).UTC(),
		minGreen: DefaultMinGreen,
		log:      logging.Noop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.OrNoop(c.log).With(logging.String("component", "signal"))

	for i, def := range topo.Signals() {
		start, err := startPhase(def, i)
		if err != nil {
			return nil, fmt.Errorf("signal %q: %w", def.ID, err)
		}
		c.states[def.ID] = &state{
			def:     def,
			start:   start,
			phase:   start,
			release: releaseAfter(start),
			base:    def.Timing,
			timing:  def.Timing,
		}
		c.order = append(c.order, def.ID)
		c.zones[def.Zone] = append(c.zones[def.Zone], def.ID)
	}
	return c, nil
}

// startPhase picks the canonical start: the configured phase, otherwise NS
// green on even streets and EW green on odd ones. Unnumbered intersections
// alternate by position so neighbours do not start in lockstep.
func startPhase(def model.SignalDefinition, index int) (Phase, error) {
	if def.InitialPhase != "" {
		p, err := ParsePhase(def.InitialPhase)
		if err != nil {
			return 0, err
		}
		if p.Overridden() {
			return 0, fmt.Errorf("start phase %s is a power-loss state", p)
		}
		return p, nil
	}
	n := def.Street
	if n == 0 {
		n = index
	}
	if n%2 == 0 {
		return NSGreen, nil
	}
	return EWGreen, nil
}

func releaseAfter(p Phase) Direction {
	if d, ok := p.Serving(); ok {
		return d.Opposite()
	}
	return NorthSouth
}

// Tick advances every powered signal by dt. A signal whose phase has
// expired moves exactly one step and its timer restarts at zero, however
// large dt is.
func (c *Controller) Tick(dt time.Duration) {
	for _, id := range c.order {
		c.tickOne(c.states[id], dt)
	}
}

func (c *Controller) tickOne(s *state, dt time.Duration) {
	if s.phase.Overridden() {
		return
	}
	s.timer += dt

	if s.preempt != nil {
		want := *s.preempt
		if serving, ok := s.phase.Serving(); ok && serving != want && s.phase == serving.Green() {
			c.transition(s, nextPhase(s.phase, s.release))
			return
		}
	}

	if s.timer < duration(s.phase, s.timing) {
		return
	}
	c.transition(s, nextPhase(s.phase, s.release))
}

func (c *Controller) transition(s *state, to Phase) {
	if s.phase == AllRed {
		s.release = s.release.Opposite()
	}
	s.phase = to
	s.timer = 0
	if s.preempt != nil && to == s.preempt.Green() {
		c.log.Info(context.Background(), "preemption served",
			logging.String("signal_id", s.def.ID),
			logging.String("direction", s.preempt.String()),
		)
		s.preempt = nil
	}
}

// PowerLost forces a signal into its power-loss display. It reports
// whether anything changed.
func (c *Controller) PowerLost(id string) (bool, error) {
	s, err := c.get(id)
	if err != nil {
		return false, err
	}
	if s.phase.Overridden() {
		return false, nil
	}
	if s.def.BatteryBackup {
		s.phase = FlashingRed
	} else {
		s.phase = Off
	}
	s.timer = 0
	s.preempt = nil
	return true, nil
}

// PowerRestored returns a signal to its canonical start phase with a zero
// timer. It reports whether anything changed.
func (c *Controller) PowerRestored(id string) (bool, error) {
	s, err := c.get(id)
	if err != nil {
		return false, err
	}
	if !s.phase.Overridden() {
		return false, nil
	}
	s.phase = s.start
	s.release = releaseAfter(s.start)
	s.timer = 0
	return true, nil
}

// Preempt requests right of way for an emergency approach. A conflicting
// green is cut short, but the yellow and ALL_RED clearance intervals still
// run in full before the requested green. The newest request replaces any
// pending one.
func (c *Controller) Preempt(id string, d Direction) error {
	s, err := c.get(id)
	if err != nil {
		return err
	}
	if s.phase.Overridden() {
		return fmt.Errorf("%w: signal %q is %s", ErrOverridden, id, s.phase)
	}
	if s.phase == d.Green() {
		s.preempt = nil
		s.timer = 0
		return nil
	}
	s.preempt = &d
	return nil
}

// ApplyPeriod replaces every signal's timing plan with the plan for p,
// discarding any zone bias. Running phases keep their elapsed time.
func (c *Controller) ApplyPeriod(p core.Period) {
	for _, id := range c.order {
		s := c.states[id]
		s.base = core.TimingFor(s.def.Avenue, s.def.Street, p)
		s.timing = s.base
	}
}

// OptimizeZone biases green time inside a zone during rush periods:
// avenue zones favour north-south, street zones favour east-west. The
// bias is computed from the period plan, so repeated calls do not
// compound. It returns the number of signals adjusted.
func (c *Controller) OptimizeZone(zone string, p core.Period) (int, error) {
	ids, ok := c.zones[zone]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	if !p.IsRush() {
		return 0, nil
	}
	var favourNS bool
	switch {
	case strings.Contains(zone, "avenue"):
		favourNS = true
	case strings.Contains(zone, "street"):
		favourNS = false
	default:
		return 0, nil
	}
	for _, id := range ids {
		s := c.states[id]
		t := s.base
		if favourNS {
			t.GreenNS += rushFavour
			t.GreenEW = max(t.GreenEW-rushPenalty, c.minGreen)
		} else {
			t.GreenEW += rushFavour
			t.GreenNS = max(t.GreenNS-rushPenalty, c.minGreen)
		}
		s.timing = t
	}
	return len(ids), nil
}

// Phase returns the current phase of a signal.
func (c *Controller) Phase(id string) (Phase, error) {
	s, err := c.get(id)
	if err != nil {
		return 0, err
	}
	return s.phase, nil
}

// View returns a copy of one signal's state.
func (c *Controller) View(id string) (View, error) {
	s, err := c.get(id)
	if err != nil {
		return View{}, err
	}
	return s.view(), nil
}

// Views returns copies of every signal's state, sorted by ID.
func (c *Controller) Views() []View {
	out := make([]View, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.states[id].view())
	}
	return out
}

// CyclePosition places a signal inside its coordination cycle at now. The
// offset shifts only this reported position; phase transitions ignore it.
func (c *Controller) CyclePosition(id string, now time.Time) (time.Duration, error) {
	s, err := c.get(id)
	if err != nil {
		return 0, err
	}
	cycle := s.timing.CycleLength()
	if cycle <= 0 {
		return 0, nil
	}
	pos := (now.Sub(c.epoch) + s.def.Offset) % cycle
	if pos < 0 {
		pos += cycle
	}
	return pos, nil
}

// Zones lists the coordination zones, sorted.
func (c *Controller) Zones() []string {
	out := make([]string, 0, len(c.zones))
	for z := range c.zones {
		out = append(out, z)
	}
	slices.Sort(out)
	return out
}

// Stats summarises the current display of all signals.
func (c *Controller) Stats() Stats {
	st := Stats{Total: len(c.order), Zones: len(c.zones)}
	for _, id := range c.order {
		switch c.states[id].phase {
		case NSGreen:
			st.GreenNS++
		case EWGreen:
			st.GreenEW++
		case NSYellow, EWYellow:
			st.Yellow++
		case AllRed:
			st.Red++
		case FlashingRed:
			st.Flashing++
		case Off:
			st.Dark++
		}
	}
	st.Powered = st.Total - st.Flashing - st.Dark
	return st
}

func (c *Controller) get(id string) (*state, error) {
	s, ok := c.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", kb.ErrSignalNotFound, id)
	}
	return s, nil
}

func (s *state) view() View {
	return View{
		ID:             s.def.ID,
		Intersection:   s.def.Intersection,
		Zone:           s.def.Zone,
		TransformerID:  s.def.TransformerID,
		Phase:          s.phase,
		Timer:          s.timer,
		Powered:        !s.phase.Overridden(),
		BatteryBackup:  s.def.BatteryBackup,
		Offset:         s.def.Offset,
		Timing:         s.timing,
		PreemptPending: s.preempt != nil,
	}
}
