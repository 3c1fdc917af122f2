package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/gridtwin/model"
)

// Phase is the display state of an intersection controller.
type Phase int

const (
	NSGreen Phase = iota
	NSYellow
	AllRed
	EWGreen
	EWYellow
	FlashingRed
	Off
)

var phaseNames = [...]string{"NS_GREEN", "NS_YELLOW", "ALL_RED", "EW_GREEN", "EW_YELLOW", "FLASHING_RED", "OFF"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase accepts the canonical upper-case names, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown signal phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Overridden reports whether the phase is a power-loss state that the
// timing table does not drive.
func (p Phase) Overridden() bool { return p == FlashingRed || p == Off }

// Direction is one of the two conflicting traffic movements.
type Direction int

const (
	NorthSouth Direction = iota
	EastWest
)

func (d Direction) String() string {
	if d == EastWest {
		return "EW"
	}
	return "NS"
}

// Opposite returns the conflicting direction.
func (d Direction) Opposite() Direction {
	if d == NorthSouth {
		return EastWest
	}
	return NorthSouth
}

// Green returns the green phase serving d.
func (d Direction) Green() Phase {
	if d == EastWest {
		return EWGreen
	}
	return NSGreen
}

// Serving returns the direction a green or yellow phase serves.
func (p Phase) Serving() (Direction, bool) {
	switch p {
	case NSGreen, NSYellow:
		return NorthSouth, true
	case EWGreen, EWYellow:
		return EastWest, true
	default:
		return 0, false
	}
}

// duration returns how long the timing plan holds a normal phase.
func duration(p Phase, t model.SignalTiming) time.Duration {
	switch p {
	case NSGreen:
		return t.GreenNS
	case NSYellow:
		return t.YellowNS
	case AllRed:
		return t.AllRed
	case EWGreen:
		return t.GreenEW
	case EWYellow:
		return t.YellowEW
	default:
		return 0
	}
}

// nextPhase is the transition table. next is the direction the ALL_RED
// interval releases into and is only read when p is AllRed.
func nextPhase(p Phase, next Direction) Phase {
	switch p {
	case NSGreen:
		return NSYellow
	case NSYellow, EWYellow:
		return AllRed
	case AllRed:
		return next.Green()
	case EWGreen:
		return EWYellow
	default:
		return p
	}
}

// Light colours used by dashboards.
const (
	ColorGreen  = "#00ff00"
	ColorYellow = "#ffff00"
	ColorRed    = "#ff0000"
	ColorOff    = "#000000"
)

// Color is the dominant lamp colour shown for a phase.
func Color(p Phase) string {
	switch p {
	case NSGreen, EWGreen:
		return ColorGreen
	case NSYellow, EWYellow:
		return ColorYellow
	case Off:
		return ColorOff
	default:
		return ColorRed
	}
}

// HeadState reports the lamp shown to one direction: green, yellow, red,
// flashing_red or off.
func HeadState(p Phase, d Direction) string {
	switch p {
	case Off:
		return "off"
	case FlashingRed:
		return "flashing_red"
	}
	serving, ok := p.Serving()
	if !ok || serving != d {
		return "red"
	}
	if p == NSYellow || p == EWYellow {
		return "yellow"
	}
	return "green"
}

// RightOfWay renders a phase as a lane-group string for the traffic
// simulator. Groups with index i%4 < 2 belong to the north-south approach.
// 'G' is a protected green, 'y' yellow, 'r' red and 'O' a dark signal.
func RightOfWay(p Phase, width int) string {
	var b strings.Builder
	b.Grow(width)
	for i := range width {
		ns := i%4 < 2
		var c byte
		switch p {
		case NSGreen:
			c = pick(ns, 'G', 'r')
		case NSYellow:
			c = pick(ns, 'y', 'r')
		case EWGreen:
			c = pick(ns, 'r', 'G')
		case EWYellow:
			c = pick(ns, 'r', 'y')
		case Off:
			c = 'O'
		default:
			c = 'r'
		}
		b.WriteByte(c)
	}
	return b.String()
}

func pick(cond bool, a, b byte) byte {
	if cond {
		return a
	}
	return b
}
