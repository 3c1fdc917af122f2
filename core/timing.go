package core

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/signalsfoundry/gridtwin/model"
)

// Period is a time-of-day bucket that drives signal timing plans.
type Period int

const (
	MorningRush Period = iota
	Midday
	EveningRush
	Evening
	LateNight
)

func (p Period) String() string {
	switch p {
	case MorningRush:
		return "morning_rush"
	case Midday:
		return "midday"
	case EveningRush:
		return "evening_rush"
	case Evening:
		return "evening"
	default:
		return "late_night"
	}
}

// IsRush reports whether the period is one of the commuter peaks.
func (p Period) IsRush() bool { return p == MorningRush || p == EveningRush }

// PeriodAt buckets a wall-clock time.
func PeriodAt(t time.Time) Period {
	switch h := t.Hour(); {
	case h >= 6 && h < 10:
		return MorningRush
	case h >= 10 && h < 15:
		return Midday
	case h >= 15 && h < 20:
		return EveningRush
	case h >= 20 && h < 23:
		return Evening
	default:
		return LateNight
	}
}

// LoadFactor scales a substation's nominal load for the hour of day.
func LoadFactor(t time.Time) float64 {
	switch h := t.Hour(); {
	case h >= 6 && h < 10:
		return 1.2
	case h >= 15 && h < 20:
		return 1.3
	case h >= 23 || h < 6:
		return 0.7
	default:
		return 1.0
	}
}

const (
	blockTravel     = 7 * time.Second
	greenWaveCycle  = 90 * time.Second
	greenWaveOrigin = 42
	majorBonus      = 10 * time.Second
)

var (
	majorStreets  = map[int]bool{14: true, 23: true, 34: true, 42: true, 57: true, 59: true}
	majorAvenues  = []string{"5th Ave", "6th Ave", "7th Ave", "Park Ave", "Lexington"}
	avenueZoneMap = []struct{ match, zone string }{
		{"7th Ave", "7th_avenue"},
		{"6th Ave", "6th_avenue"},
		{"5th Ave", "5th_avenue"},
		{"Park Ave", "park_avenue"},
		{"Lexington", "lexington"},
		{"Broadway", "broadway"},
	}
	streetZones = map[int]string{42: "42nd_street", 34: "34th_street", 57: "57th_street", 14: "14th_street"}
)

// DefaultTiming is the plan used when nothing else applies.
func DefaultTiming() model.SignalTiming {
	return model.SignalTiming{
		GreenNS:  40 * time.Second,
		YellowNS: 3 * time.Second,
		GreenEW:  35 * time.Second,
		YellowEW: 3 * time.Second,
		AllRed:   2 * time.Second,
	}
}

// TimingFor derives the timing plan of an intersection for a period.
// Rush periods favour the avenues, late night shortens the cycle, and
// major streets and avenues earn extra green for their direction.
func TimingFor(avenue string, street int, p Period) model.SignalTiming {
	t := DefaultTiming()
	switch {
	case p.IsRush():
		t.GreenNS, t.GreenEW = 50*time.Second, 30*time.Second
	case p == LateNight:
		t.GreenNS, t.GreenEW = 25*time.Second, 20*time.Second
	}
	if majorStreets[street] {
		t.GreenEW += majorBonus
	}
	for _, a := range majorAvenues {
		if strings.Contains(avenue, a) {
			t.GreenNS += majorBonus
			break
		}
	}
	return t
}

// GreenWaveOffset staggers avenue signals by one block of travel per
// street away from 42nd so a platoon moving at the speed limit meets
// consecutive greens. Broadway runs diagonally and uses a shorter spacing.
func GreenWaveOffset(avenue string, street int) time.Duration {
	if street == 0 {
		return 0
	}
	diff := time.Duration(street - greenWaveOrigin)
	switch {
	case strings.Contains(avenue, "Broadway"):
		off := diff * blockTravel * 7 / 10
		return max(0, off.Truncate(time.Second))
	case strings.Contains(avenue, "Ave"):
		off := (diff * blockTravel) % greenWaveCycle
		if off < 0 {
			off += greenWaveCycle
		}
		return off
	default:
		return 0
	}
}

// ZoneFor assigns an intersection to a coordination zone.
func ZoneFor(avenue string, street int) string {
	switch {
	case street >= 40 && street <= 44 && strings.Contains(avenue, "7th"):
		return "times_square"
	case street >= 40 && street <= 44 && (strings.Contains(avenue, "Park") || strings.Contains(avenue, "Lexington")):
		return "grand_central"
	case street >= 32 && street <= 36 && (strings.Contains(avenue, "7th") || strings.Contains(avenue, "8th")):
		return "penn_station"
	}
	for _, m := range avenueZoneMap {
		if strings.Contains(avenue, m.match) {
			return m.zone
		}
	}
	if z, ok := streetZones[street]; ok {
		return z
	}
	return "general"
}

// ParseIntersection splits "7th Ave & 42nd St" into its avenue and the
// street number. Street is 0 when the cross street has no number.
func ParseIntersection(name string) (avenue string, street int) {
	a, s, ok := strings.Cut(name, "&")
	if !ok {
		return strings.TrimSpace(name), 0
	}
	avenue = strings.TrimSpace(a)
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if n, err := strconv.Atoi(digits); err == nil {
		street = n
	}
	return avenue, street
}
