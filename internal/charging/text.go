package charging

import "fmt"

// Enumerations marshal as their names so snapshots stay readable on the
// wire.

func parseEnum[T ~int](kind, s string, n int, name func(T) string) (T, error) {
	for i := 0; i < n; i++ {
		if name(T(i)) == s {
			return T(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := parseEnum("priority", string(b), 3, Priority.String)
	*p = v
	return err
}

func (s PortState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PortState) UnmarshalText(b []byte) error {
	v, err := parseEnum("port state", string(b), 3, PortState.String)
	*s = v
	return err
}

func (s StationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StationState) UnmarshalText(b []byte) error {
	v, err := parseEnum("station state", string(b), 4, StationState.String)
	*s = v
	return err
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *EventKind) UnmarshalText(b []byte) error {
	v, err := parseEnum("event kind", string(b), len(eventNames), EventKind.String)
	*k = v
	return err
}
