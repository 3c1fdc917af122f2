package fault

import "fmt"

// CableKind distinguishes feeder cables from service drops.
type CableKind int

const (
	// PrimaryCable runs from a substation to a transformer.
	PrimaryCable CableKind = iota
	// SecondaryCable runs from a transformer to a signal or station.
	SecondaryCable
)

func (k CableKind) String() string {
	if k == SecondaryCable {
		return "secondary"
	}
	return "primary"
}

func (k CableKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *CableKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "primary":
		*k = PrimaryCable
	case "secondary":
		*k = SecondaryCable
	default:
		return fmt.Errorf("unknown cable kind %q", b)
	}
	return nil
}

// Cable is a derived view of one link in the distribution tree.
type Cable struct {
	ID          string
	Kind        CableKind
	From        string
	To          string
	Operational bool
}

// Cables lists every primary cable followed by every secondary cable, in
// topology order. A primary cable is operational when both ends are; a
// secondary cable when its transformer is powered.
func (e *Engine) Cables() []Cable {
	var out []Cable
	txs := e.topo.Transformers()
	for _, t := range txs {
		out = append(out, Cable{
			ID:          fmt.Sprintf("pc-%s-%s", t.SubstationID, t.ID),
			Kind:        PrimaryCable,
			From:        t.SubstationID,
			To:          t.ID,
			Operational: e.substationUp[t.SubstationID] && e.transformerUp[t.ID],
		})
	}
	for _, t := range txs {
		up := e.substationUp[t.SubstationID] && e.transformerUp[t.ID]
		for _, load := range e.topo.LoadsOf(t.ID) {
			out = append(out, Cable{
				ID:          fmt.Sprintf("sc-%s-%s", t.ID, load.ID),
				Kind:        SecondaryCable,
				From:        t.ID,
				To:          load.ID,
				Operational: up,
			})
		}
	}
	return out
}
