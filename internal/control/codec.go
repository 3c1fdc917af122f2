package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/gridtwin/internal/charging"
	"github.com/signalsfoundry/gridtwin/internal/fault"
	"github.com/signalsfoundry/gridtwin/internal/signal"
)

// args reads typed fields out of a request Struct.
type args struct {
	fields map[string]*structpb.Value
}

func argsOf(s *structpb.Struct) args {
	if s == nil {
		return args{}
	}
	return args{fields: s.GetFields()}
}

func (a args) has(key string) bool {
	_, ok := a.fields[key]
	return ok
}

func (a args) str(key string) string { return a.fields[key].GetStringValue() }

func (a args) num(key string) float64 { return a.fields[key].GetNumberValue() }

func (a args) flag(key string) bool { return a.fields[key].GetBoolValue() }

func (a args) strs(key string) []string {
	var out []string
	for _, v := range a.fields[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a args) required(keys ...string) error {
	for _, k := range keys {
		v, ok := a.fields[k]
		if !ok || v.GetKind() == nil {
			return fmt.Errorf("%w: %q is required", ErrInvalidArgument, k)
		}
		if _, isStr := v.GetKind().(*structpb.Value_StringValue); isStr && v.GetStringValue() == "" {
			return fmt.Errorf("%w: %q is required", ErrInvalidArgument, k)
		}
	}
	return nil
}

// ParseDirection accepts NS/EW and their long forms.
func ParseDirection(s string) (signal.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ns", "north_south", "northsouth":
		return signal.NorthSouth, nil
	case "ew", "east_west", "eastwest":
		return signal.EastWest, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidArgument, s)
	}
}

func impactStruct(imp *fault.Impact) (*structpb.Struct, error) {
	if imp == nil {
		return structpb.NewStruct(map[string]interface{}{"changed": false})
	}
	aborted := make([]interface{}, 0, len(imp.Aborted))
	for _, s := range imp.Aborted {
		aborted = append(aborted, map[string]interface{}{
			"vehicle_id": s.VehicleID,
			"station_id": s.StationID,
			"session_id": s.SessionID,
			"charging":   s.Charging,
		})
	}
	rejected := make([]interface{}, 0, len(imp.Rejected))
	for _, r := range imp.Rejected {
		rejected = append(rejected, map[string]interface{}{
			"vehicle_id": r.VehicleID,
			"priority":   r.Priority.String(),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"substation_id":             imp.SubstationID,
		"transformer_id":            imp.TransformerID,
		"failure":                   imp.Failure,
		"changed":                   imp.Changed,
		"transformers_affected":     imp.TransformersAffected,
		"signals_affected":          imp.SignalsAffected,
		"stations_affected":         imp.StationsAffected,
		"primary_cables_affected":   imp.PrimaryCablesAffected,
		"secondary_cables_affected": imp.SecondaryCablesAffected,
		"load_shed_mw":              imp.LoadShedMW,
		"capacity_lost_mva":         imp.CapacityLostMVA,
		"estimated_customers":       imp.EstimatedCustomers,
		"affected_area":             imp.AffectedArea,
		"aborted_sessions":          aborted,
		"rejected_requests":         rejected,
	})
}

func assignmentStruct(a *charging.Assignment, targetEdge string) (*structpb.Struct, error) {
	if a == nil {
		return nil, fmt.Errorf("missing assignment")
	}
	return structpb.NewStruct(map[string]interface{}{
		"station_id":             a.StationID,
		"target_edge":            targetEdge,
		"immediate":              a.Immediate,
		"port":                   a.Port,
		"session_id":             a.SessionID,
		"priority":               a.Priority.String(),
		"queue_position":         a.Position,
		"estimated_wait_seconds": a.EstimatedWait.Seconds(),
		"travel_seconds":         a.TravelTime.Seconds(),
	})
}

// jsonStruct converts any JSON-encodable value into a Struct.
func jsonStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(m)
}
