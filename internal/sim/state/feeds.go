package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gridtwin/internal/bridge"
	"github.com/signalsfoundry/gridtwin/kb"
)

// ApplyPowerFlow turns one power-flow report into intents. The operational
// flag is compared with the latest snapshot, so a report that agrees with
// the twin submits nothing for it; a reported load is always recorded.
// It does not wait for the intents to be applied.
func (e *Engine) ApplyPowerFlow(ctx context.Context, st bridge.SubstationStatus) error {
	view, ok := e.Snapshot().Substation(st.ID)
	if !ok {
		return fmt.Errorf("%w: %q", kb.ErrSubstationNotFound, st.ID)
	}
	var errs []error
	if view.Operational != st.Operational {
		in := FailSubstation(st.ID)
		if st.Operational {
			in = RestoreSubstation(st.ID)
		}
		if _, err := e.Submit(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	if st.LoadMW != nil {
		if _, err := e.Submit(ctx, SetSubstationLoad(st.ID, *st.LoadMW)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyVehicles queues a traffic frame as a vehicle update.
func (e *Engine) ApplyVehicles(ctx context.Context, batch bridge.VehicleBatch) error {
	if len(batch.Vehicles) == 0 {
		return nil
	}
	_, err := e.Submit(ctx, VehicleUpdate(batch.Vehicles))
	return err
}
