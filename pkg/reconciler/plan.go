package reconciler

import (
	"github.com/cuemby/fleetd/pkg/driver"
	"github.com/cuemby/fleetd/pkg/types"
)

// buildPlan diffs target against current and the last-applied fingerprint
// of each known service, producing a driver.Plan. Actions are ordered
// pulls first, then stops/removes (services leaving or changing), then
// creates/starts (services arriving or changing) — so a recreate never
// runs the old and new container at once, and a pull failure is caught
// before anything running is torn down.
func buildPlan(target types.TargetState, current types.CurrentState, fingerprints map[string]string) driver.Plan {
	currentServices := indexServices(current)
	targetServices := indexServices(target.ToCurrentStateShape())

	var pulls, teardowns, standups []driver.Action

	for key, svc := range targetServices {
		fp := fingerprint(svc.spec)
		prevFP, known := fingerprints[key.serviceID]
		observed, isRunning := currentServices[key]

		switch {
		case !isRunning:
			pulls = append(pulls, driver.Action{Type: driver.ActionPullImage, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			standups = append(standups, driver.Action{Type: driver.ActionCreateContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			standups = append(standups, driver.Action{Type: driver.ActionStartContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})

		case known && prevFP != fp:
			pulls = append(pulls, driver.Action{Type: driver.ActionPullImage, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			teardowns = append(teardowns, driver.Action{Type: driver.ActionStopContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			teardowns = append(teardowns, driver.Action{Type: driver.ActionRemoveContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			standups = append(standups, driver.Action{Type: driver.ActionCreateContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			standups = append(standups, driver.Action{Type: driver.ActionStartContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})

		case known && prevFP == fp && observed.spec.Status != driver.StatusRunning:
			standups = append(standups, driver.Action{Type: driver.ActionStartContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})

		case !known:
			// Running but never fingerprinted (e.g. agent restart): adopt
			// it without restarting, the way a reconcile loop should
			// treat state it didn't create this run.
		}
	}

	for key, svc := range currentServices {
		if _, wanted := targetServices[key]; !wanted {
			teardowns = append(teardowns, driver.Action{Type: driver.ActionStopContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
			teardowns = append(teardowns, driver.Action{Type: driver.ActionRemoveContainer, AppID: key.appID, ServiceID: key.serviceID, Spec: svc.spec})
		}
	}

	actions := make([]driver.Action, 0, len(pulls)+len(teardowns)+len(standups))
	actions = append(actions, pulls...)
	actions = append(actions, teardowns...)
	actions = append(actions, standups...)

	return driver.Plan{Actions: actions}
}

type serviceKey struct {
	appID     string
	serviceID string
}

type indexedService struct {
	spec types.ServiceSpec
}

func indexServices(state types.CurrentState) map[serviceKey]indexedService {
	out := make(map[serviceKey]indexedService)
	for appID, app := range state.Apps {
		for _, svc := range app.Services {
			out[serviceKey{appID: appID, serviceID: svc.ServiceID}] = indexedService{spec: svc}
		}
	}
	return out
}
