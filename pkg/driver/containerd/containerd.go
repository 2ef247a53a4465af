// Package containerd implements pkg/driver.Driver against a local
// containerd daemon. Containers are created from types.ServiceConfig's
// environment, volumes and labels; its port mappings, network mode and
// network list are not applied. Observation reports a
// types.CurrentState keyed by service ID rather than a flat container
// list.
package containerd

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/agenterrors"
	"github.com/cuemby/fleetd/pkg/driver"
	"github.com/cuemby/fleetd/pkg/types"
)

const (
	// Namespace is the containerd namespace fleetd's containers live in,
	// keeping them out of any other workload sharing the host's
	// containerd instance.
	Namespace = "fleetd"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	labelAppID     = "fleetd.app_id"
	labelServiceID = "fleetd.service_id"

	defaultStopTimeout = 10 * time.Second
)

// Runtime adapts a local containerd daemon to driver.Driver.
type Runtime struct {
	client *containerd.Client
	logger zerolog.Logger
}

// New connects to containerd over socketPath (DefaultSocketPath if empty).
func New(socketPath string, logger zerolog.Logger) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to connect to containerd at %s: %w", socketPath, err))
	}

	return &Runtime{client: client, logger: logger}, nil
}

// Name implements driver.Driver.
func (r *Runtime) Name() string { return "containerd" }

// Version implements driver.Driver.
func (r *Runtime) Version(ctx context.Context) (string, error) {
	v, err := r.client.Version(ctx)
	if err != nil {
		return "", agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to read containerd version: %w", err))
	}
	return v.Version, nil
}

// Close implements driver.Driver.
func (r *Runtime) Close() error {
	return r.client.Close()
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// ApplyPlan implements driver.Driver. It runs every action and keeps going
// past a failure so one bad service never blocks the rest of the plan;
// per-action errors come back in the result slice for the reconciler to
// turn into service-unhealthy events and retries.
func (r *Runtime) ApplyPlan(ctx context.Context, plan driver.Plan) ([]driver.ApplyResult, error) {
	results := make([]driver.ApplyResult, 0, len(plan.Actions))

	for _, action := range plan.Actions {
		err := r.applyOne(ctx, action)
		if err != nil {
			r.logger.Error().Err(err).Str("action", string(action.Type)).Str("service_id", action.ServiceID).Msg("driver action failed")
		}
		results = append(results, driver.ApplyResult{Action: action, Err: err})
	}

	return results, nil
}

func (r *Runtime) applyOne(ctx context.Context, action driver.Action) error {
	switch action.Type {
	case driver.ActionPullImage:
		return r.pullImage(ctx, action.Spec.ImageName)
	case driver.ActionCreateContainer:
		return r.createContainer(ctx, action.AppID, action.Spec)
	case driver.ActionStartContainer:
		return r.startContainer(ctx, action.Spec.ServiceID)
	case driver.ActionStopContainer:
		return r.stopContainer(ctx, action.Spec.ServiceID)
	case driver.ActionRemoveContainer:
		return r.removeContainer(ctx, action.Spec.ServiceID)
	case driver.ActionRecreateAndStart:
		if err := r.stopContainer(ctx, action.Spec.ServiceID); err != nil {
			return err
		}
		if err := r.removeContainer(ctx, action.Spec.ServiceID); err != nil {
			return err
		}
		if err := r.createContainer(ctx, action.AppID, action.Spec); err != nil {
			return err
		}
		return r.startContainer(ctx, action.Spec.ServiceID)
	default:
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("unknown driver action %q", action.Type))
	}
}

func (r *Runtime) pullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to pull image %s: %w", imageRef, err))
	}
	return nil
}

func (r *Runtime) createContainer(ctx context.Context, appID string, spec types.ServiceSpec) error {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.ImageName)
	if err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to get image %s: %w", spec.ImageName, err))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(spec.Config.Environment)),
	}

	if mounts := volumeMounts(spec.Config.Volumes); len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{
		labelAppID:     appID,
		labelServiceID: spec.ServiceID,
	}
	for k, v := range spec.Config.Labels {
		labels[k] = v
	}

	_, err = r.client.NewContainer(
		ctx,
		spec.ServiceID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ServiceID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to create container for service %s: %w", spec.ServiceID, err))
	}
	return nil
}

func (r *Runtime) startContainer(ctx context.Context, serviceID string) error {
	ctx = r.ctx(ctx)

	cont, err := r.client.LoadContainer(ctx, serviceID)
	if err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to load container %s: %w", serviceID, err))
	}

	task, err := cont.NewTask(ctx, cio.NullIO)
	if err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to create task for %s: %w", serviceID, err))
	}
	if err := task.Start(ctx); err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to start task for %s: %w", serviceID, err))
	}
	return nil
}

func (r *Runtime) stopContainer(ctx context.Context, serviceID string) error {
	ctx = r.ctx(ctx)

	cont, err := r.client.LoadContainer(ctx, serviceID)
	if err != nil {
		// Already gone: nothing to stop.
		return nil
	}

	task, err := cont.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to signal task for %s: %w", serviceID, err))
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to wait on task for %s: %w", serviceID, err))
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to force-kill task for %s: %w", serviceID, err))
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to delete task for %s: %w", serviceID, err))
	}
	return nil
}

func (r *Runtime) removeContainer(ctx context.Context, serviceID string) error {
	ctx = r.ctx(ctx)

	cont, err := r.client.LoadContainer(ctx, serviceID)
	if err != nil {
		return nil
	}
	if err := cont.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to delete container %s: %w", serviceID, err))
	}
	return nil
}

// Observe implements driver.Driver, reporting every fleetd-owned container
// back as a minimal types.CurrentState: one ServiceSpec per container,
// grouped by the fleetd.app_id label, with status and ContainerID filled
// in from the live task state.
func (r *Runtime) Observe(ctx context.Context) (types.CurrentState, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return types.CurrentState{}, agenterrors.New(agenterrors.DriverError, fmt.Errorf("failed to list containers: %w", err))
	}

	apps := make(map[string]types.AppSpec)

	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Str("container_id", c.ID()).Msg("failed to read container labels")
			continue
		}
		appID := labels[labelAppID]
		serviceID := labels[labelServiceID]
		if appID == "" || serviceID == "" {
			continue
		}

		status := r.containerStatus(ctx, c)

		app, ok := apps[appID]
		if !ok {
			app = types.AppSpec{AppID: appID, Services: nil}
		}
		app.Services = append(app.Services, types.ServiceSpec{
			ServiceID:   serviceID,
			ContainerID: c.ID(),
			Status:      status,
		})
		apps[appID] = app
	}

	return types.CurrentState{Apps: apps}, nil
}

func (r *Runtime) containerStatus(ctx context.Context, c containerd.Container) string {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return "stopped"
	}
	status, err := task.Status(ctx)
	if err != nil {
		return "unknown"
	}
	switch status.Status {
	case containerd.Running:
		return driver.StatusRunning
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return "stopped"
		}
		return "failed"
	case containerd.Paused:
		return "running"
	default:
		return "unknown"
	}
}

// AttachLogs implements driver.Driver. containerd's NullIO (used at
// start-time above) does not capture output; a future iteration that needs
// this would start tasks with cio.LogFile instead.
func (r *Runtime) AttachLogs(ctx context.Context, serviceID string, sink driver.LogSink) error {
	_ = serviceID
	_ = sink
	return agenterrors.New(agenterrors.DriverError, fmt.Errorf("log attachment not supported: containers are started with null IO"))
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func volumeMounts(volumes []types.VolumeMapping) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(volumes))
	for _, v := range volumes {
		opts := []string{"rbind"}
		if v.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      v.Source,
			Destination: v.Target,
			Type:        "bind",
			Options:     opts,
		})
	}
	return mounts
}
