// Package docker implements the backend.Backend interface using the
// Docker daemon to run ephemeral CI runners as containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	units "github.com/docker/go-units"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paddock-ci/paddock/internal/backend"
)

// Config holds Docker-specific settings.
type Config struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container so
	// workflows can run docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool
}

// Backend manages CI runners as Docker containers.  The instance spec's
// Size, when set, is parsed as a memory limit (e.g. "4g").
type Backend struct {
	client *dockerclient.Client
	dind   bool
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	pulled map[string]bool // images already pulled this process
}

// Compile-time check that Backend satisfies the backend.Backend interface.
var _ backend.Backend = (*Backend)(nil)

// New creates a Docker backend and verifies the daemon is reachable.
// Images are pulled lazily on first use per image reference.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker backend initialized", slog.Bool("dind", cfg.Dind))

	return &Backend{
		client: client,
		dind:   cfg.Dind,
		logger: logger,
		tracer: otel.Tracer("paddock/backend/docker"),
		pulled: make(map[string]bool),
	}, nil
}

// Name identifies the backend type.
func (b *Backend) Name() string { return "docker" }

// Create pulls the image if needed, then creates and starts a container
// carrying the spec's registration environment and instance tags.
func (b *Backend) Create(ctx context.Context, spec backend.InstanceSpec) (backend.Instance, error) {
	ctx, span := b.tracer.Start(ctx, "backend.docker.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("runner.group", spec.Group),
		attribute.String("docker.image", spec.Image),
	)

	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return backend.Instance{}, &backend.ProvisionError{Transient: true, Err: err}
	}

	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does.  Running as root works on both.
	user := "runner"
	var hostCfg *container.HostConfig
	if b.dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
	}

	if spec.Size != "" {
		mem, err := units.RAMInBytes(spec.Size)
		if err != nil {
			return backend.Instance{}, &backend.ProvisionError{
				Err: fmt.Errorf("invalid size %q: %w", spec.Size, err),
			}
		}
		if hostCfg == nil {
			hostCfg = &container.HostConfig{}
		}
		hostCfg.Resources = container.Resources{Memory: mem}
	}

	resp, err := b.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  spec.Image,
			User:   user,
			Env:    env,
			Labels: instanceLabels(spec),
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return backend.Instance{}, &backend.ProvisionError{
			Transient: isTransientDockerErr(err),
			Err:       fmt.Errorf("container create %s: %w", spec.Name, err),
		}
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = b.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return backend.Instance{}, &backend.ProvisionError{
			Transient: isTransientDockerErr(err),
			Err:       fmt.Errorf("container start %s: %w", spec.Name, err),
		}
	}

	span.SetAttributes(attribute.String("docker.container_id", resp.ID))

	b.logger.Info("runner container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return backend.Instance{
		Handle:       resp.ID,
		Name:         spec.Name,
		Group:        spec.Group,
		TemplateHash: spec.TemplateHash,
		State:        backend.ProviderRunning,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Delete force-removes the container identified by handle.  A missing
// container is a no-op success.
func (b *Backend) Delete(ctx context.Context, handle string) error {
	ctx, span := b.tracer.Start(ctx, "backend.docker.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("docker.container_id", handle))

	err := b.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			span.AddEvent("container already removed (idempotent)")
			b.logger.Debug("container already removed", slog.String("containerID", handle))
			return nil
		}
		return &backend.DeprovisionError{
			Transient: isTransientDockerErr(err),
			Err:       fmt.Errorf("container remove %s: %w", handle, err),
		}
	}

	b.logger.Info("runner container removed", slog.String("containerID", handle))
	return nil
}

// List returns the containers tagged as belonging to the group,
// including stopped ones, so drift reconciliation sees dead instances
// too.
func (b *Backend) List(ctx context.Context, group string) ([]backend.Instance, error) {
	ctx, span := b.tracer.Start(ctx, "backend.docker.List")
	defer span.End()

	span.SetAttributes(attribute.String("runner.group", group))

	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", backend.TagGroup, group)),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("container list for group %s: %w", group, err)
	}

	instances := make([]backend.Instance, 0, len(containers))
	for _, c := range containers {
		instances = append(instances, backend.Instance{
			Handle:       c.ID,
			Name:         c.Labels[backend.TagRunner],
			Group:        c.Labels[backend.TagGroup],
			TemplateHash: c.Labels[backend.TagTemplate],
			State:        providerState(c.State),
			CreatedAt:    time.Unix(c.Created, 0).UTC(),
		})
	}

	span.SetAttributes(attribute.Int("docker.instances", len(instances)))
	return instances, nil
}

// Describe reports the provider-level state of a single container.
func (b *Backend) Describe(ctx context.Context, handle string) (backend.ProviderState, error) {
	info, err := b.client.ContainerInspect(ctx, handle)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return backend.ProviderUnknown, backend.ErrInstanceNotFound
		}
		return backend.ProviderUnknown, fmt.Errorf("container inspect %s: %w", handle, err)
	}
	if info.State == nil {
		return backend.ProviderUnknown, nil
	}
	return providerState(info.State.Status), nil
}

// Close releases the Docker API client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// ensureImage pulls the image once per process.  The daemon caches
// layers, so redundant pulls across restarts are cheap but not free.
func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	b.mu.Lock()
	done := b.pulled[ref]
	b.mu.Unlock()
	if done {
		return nil
	}

	b.logger.Info("pulling runner image", slog.String("image", ref))

	pull, err := b.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	b.mu.Lock()
	b.pulled[ref] = true
	b.mu.Unlock()

	b.logger.Info("runner image ready", slog.String("image", ref))
	return nil
}

// instanceLabels builds the tag set stamped onto every container.
func instanceLabels(spec backend.InstanceSpec) map[string]string {
	return map[string]string{
		backend.TagGroup:    spec.Group,
		backend.TagRunner:   spec.Name,
		backend.TagTemplate: spec.TemplateHash,
	}
}

// providerState maps Docker container states onto the backend's coarse
// provider states.
func providerState(state string) backend.ProviderState {
	switch state {
	case "running", "paused":
		return backend.ProviderRunning
	case "created", "restarting":
		return backend.ProviderPending
	case "exited", "dead", "removing":
		return backend.ProviderStopped
	default:
		return backend.ProviderUnknown
	}
}

// isTransientDockerErr classifies daemon errors.  Requests the daemon
// rejected outright (bad parameters, name conflicts, missing images)
// will not succeed on retry; connection-level failures might.
func isTransientDockerErr(err error) bool {
	switch {
	case dockerclient.IsErrNotFound(err):
		return false
	case dockerclient.IsErrConnectionFailed(err):
		return true
	}
	// Conflicts (duplicate names) and invalid parameters come back as
	// errdefs-typed errors with stable messages; everything else is
	// assumed to be a daemon hiccup worth retrying.
	msg := strings.ToLower(err.Error())
	for _, permanent := range []string{
		"invalid", "conflict", "already in use", "no such image",
	} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}
