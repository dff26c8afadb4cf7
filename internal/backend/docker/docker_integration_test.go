//go:build integration

package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"github.com/paddock-ci/paddock/internal/backend"
)

// DockerBackendSuite tests the Docker backend against a real Docker
// daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/backend/docker/ -tags integration -v
type DockerBackendSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerBackendSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	// Verify Docker is available
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	ctx := context.Background()
	_, err = cli.Ping(ctx)
	require.NoError(s.T(), err, "Docker daemon must be reachable")

	// Pull test image
	pull, err := cli.ImagePull(ctx, s.testImage, image.PullOptions{})
	require.NoError(s.T(), err)
	_, _ = io.ReadAll(pull)
	pull.Close()
}

func (s *DockerBackendSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerBackendSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerBackendSuite) TearDownTest() {
	s.cancel()
}

func TestDockerBackendSuite(t *testing.T) {
	suite.Run(t, new(DockerBackendSuite))
}

// newTestBackend wraps the suite's shared client in a Backend.  Since
// we're in the same package, we can construct the Backend directly and
// mark the test image as pulled.
func (s *DockerBackendSuite) newTestBackend() *Backend {
	return &Backend{
		client: s.docker,
		dind:   false,
		logger: s.logger,
		tracer: otel.Tracer("test"),
		pulled: map[string]bool{s.testImage: true},
	}
}

// startTestInstance creates and starts a labeled container using
// alpine + sleep so it stays alive long enough to be listed, inspected
// and deleted.  It bypasses Create's image entrypoint (alpine's default
// command exits immediately, and alpine has no "runner" user).
// Returns the container ID.
func (s *DockerBackendSuite) startTestInstance(name, group, hash string) string {
	resp, err := s.docker.ContainerCreate(
		s.ctx,
		&container.Config{
			Image: s.testImage,
			User:  "root",
			Cmd:   []string{"sleep", "300"},
			Labels: instanceLabels(backend.InstanceSpec{
				Name:         name,
				Group:        group,
				TemplateHash: hash,
			}),
		},
		nil, nil, nil,
		name,
	)
	require.NoError(s.T(), err)

	err = s.docker.ContainerStart(s.ctx, resp.ID, container.StartOptions{})
	require.NoError(s.T(), err)

	return resp.ID
}

// containerExists checks if a container with the given ID exists.
func (s *DockerBackendSuite) containerExists(id string) bool {
	_, err := s.docker.ContainerInspect(s.ctx, id)
	return err == nil
}

// ---------------------------------------------------------------------------
// Backend constructor
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestNew_PingsDaemon() {
	b, err := New(s.ctx, Config{}, s.logger)
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), b)
	assert.Equal(s.T(), "docker", b.Name())
	b.Close()
}

// ---------------------------------------------------------------------------
// Delete: container lifecycle
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestDelete_RemovesContainer() {
	b := s.newTestBackend()

	id := s.startTestInstance("paddock-it-del", "it-group", "abc123")
	assert.True(s.T(), s.containerExists(id))

	err := b.Delete(s.ctx, id)
	require.NoError(s.T(), err)

	assert.False(s.T(), s.containerExists(id))
}

func (s *DockerBackendSuite) TestDelete_Idempotent() {
	b := s.newTestBackend()

	id := s.startTestInstance("paddock-it-idem", "it-group", "abc123")

	err := b.Delete(s.ctx, id)
	require.NoError(s.T(), err)

	// A second delete of the now-missing container is a no-op success,
	// so retried deprovision tasks converge instead of erroring.
	err = b.Delete(s.ctx, id)
	assert.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// List: group filtering and state mapping
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestList_FiltersByGroup() {
	b := s.newTestBackend()

	idA1 := s.startTestInstance("paddock-it-a1", "it-list-a", "hash-a")
	idA2 := s.startTestInstance("paddock-it-a2", "it-list-a", "hash-a")
	idB := s.startTestInstance("paddock-it-b1", "it-list-b", "hash-b")
	defer func() {
		for _, id := range []string{idA1, idA2, idB} {
			_ = b.Delete(s.ctx, id)
		}
	}()

	instances, err := b.List(s.ctx, "it-list-a")
	require.NoError(s.T(), err)
	require.Len(s.T(), instances, 2)

	names := make(map[string]backend.Instance, 2)
	for _, inst := range instances {
		names[inst.Name] = inst
	}
	require.Contains(s.T(), names, "paddock-it-a1")
	require.Contains(s.T(), names, "paddock-it-a2")

	inst := names["paddock-it-a1"]
	assert.Equal(s.T(), idA1, inst.Handle)
	assert.Equal(s.T(), "it-list-a", inst.Group)
	assert.Equal(s.T(), "hash-a", inst.TemplateHash)
	assert.Equal(s.T(), backend.ProviderRunning, inst.State)
	assert.WithinDuration(s.T(), time.Now(), inst.CreatedAt, time.Minute)
}

func (s *DockerBackendSuite) TestList_IncludesNotStarted() {
	b := s.newTestBackend()

	// Created but never started: should still show up, as pending, so
	// drift reconciliation can see half-provisioned instances.
	resp, err := s.docker.ContainerCreate(
		s.ctx,
		&container.Config{
			Image: s.testImage,
			Cmd:   []string{"sleep", "300"},
			Labels: instanceLabels(backend.InstanceSpec{
				Name:         "paddock-it-created",
				Group:        "it-created",
				TemplateHash: "hash-c",
			}),
		},
		nil, nil, nil,
		"paddock-it-created",
	)
	require.NoError(s.T(), err)
	defer b.Delete(s.ctx, resp.ID)

	instances, err := b.List(s.ctx, "it-created")
	require.NoError(s.T(), err)
	require.Len(s.T(), instances, 1)
	assert.Equal(s.T(), backend.ProviderPending, instances[0].State)
}

func (s *DockerBackendSuite) TestList_EmptyGroup() {
	b := s.newTestBackend()

	instances, err := b.List(s.ctx, "it-no-such-group")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), instances)
}

// ---------------------------------------------------------------------------
// Describe
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestDescribe_RunningContainer() {
	b := s.newTestBackend()

	id := s.startTestInstance("paddock-it-desc", "it-desc", "hash-d")
	defer b.Delete(s.ctx, id)

	state, err := b.Describe(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), backend.ProviderRunning, state)
}

func (s *DockerBackendSuite) TestDescribe_MissingContainer() {
	b := s.newTestBackend()

	_, err := b.Describe(s.ctx, "no-such-container-id")
	assert.ErrorIs(s.T(), err, backend.ErrInstanceNotFound)
}

// ---------------------------------------------------------------------------
// Create: error classification
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestCreate_InvalidSizeIsPermanent() {
	b := s.newTestBackend()

	_, err := b.Create(s.ctx, backend.InstanceSpec{
		Name:  "paddock-it-badsize",
		Group: "it-badsize",
		Image: s.testImage,
		Size:  "not-a-size",
	})
	require.Error(s.T(), err)

	var provErr *backend.ProvisionError
	require.True(s.T(), errors.As(err, &provErr))
	assert.False(s.T(), provErr.Transient, "invalid size will not succeed on retry")
	assert.False(s.T(), backend.IsTransient(err))
}

// ---------------------------------------------------------------------------
// DinD configuration
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestDindMode_SocketMount() {
	b := s.newTestBackend()
	b.dind = true

	// DinD runs as root, so the full Create path works on alpine even
	// though the image has no "runner" user.  The container exits as
	// soon as alpine's default command finishes; that's fine here.
	inst, err := b.Create(s.ctx, backend.InstanceSpec{
		Name:         "paddock-it-dind",
		Group:        "it-dind",
		Image:        s.testImage,
		TemplateHash: "hash-dind",
		Env:          map[string]string{"RUNNER_NAME": "paddock-it-dind"},
	})
	require.NoError(s.T(), err)
	defer b.Delete(s.ctx, inst.Handle)

	info, err := s.docker.ContainerInspect(s.ctx, inst.Handle)
	require.NoError(s.T(), err)

	// Verify Docker socket bind-mount
	hasBind := false
	for _, bind := range info.HostConfig.Binds {
		if bind == "/var/run/docker.sock:/var/run/docker.sock" {
			hasBind = true
			break
		}
	}
	assert.True(s.T(), hasBind, "DinD container should have Docker socket bind-mount")

	// Verify env: registration env plus the DinD additions
	hasDockerHost := false
	hasRunAsRoot := false
	hasRunnerName := false
	for _, env := range info.Config.Env {
		switch env {
		case "DOCKER_HOST=unix:///var/run/docker.sock":
			hasDockerHost = true
		case "RUNNER_ALLOW_RUNASROOT=1":
			hasRunAsRoot = true
		case "RUNNER_NAME=paddock-it-dind":
			hasRunnerName = true
		}
	}
	assert.True(s.T(), hasDockerHost, "DinD should set DOCKER_HOST")
	assert.True(s.T(), hasRunAsRoot, "DinD should set RUNNER_ALLOW_RUNASROOT")
	assert.True(s.T(), hasRunnerName, "registration env should be passed through")

	// Verify instance tags
	assert.Equal(s.T(), "it-dind", info.Config.Labels[backend.TagGroup])
	assert.Equal(s.T(), "paddock-it-dind", info.Config.Labels[backend.TagRunner])
	assert.Equal(s.T(), "hash-dind", info.Config.Labels[backend.TagTemplate])
}

func (s *DockerBackendSuite) TestNonDindInstance_NoSocketMount() {
	b := s.newTestBackend()

	id := s.startTestInstance("paddock-it-nodind", "it-nodind", "hash-n")
	defer b.Delete(s.ctx, id)

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)

	// Should NOT have Docker socket bind
	for _, bind := range info.HostConfig.Binds {
		assert.NotContains(s.T(), bind, "docker.sock",
			"non-DinD container should not have Docker socket mount")
	}
}

// ---------------------------------------------------------------------------
// Rapid create/delete cycles
// ---------------------------------------------------------------------------

func (s *DockerBackendSuite) TestRapidCreateDelete() {
	b := s.newTestBackend()

	for i := range 5 {
		name := fmt.Sprintf("paddock-it-rapid-%d", i)
		id := s.startTestInstance(name, "it-rapid", "hash-r")

		err := b.Delete(s.ctx, id)
		require.NoError(s.T(), err)

		assert.False(s.T(), s.containerExists(id))
	}

	instances, err := b.List(s.ctx, "it-rapid")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), instances, "all containers should be cleaned up")
}
