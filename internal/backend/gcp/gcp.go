// Package gcp implements the backend.Backend interface using Google
// Cloud Compute Engine to run ephemeral CI runners as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/paddock-ci/paddock/internal/backend"
)

// Config holds GCP-specific backend settings.  The per-group template
// supplies the image (a full self-link or family URL) and the machine
// type; Config carries the project-level plumbing shared by all groups
// on this backend.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type used when a group's
	// template does not specify a size.  Default: "e2-medium".
	MachineType string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	// Default: true.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// ApplyDefaults fills in the optional fields.
func (c *Config) ApplyDefaults() {
	if c.MachineType == "" {
		c.MachineType = "e2-medium"
	}
	if c.DiskSizeGB == 0 {
		c.DiskSizeGB = 50
	}
	if c.Network == "" {
		c.Network = "default"
	}
}

// instancesAPI is the subset of the Compute Engine instances client the
// backend uses.  The production implementation adapts
// *compute.InstancesClient; tests substitute a mock.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

// operationWaiter abstracts the long-running operation returned by
// Insert and Delete.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// closerOnly is what the backend needs from the zone operations client:
// the instances client's operations carry their own Wait.
type closerOnly interface {
	Close() error
}

// Backend manages CI runners as GCP Compute Engine VMs.  The instance
// spec's Size, when set, is used as the machine type.
type Backend struct {
	client   instancesAPI
	opCloser closerOnly
	cfg      Config
	logger   *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Backend satisfies the backend.Backend interface.
var _ backend.Backend = (*Backend)(nil)

// New creates a GCP backend using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	cfg.ApplyDefaults()

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	logger.Info("gcp backend initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
	)

	return newBackend(&realInstances{client: client}, opClient, cfg, logger), nil
}

// newBackend wires a Backend from its collaborators.  Split from New so
// tests can inject mocks; it applies no defaults.
func newBackend(client instancesAPI, opCloser closerOnly, cfg Config, logger *slog.Logger) *Backend {
	return &Backend{
		client:   client,
		opCloser: opCloser,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("paddock/backend/gcp"),
	}
}

// Name identifies the backend type.
func (b *Backend) Name() string { return "gcp" }

// Create inserts a VM named after the spec and waits for the insert
// operation.  The registration environment is passed via instance
// metadata so the image's startup script can configure the runner, and
// the instance tags become GCP labels so List can find the group's VMs.
func (b *Backend) Create(ctx context.Context, spec backend.InstanceSpec) (backend.Instance, error) {
	ctx, span := b.tracer.Start(ctx, "backend.gcp.Create")
	defer span.End()

	machineType := spec.Size
	if machineType == "" {
		machineType = b.cfg.MachineType
	}

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("runner.group", spec.Group),
		attribute.String("gcp.project", b.cfg.Project),
		attribute.String("gcp.zone", b.cfg.Zone),
		attribute.String("gcp.machine_type", machineType),
	)

	// Boot disk from the group's runner image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(spec.Image),
			DiskSizeGb:  proto.Int64(b.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", b.cfg.Zone)),
		},
	}

	// Network interface.
	networkURL := fmt.Sprintf("global/networks/%s", b.cfg.Network)
	nic := &computepb.NetworkInterface{
		Network: proto.String(networkURL),
	}
	if b.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(b.cfg.Subnet)
	}
	if b.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", b.cfg.Zone, machineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          envMetadata(spec.Env),
		Labels:            instanceLabels(spec),
	}

	// Attach a service account if configured.
	if b.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(b.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	b.logger.Info("creating runner VM",
		slog.String("name", spec.Name),
		slog.String("group", spec.Group),
		slog.String("machine_type", machineType),
		slog.String("zone", b.cfg.Zone),
	)

	op, err := b.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          b.cfg.Project,
		Zone:             b.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return backend.Instance{}, &backend.ProvisionError{
			Transient: isTransientGCP(err),
			Err:       fmt.Errorf("insert instance %s: %w", spec.Name, err),
		}
	}

	// Wait for the insert operation to complete.
	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return backend.Instance{}, &backend.ProvisionError{
			Transient: isTransientGCP(err),
			Err:       fmt.Errorf("waiting for instance %s: %w", spec.Name, err),
		}
	}

	span.SetAttributes(attribute.String("gcp.instance_name", spec.Name))

	b.logger.Info("runner VM started",
		slog.String("name", spec.Name),
		slog.String("zone", b.cfg.Zone),
	)

	// For GCP, the instance name is the opaque handle.
	return backend.Instance{
		Handle:       spec.Name,
		Name:         spec.Name,
		Group:        spec.Group,
		TemplateHash: spec.TemplateHash,
		State:        backend.ProviderRunning,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Delete permanently deletes the VM identified by handle.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (b *Backend) Delete(ctx context.Context, handle string) error {
	ctx, span := b.tracer.Start(ctx, "backend.gcp.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", handle),
		attribute.String("gcp.project", b.cfg.Project),
		attribute.String("gcp.zone", b.cfg.Zone),
	)

	b.logger.Info("deleting runner VM", slog.String("name", handle))

	op, err := b.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  b.cfg.Project,
		Zone:     b.cfg.Zone,
		Instance: handle,
	})
	if err != nil {
		// Treat "not found" as success -- the instance is already gone.
		// The GCP client returns a googleapi.Error with Code 404.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			b.logger.Info("runner VM already deleted", slog.String("name", handle))
			return nil
		}
		return &backend.DeprovisionError{
			Transient: isTransientGCP(err),
			Err:       fmt.Errorf("delete instance %s: %w", handle, err),
		}
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			b.logger.Info("runner VM already deleted", slog.String("name", handle))
			return nil
		}
		return &backend.DeprovisionError{
			Transient: isTransientGCP(err),
			Err:       fmt.Errorf("waiting for delete of %s: %w", handle, err),
		}
	}

	b.logger.Info("runner VM deleted", slog.String("name", handle))

	return nil
}

// List returns the VMs labeled as belonging to the group, in any
// lifecycle state, so drift reconciliation sees terminated instances
// too.
func (b *Backend) List(ctx context.Context, group string) ([]backend.Instance, error) {
	ctx, span := b.tracer.Start(ctx, "backend.gcp.List")
	defer span.End()

	span.SetAttributes(attribute.String("runner.group", group))

	vms, err := b.client.List(ctx, &computepb.ListInstancesRequest{
		Project: b.cfg.Project,
		Zone:    b.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf("labels.%s=%s", backend.TagGroup, group)),
	})
	if err != nil {
		return nil, fmt.Errorf("list instances for group %s: %w", group, err)
	}

	instances := make([]backend.Instance, 0, len(vms))
	for _, vm := range vms {
		instances = append(instances, vmInstance(vm))
	}

	span.SetAttributes(attribute.Int("gcp.instances", len(instances)))
	return instances, nil
}

// Describe reports the provider-level state of a single VM.
func (b *Backend) Describe(ctx context.Context, handle string) (backend.ProviderState, error) {
	vm, err := b.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  b.cfg.Project,
		Zone:     b.cfg.Zone,
		Instance: handle,
	})
	if err != nil {
		if isNotFound(err) {
			return backend.ProviderUnknown, backend.ErrInstanceNotFound
		}
		return backend.ProviderUnknown, fmt.Errorf("get instance %s: %w", handle, err)
	}
	return providerState(vm.GetStatus()), nil
}

// Close releases the API clients.
func (b *Backend) Close() error {
	err := b.client.Close()
	if cerr := b.opCloser.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// realInstances adapts *compute.InstancesClient to the instancesAPI
// seam, flattening List's iterator into a slice.
type realInstances struct {
	client *compute.InstancesClient
}

func (r *realInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.client.Insert(ctx, req)
}

func (r *realInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.client.Delete(ctx, req)
}

func (r *realInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.client.Get(ctx, req)
}

func (r *realInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var vms []*computepb.Instance
	it := r.client.List(ctx, req)
	for {
		vm, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

func (r *realInstances) Close() error {
	return r.client.Close()
}

// envMetadata converts the registration environment into instance
// metadata items, sorted by key so requests are deterministic.
func envMetadata(env map[string]string) *computepb.Metadata {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]*computepb.Items, 0, len(keys))
	for _, k := range keys {
		items = append(items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(env[k]),
		})
	}
	return &computepb.Metadata{Items: items}
}

// instanceLabels builds the tag set stamped onto every VM.  Group
// names, runner names and template hashes are all lowercase and
// DNS-safe, which keeps them valid as GCP label values.
func instanceLabels(spec backend.InstanceSpec) map[string]string {
	return map[string]string{
		backend.TagGroup:    spec.Group,
		backend.TagRunner:   spec.Name,
		backend.TagTemplate: spec.TemplateHash,
	}
}

// vmInstance maps a Compute Engine instance onto the backend's view.
func vmInstance(vm *computepb.Instance) backend.Instance {
	created, _ := time.Parse(time.RFC3339, vm.GetCreationTimestamp())
	labels := vm.GetLabels()
	return backend.Instance{
		Handle:       vm.GetName(),
		Name:         labels[backend.TagRunner],
		Group:        labels[backend.TagGroup],
		TemplateHash: labels[backend.TagTemplate],
		State:        providerState(vm.GetStatus()),
		CreatedAt:    created,
	}
}

// providerState maps Compute Engine instance statuses onto the
// backend's coarse provider states.
func providerState(status string) backend.ProviderState {
	switch status {
	case "RUNNING":
		return backend.ProviderRunning
	case "PROVISIONING", "STAGING":
		return backend.ProviderPending
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return backend.ProviderStopped
	default:
		return backend.ProviderUnknown
	}
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  The google-cloud-go compute library wraps googleapi.Error;
// string matching is more robust than type-asserting through multiple
// wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	// googleapi.Error formats as "googleapi: Error 404: ..."
	// gRPC status formats as "code = NotFound"
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isTransientGCP classifies GCP API errors for retry purposes.  Quota
// and rate-limit rejections clear on their own; permission and
// validation errors will not succeed on retry.  Unknown errors are
// assumed transient so a flaky API response doesn't strand a runner.
func isTransientGCP(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"quota", "ratelimitexceeded", "error 429",
		"error 500", "error 502", "error 503",
		"unavailable", "connection reset", "timeout",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	for _, permanent := range []string{
		"error 400", "error 403", "error 404",
		"invalid", "permission", "notfound",
	} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}
