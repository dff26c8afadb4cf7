package backend

import "time"

// ProviderState is the coarse instance state reported by a backend.
type ProviderState string

const (
	ProviderPending ProviderState = "pending"
	ProviderRunning ProviderState = "running"
	ProviderStopped ProviderState = "stopped"
	ProviderUnknown ProviderState = "unknown"
)

// Tag keys stamped onto every instance at creation.  They are how List
// recognizes instances as ours, which group owns them, and which
// template revision built them.  Keys and values must stay within the
// strictest provider's label rules (lowercase, digits, hyphens).
const (
	TagGroup    = "paddock-group"
	TagRunner   = "paddock-runner"
	TagTemplate = "paddock-template"
)

// Environment keys for the runner registration material passed to each
// instance.  Docker injects them as container environment variables;
// GCP exposes them as instance metadata for the image's startup script.
const (
	EnvRunnerName      = "RUNNER_NAME"
	EnvRunnerURL       = "RUNNER_URL"
	EnvRunnerToken     = "RUNNER_TOKEN"
	EnvRunnerLabels    = "RUNNER_LABELS"
	EnvRunnerEphemeral = "RUNNER_EPHEMERAL"
)

// InstanceSpec describes the instance a backend should create.
type InstanceSpec struct {
	// Name is the instance name, identical to the runner registration
	// name so drift reconciliation can correlate the two.
	Name string

	// Group is the owning runner group, stamped as TagGroup.
	Group string

	// Image is the boot image (container image or VM image self-link).
	Image string

	// Size is backend-specific: a machine type for VMs, an optional
	// memory limit (e.g. "4g") for containers.  May be empty.
	Size string

	// TemplateHash fingerprints the template revision, stamped as
	// TagTemplate.
	TemplateHash string

	// Env is the registration material delivered to the instance.
	Env map[string]string
}

// Instance is a live compute unit as reported by a backend.
type Instance struct {
	// Handle is the backend-assigned identifier (container ID, VM
	// name).  Opaque to callers.
	Handle string

	// Name is the instance name as tagged at creation (TagRunner).
	Name string

	// Group is the owning group as tagged at creation (TagGroup).
	Group string

	// TemplateHash is the template fingerprint the instance was built
	// from (TagTemplate).  Empty for instances created before tagging.
	TemplateHash string

	State     ProviderState
	CreatedAt time.Time
}
