package pool

import (
	"github.com/fly-io/vmpool/pkg/security"
)

// Credentials authenticate the registry's provider calls
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// ImageDetails is the read-only template an instance pool is created from
type ImageDetails struct {
	// SourceID identifies the template. For a pinned image it is the identity
	// of the single VM being managed.
	SourceID string

	MaxInstances int

	// UseOriginal manages exactly one pre-existing VM instead of a pool
	UseOriginal bool

	NamePrefix string

	// ResourceGroup is the action queue lock key for this image
	ResourceGroup string

	Credentials Credentials
}

// Capacity is the effective instance limit
func (d ImageDetails) Capacity() int {
	if d.UseOriginal {
		return 1
	}
	return d.MaxInstances
}

// Validate checks the details a registry needs before it talks to the provider
func (d ImageDetails) Validate() error {
	if d.SourceID == "" {
		return configError("source id is empty")
	}
	if err := security.ValidateCredentials(d.Credentials.AccessKeyID, d.Credentials.SecretAccessKey); err != nil {
		return configError("%v", err)
	}
	if d.ResourceGroup == "" {
		return configError("resource group is empty")
	}
	if d.UseOriginal {
		return nil
	}
	if d.MaxInstances < 1 {
		return configError("max instances must be at least 1, got %d", d.MaxInstances)
	}
	if err := security.ValidateNamePrefix(d.NamePrefix); err != nil {
		return configError("%v", err)
	}
	return nil
}
