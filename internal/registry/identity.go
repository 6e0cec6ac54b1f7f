package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Provider names where a logical device's worker is hosted.
type Provider string

const (
	// ProviderModal is a serverless GPU container started on demand.
	ProviderModal Provider = "modal"
	// ProviderStatic is a pre-provisioned worker reachable at a fixed endpoint.
	ProviderStatic Provider = "static"
)

// Accelerator is the GPU class backing a logical device.
type Accelerator string

const (
	T4       Accelerator = "T4"
	L4       Accelerator = "L4"
	A10G     Accelerator = "A10G"
	A100_40G Accelerator = "A100-40GB"
	A100_80G Accelerator = "A100-80GB"
	L40S     Accelerator = "L40S"
	H100     Accelerator = "H100"
	H200     Accelerator = "H200"
	B200     Accelerator = "B200"
)

var knownAccelerators = []Accelerator{T4, L4, A10G, A100_40G, A100_80G, L40S, H100, H200, B200}

// ParseAccelerator matches s case-insensitively against the supported classes.
func ParseAccelerator(s string) (Accelerator, error) {
	for _, a := range knownAccelerators {
		if strings.EqualFold(string(a), strings.TrimSpace(s)) {
			return a, nil
		}
	}
	names := make([]string, len(knownAccelerators))
	for i, a := range knownAccelerators {
		names[i] = string(a)
	}
	return "", fmt.Errorf("invalid accelerator %q, valid: %s", s, strings.Join(names, ", "))
}

// ParseProvider validates a provider tag.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderModal, ProviderStatic:
		return p, nil
	default:
		return "", fmt.Errorf("provider %q not supported", s)
	}
}

// Identity names one logical device. Two identities are the same device iff all
// three fields match; the struct is comparable so == is that test.
type Identity struct {
	Provider    Provider
	Accelerator Accelerator
	UUID        uuid.UUID
}

// NewIdentity returns an identity with a fresh random UUID.
func NewIdentity(p Provider, a Accelerator) Identity {
	return Identity{Provider: p, Accelerator: a, UUID: uuid.New()}
}

// Validate checks the provider and accelerator tags and that the UUID is set.
func (id Identity) Validate() error {
	if _, err := ParseProvider(string(id.Provider)); err != nil {
		return err
	}
	if _, err := ParseAccelerator(string(id.Accelerator)); err != nil {
		return err
	}
	if id.UUID == uuid.Nil {
		return fmt.Errorf("device identity has no uuid")
	}
	return nil
}

// String renders the identity as provider-accel-uuid8, e.g. modal-a10040gb-1a2b3c4d.
func (id Identity) String() string {
	accel := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(string(id.Accelerator)))
	return fmt.Sprintf("%s-%s-%s", id.Provider, accel, id.UUID.String()[:8])
}

// Name is a human readable label such as "Modal A100-40GB".
func (id Identity) Name() string {
	p := string(id.Provider)
	if p != "" {
		p = strings.ToUpper(p[:1]) + p[1:]
	}
	return p + " " + string(id.Accelerator)
}
