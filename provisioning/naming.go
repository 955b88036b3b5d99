package provisioning

import (
	"fmt"
	"strings"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// NamingPolicy decides the unique name an identity is issued under.
type NamingPolicy string

const (
	// NamingStable names device identities device-<device ID> and shared
	// identities model-<model ID>-g<slot version> or
	// project-<project ID>-g<slot version>. Names are built from record IDs
	// only, so no two records, and no two generations of one slot, share a
	// name.
	NamingStable NamingPolicy = "stable"
	// NamingLegacy names device identities by serial and shared identities
	// after the serial of the first device that triggered issuance. Serials
	// are only unique within a project and sanitizing can merge them, so
	// legacy names may collide across projects.
	NamingLegacy NamingPolicy = "legacy"
)

const maxIdentityName = 128

// ParseNamingPolicy parses a configured policy name; empty means NamingStable.
func ParseNamingPolicy(s string) (NamingPolicy, error) {
	switch p := NamingPolicy(strings.ToLower(s)); p {
	case NamingStable, NamingLegacy:
		return p, nil
	case "":
		return NamingStable, nil
	default:
		return "", fmt.Errorf("%w: unknown naming policy %q", interfaces.ErrInvalidArgument, s)
	}
}

// DeviceName is the issue name of a per-device identity. The device ID must
// be assigned before issuance.
func (p NamingPolicy) DeviceName(device *interfaces.Device) string {
	if p == NamingLegacy {
		return sanitizeName(device.Serial)
	}
	return sanitizeName("device-" + device.ID)
}

// SharedName is the issue name of a per-model or per-project identity.
// slotVersion is the version of the empty slot the identity will fill, and
// firstSerial the serial of the device whose provisioning triggered it.
func (p NamingPolicy) SharedName(scope interfaces.IdentityScope, project *interfaces.Project, model *interfaces.Model, slotVersion int64, firstSerial string) string {
	if p == NamingLegacy {
		return sanitizeName(firstSerial)
	}
	if scope == interfaces.ScopePerProject {
		return sanitizeName(fmt.Sprintf("project-%s-g%d", project.ID, slotVersion))
	}
	return sanitizeName(fmt.Sprintf("model-%s-g%d", model.ID, slotVersion))
}

// sanitizeName maps a name onto the characters IoT thing names accept.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
		if b.Len() == maxIdentityName {
			break
		}
	}
	return b.String()
}
