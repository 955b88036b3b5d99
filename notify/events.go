package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// envelope is the wire form of an event.
type envelope struct {
	Type    interfaces.EventType `json:"type"`
	Project string               `json:"project"`
	At      time.Time            `json:"at"`
	Data    interfaces.Event     `json:"data"`
}

// Encode renders an event as JSON with its type alongside the payload.
func Encode(event interfaces.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Type:    event.Type(),
		Project: event.ProjectName(),
		At:      event.OccurredAt().UTC(),
		Data:    event,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", event.Type(), err)
	}
	return data, nil
}

// Topics builds MQTT topic names under a common prefix.
type Topics struct {
	Prefix string
}

// Event returns <prefix>/<project>/events/<type>.
func (t Topics) Event(event interfaces.Event) string {
	return fmt.Sprintf("%s/%s/events/%s", t.prefix(), sanitizeLevel(event.ProjectName()), event.Type())
}

// AllEvents returns the wildcard subscription for every event of a project.
func (t Topics) AllEvents(project string) string {
	return fmt.Sprintf("%s/%s/events/#", t.prefix(), sanitizeLevel(project))
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return "provisioner"
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// sanitizeLevel keeps a name from injecting topic levels or wildcards.
func sanitizeLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// fields flattens an event into tag and field maps for time series sinks.
func fields(event interfaces.Event) (map[string]string, map[string]interface{}) {
	tags := map[string]string{
		"project": event.ProjectName(),
		"type":    string(event.Type()),
	}
	values := map[string]interface{}{"count": 1}

	switch e := event.(type) {
	case interfaces.DeviceCreated:
		tags["model"] = e.Model
		values["serial"] = e.Serial
	case interfaces.DeviceDeleted:
		tags["model"] = e.Model
		values["serial"] = e.Serial
	case interfaces.DeviceAttached:
		values["serial"] = e.DeviceSerial
		values["gateway"] = e.GatewaySerial
	case interfaces.DeviceDetached:
		values["serial"] = e.DeviceSerial
		values["gateway"] = e.GatewaySerial
	case interfaces.IdentityIssued:
		tags["scope"] = e.Scope
		values["owner"] = e.Owner
		values["thing"] = e.ThingName
	case interfaces.IdentityRevoked:
		tags["scope"] = e.Scope
		values["owner"] = e.Owner
		values["thing"] = e.ThingName
	}
	return tags, values
}
