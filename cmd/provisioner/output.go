package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/provisioning"
	"gopkg.in/yaml.v3"
)

// Views printed to stdout. They never carry private key material.

type projectView struct {
	Name        string `yaml:"name"`
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Identity    string `yaml:"identity,omitempty"`
}

type modelView struct {
	Name            string `yaml:"name"`
	ID              string `yaml:"id"`
	Kind            string `yaml:"kind"`
	Scope           string `yaml:"scope"`
	Description     string `yaml:"description,omitempty"`
	DisplayName     string `yaml:"display_name,omitempty"`
	Revision        string `yaml:"revision,omitempty"`
	HardwareVersion string `yaml:"hardware_version,omitempty"`
	Protocols       string `yaml:"protocols,omitempty"`
	Storage         string `yaml:"storage,omitempty"`
	ML              string `yaml:"ml,omitempty"`
	Identity        string `yaml:"identity,omitempty"`
}

type deviceView struct {
	Serial      string                             `yaml:"serial"`
	ID          string                             `yaml:"id"`
	Name        string                             `yaml:"name,omitempty"`
	Description string                             `yaml:"description,omitempty"`
	Gateway     string                             `yaml:"gateway,omitempty"`
	Identity    *interfaces.ConnectivityDescriptor `yaml:"identity,omitempty"`
	Source      string                             `yaml:"source,omitempty"`
	Owner       string                             `yaml:"owner,omitempty"`
}

type teardownView struct {
	Devices  []string `yaml:"devices"`
	Revoked  int      `yaml:"revoked"`
	Warnings []string `yaml:"warnings,omitempty"`
}

func newProjectView(p *interfaces.Project) projectView {
	return projectView{
		Name:        p.Name,
		ID:          p.ID,
		Description: p.Description,
		Identity:    p.Identity.Connectivity.ThingName,
	}
}

func newModelView(m *interfaces.Model) modelView {
	return modelView{
		Name:            m.Name,
		ID:              m.ID,
		Kind:            m.Kind.String(),
		Scope:           m.Scope.String(),
		Description:     m.Description,
		DisplayName:     m.DisplayName,
		Revision:        m.Revision,
		HardwareVersion: m.HardwareVersion,
		Protocols:       m.Protocols.String(),
		Storage:         m.Storage.String(),
		ML:              m.ML.String(),
		Identity:        m.Identity.Connectivity.ThingName,
	}
}

func newDeviceView(d *interfaces.Device) deviceView {
	v := deviceView{
		Serial:      d.Serial,
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Gateway:     d.GatewayID,
	}
	if !d.Identity.Connectivity.IsEmpty() {
		c := d.Identity.Connectivity
		v.Identity = &c
	}
	return v
}

func newTeardownView(r *provisioning.TeardownReport) teardownView {
	v := teardownView{Devices: r.Devices, Revoked: r.Revoked}
	for _, w := range r.Warnings {
		v.Warnings = append(v.Warnings, w.Error())
	}
	return v
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// writeBundle stores the full bundle, private key included, as JSON readable
// by the owner only.
func writeBundle(path string, bundle interfaces.IdentityBundle) error {
	if bundle.IsEmpty() {
		return errors.New("device has no identity material")
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}
	return nil
}
