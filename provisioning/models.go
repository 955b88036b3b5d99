package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// TeardownReport summarizes a cascading delete.
type TeardownReport struct {
	// Devices lists the serials of the deleted devices.
	Devices []string
	// Revoked counts the identities revoked along the way.
	Revoked  int
	Warnings []error
}

// Warning joins the warnings of the teardown, or returns nil.
func (r *TeardownReport) Warning() error {
	return errors.Join(r.Warnings...)
}

func (r *TeardownReport) add(res *DeprovisionResult) {
	r.Devices = append(r.Devices, res.Device.Serial)
	if res.Revoked {
		r.Revoked++
	}
	if res.Warning != nil {
		r.Warnings = append(r.Warnings, res.Warning)
	}
}

// CreateProject creates a project. Names are unique; a duplicate fails with
// ErrConflict.
func (e *Engine) CreateProject(ctx context.Context, name, description string) (project *interfaces.Project, err error) {
	defer func() { err = e.finish("create_project", err) }()

	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", interfaces.ErrInvalidArgument)
	}
	project = &interfaces.Project{Name: name, Description: description}
	if err := e.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	e.log.Info("project created", "project", name)
	return project, nil
}

// ListProjects returns all projects.
func (e *Engine) ListProjects(ctx context.Context) (projects []*interfaces.Project, err error) {
	defer func() { err = e.finish("list_projects", err) }()
	return e.store.ListProjects(ctx)
}

// DeleteProject deletes every model of the project, each with its devices and
// their identity teardown, then any leftover project identity and the project.
func (e *Engine) DeleteProject(ctx context.Context, name string) (report *TeardownReport, err error) {
	defer func() { err = e.finish("delete_project", err) }()
	ctx, flush := e.deferEvents(ctx)
	defer flush()

	project, err := e.project(ctx, name)
	if err != nil {
		return nil, err
	}
	models, err := e.store.ListModels(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	report = &TeardownReport{}
	for _, m := range models {
		if err := e.deleteModel(ctx, project, m, report); err != nil {
			return report, err
		}
	}

	s := e.projectSlot(project)
	unlock := e.locks.Lock(s.key)
	defer unlock()

	revoked, err := e.reclaim(ctx, project.Name, s)
	if err != nil {
		report.Warnings = append(report.Warnings, err)
	}
	if revoked {
		report.Revoked++
	}
	if err := e.store.DeleteProject(ctx, project.ID); err != nil {
		return report, err
	}

	e.log.Info("project deleted", "project", project.Name, "devices", len(report.Devices), "revoked", report.Revoked)
	return report, nil
}

// CreateModel adds a model to the project. The model starts without identity
// material; shared identities are issued with the first device.
func (e *Engine) CreateModel(ctx context.Context, projectName string, spec interfaces.Model) (model *interfaces.Model, err error) {
	defer func() { err = e.finish("create_model", err) }()

	if spec.Name == "" {
		return nil, fmt.Errorf("%w: model name is required", interfaces.ErrInvalidArgument)
	}
	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}

	model = &spec
	model.ID = ""
	model.ProjectID = project.ID
	model.Identity = interfaces.IdentityBundle{}
	if err := e.store.CreateModel(ctx, model); err != nil {
		return nil, err
	}

	e.log.Info("model created", "project", project.Name, "model", model.Name,
		"kind", model.Kind.String(), "scope", model.Scope.String())
	return model, nil
}

// GetModel looks up a model by name within a project.
func (e *Engine) GetModel(ctx context.Context, projectName, name string) (model *interfaces.Model, err error) {
	defer func() { err = e.finish("get_model", err) }()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return e.model(ctx, project, name)
}

// ListModels returns the models of a project.
func (e *Engine) ListModels(ctx context.Context, projectName string) (models []*interfaces.Model, err error) {
	defer func() { err = e.finish("list_models", err) }()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return e.store.ListModels(ctx, project.ID)
}

// ModifyModel applies the changes as one update. Changing kind or scope while
// any device references the model fails with ErrDevicesExist and changes
// nothing, descriptive fields included. A shared identity left on a model
// without devices is revoked before its identity semantics change.
func (e *Engine) ModifyModel(ctx context.Context, projectName, name string, changes interfaces.ModelChanges) (model *interfaces.Model, err error) {
	defer func() { err = e.finish("modify_model", err) }()
	ctx, flush := e.deferEvents(ctx)
	defer flush()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	model, err = e.model(ctx, project, name)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(modelKey(model.ID))
	defer unlock()
	if model, err = e.store.GetModel(ctx, model.ID); err != nil {
		return nil, err
	}

	if changes.AffectsIdentity(model) {
		count, err := e.store.CountDevicesByModel(ctx, model.ID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, fmt.Errorf("%w: model %q has %d devices", interfaces.ErrDevicesExist, model.Name, count)
		}
		if !model.Identity.IsEmpty() {
			if model, err = e.reclaimModel(ctx, project, model); err != nil {
				return nil, err
			}
		}
	}

	changes.Apply(model)
	version, err := e.store.UpdateModel(ctx, model, model.Version)
	if err != nil {
		return nil, err
	}
	model.Version = version

	e.log.Info("model modified", "project", project.Name, "model", model.Name,
		"kind", model.Kind.String(), "scope", model.Scope.String())
	return model, nil
}

// reclaimModel revokes and clears a model's leftover identity and returns the
// reloaded model. The caller holds the model lock.
func (e *Engine) reclaimModel(ctx context.Context, project *interfaces.Project, model *interfaces.Model) (*interfaces.Model, error) {
	s := e.modelSlot(model)
	unlock := e.locks.Lock(s.key)
	defer unlock()

	if _, err := e.reclaim(ctx, project.Name, s); err != nil {
		return nil, err
	}
	return e.store.GetModel(ctx, model.ID)
}

// DeleteModel deprovisions every device of the model, then deletes it.
func (e *Engine) DeleteModel(ctx context.Context, projectName, name string) (report *TeardownReport, err error) {
	defer func() { err = e.finish("delete_model", err) }()
	ctx, flush := e.deferEvents(ctx)
	defer flush()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	model, err := e.model(ctx, project, name)
	if err != nil {
		return nil, err
	}

	report = &TeardownReport{}
	if err := e.deleteModel(ctx, project, model, report); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) deleteModel(ctx context.Context, project *interfaces.Project, model *interfaces.Model, report *TeardownReport) error {
	devices, err := e.store.ListDevicesByModel(ctx, model.ID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		res, err := e.deprovision(ctx, project, d.ID)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("deprovisioning %s: %w", d.Serial, err)
		}
		report.add(res)
	}

	unlock := e.locks.Lock(modelKey(model.ID))
	defer unlock()

	s := e.modelSlot(model)
	unlockSlot := e.locks.Lock(s.key)
	revoked, err := e.reclaim(ctx, project.Name, s)
	unlockSlot()
	if err != nil {
		report.Warnings = append(report.Warnings, err)
	}
	if revoked {
		report.Revoked++
	}

	if err := e.store.DeleteModel(ctx, model.ID); err != nil {
		return err
	}
	e.log.Info("model deleted", "project", project.Name, "model", model.Name)
	return nil
}

// GetDevice looks up a device by serial number within a project.
func (e *Engine) GetDevice(ctx context.Context, projectName, serial string) (device *interfaces.Device, err error) {
	defer func() { err = e.finish("get_device", err) }()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return e.device(ctx, project, serial)
}

// ListDevices returns the devices of a project.
func (e *Engine) ListDevices(ctx context.Context, projectName string) (devices []*interfaces.Device, err error) {
	defer func() { err = e.finish("list_devices", err) }()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return e.store.ListDevices(ctx, project.ID)
}
