package workflows

// Registry is the part of a Temporal worker (or test environment) that
// workflows and activities are registered with.
type Registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

// Register adds every workflow and the activities backed by a to r.
func Register(r Registry, a *Activities) error {
	if a == nil {
		return errMissingActivities
	}
	if err := a.validate(); err != nil {
		return err
	}
	r.RegisterWorkflow(ReconcileWorkflow)
	r.RegisterWorkflow(RenameWorkflow)
	r.RegisterWorkflow(ReparentWorkflow)
	r.RegisterWorkflow(ReleaseWorkflow)
	r.RegisterActivity(a)
	return nil
}
