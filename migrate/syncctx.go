package migrate

// SyncMigrateContext parks the caller of a synchronous migration until the
// state machine delivers the final status. The caller owns the context; the
// migrator keeps only a detachable reference under its own mutex.
type SyncMigrateContext struct {
	ch chan error
}

// NewSyncMigrateContext creates a context ready to suspend one caller.
func NewSyncMigrateContext() *SyncMigrateContext {
	return &SyncMigrateContext{ch: make(chan error, 1)}
}

// Suspend blocks until Resume delivers the final status of the job.
func (c *SyncMigrateContext) Suspend() error {
	return <-c.ch
}

// Resume wakes the suspended caller with the job's final status. Calls
// beyond the first are dropped.
func (c *SyncMigrateContext) Resume(err error) {
	select {
	case c.ch <- err:
	default:
	}
}
