package reconcile

import (
	"errors"
	"fmt"
)

// Result counts what one reconciliation step did.
type Result struct {
	// push
	Created  int
	Updated  int
	Rejected int // moved to failed after a validation error
	Deferred int // left unsynced after a transient error
	Unlinked int // remote copy gone, RemoteID cleared

	// pull
	Inserted    int
	Linked      int // joined by heuristic
	Overwritten int
	Preserved   int // local pending change kept over remote
	Pruned      int

	Requeued int

	Errors []error
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Rejected += o.Rejected
	r.Deferred += o.Deferred
	r.Unlinked += o.Unlinked
	r.Inserted += o.Inserted
	r.Linked += o.Linked
	r.Overwritten += o.Overwritten
	r.Preserved += o.Preserved
	r.Pruned += o.Pruned
	r.Requeued += o.Requeued
	r.Errors = append(r.Errors, o.Errors...)
}

// Err joins the per-record errors, or nil when every record went through.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

func (r Result) String() string {
	return fmt.Sprintf("created=%d updated=%d rejected=%d deferred=%d unlinked=%d inserted=%d linked=%d overwritten=%d preserved=%d pruned=%d",
		r.Created, r.Updated, r.Rejected, r.Deferred, r.Unlinked, r.Inserted, r.Linked, r.Overwritten, r.Preserved, r.Pruned)
}
