package deploy

import "errors"

var (
	// ErrCompilation aborts a publish before anything is written.
	ErrCompilation = errors.New("compilation failed")
	// ErrUpload aborts a publish after some artifacts may have been written
	// under the new prefix, but before routing or the ledger were touched.
	ErrUpload = errors.New("artifact upload failed")

	ErrUnknownSite       = errors.New("unknown site")
	ErrUnknownDeployment = errors.New("unknown deployment")
	// ErrArtifactsMissing means the rollback target's entry document is
	// gone. Nothing is routed to it.
	ErrArtifactsMissing = errors.New("deployment artifacts missing")
	// ErrRoutingFailed aborts a rollback. Names that were already moved
	// are restored before it is returned.
	ErrRoutingFailed = errors.New("routing update failed")
	// ErrConcurrentChange aborts a rollback that lost to a publish or
	// rollback of the same site committed while it was routing. Names it
	// moved are handed to the winner. It is also returned when the site
	// lock could not be taken in time.
	ErrConcurrentChange = errors.New("site changed concurrently")
	// ErrLedgerInconsistency means the routing index points at a prefix the
	// ledger does not record as active. An operator has to reconcile it.
	ErrLedgerInconsistency = errors.New("routing index and deployment ledger disagree")
)
