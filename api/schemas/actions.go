package schemas

import "time"

// ActionOp names the operation an ActionRequest performs.
type ActionOp string

const (
	OpNavigate   ActionOp = "navigate"
	OpClick      ActionOp = "click"
	OpType       ActionOp = "type"
	OpEvaluate   ActionOp = "evaluate"
	OpSnapshot   ActionOp = "snapshot"
	OpWaitStable ActionOp = "wait_stable"
)

// ActionRequest is the unit of work a caller submits to the session. ID is
// assigned at submission; Ref addresses an element in the current snapshot and
// is only meaningful for element-targeted operations.
type ActionRequest struct {
	ID  string
	Op  ActionOp
	URL string
	// Ref is a snapshot-scoped element reference. It is invalidated by any
	// navigation or mutation event; callers re-resolve from the next snapshot.
	Ref      int
	Selector string
	Text     string
	Script   string
}

// ActionStatus is the terminal status of an ActionRequest. Every accepted
// request resolves with exactly one of these.
type ActionStatus string

const (
	StatusSuccess        ActionStatus = "success"
	StatusFailure        ActionStatus = "failure"
	StatusTimeout        ActionStatus = "timeout"
	StatusCancelled      ActionStatus = "cancelled"
	StatusDenied         ActionStatus = "denied"
	StatusConnectionLost ActionStatus = "connection_lost"
	StatusSessionClosed  ActionStatus = "session_closed"
)

// Terminal reports whether the status ends the request's lifecycle. All
// statuses are terminal; the method exists so call sites read as intent.
func (s ActionStatus) Terminal() bool { return s != "" }

// ActionResult is the single terminal outcome of an ActionRequest.
type ActionResult struct {
	RequestID string
	Status    ActionStatus
	// Snapshot is set for snapshot-producing operations.
	Snapshot *Snapshot
	// Value holds the structured result of an evaluate operation.
	Value any
	// Explanation is a human-readable account of the outcome for the
	// decision-making caller to reason over.
	Explanation string
	Elapsed     time.Duration
}

// OK reports whether the action succeeded.
func (r ActionResult) OK() bool { return r.Status == StatusSuccess }
