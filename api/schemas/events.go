package schemas

import (
	"time"
)

// EventKind discriminates the payload carried by an Event. The set is closed:
// watchdogs and the session manager switch on these constants, so adding a kind
// means adding a payload type next to it.
type EventKind string

const (
	KindNavigationIntent    EventKind = "navigation.intent"
	KindNavigationCommitted EventKind = "navigation.committed"
	KindNavigationCompleted EventKind = "navigation.completed"
	KindNavigationDenied    EventKind = "navigation.denied"
	KindFrameStable         EventKind = "frame.stable"
	KindDialogOpened        EventKind = "dialog.opened"
	KindDialogDecision      EventKind = "dialog.decision"
	KindDialogHandled       EventKind = "dialog.handled"
	KindDownloadStarted     EventKind = "download.started"
	KindDownloadProgress    EventKind = "download.progress"
	KindDownloadCompleted   EventKind = "download.completed"
	KindDownloadFailed      EventKind = "download.failed"
	KindResponseReceived    EventKind = "response.received"
	KindConnectionLost      EventKind = "connection.lost"
	KindConnectionRestored  EventKind = "connection.restored"
	KindSnapshotPublished   EventKind = "snapshot.published"
	KindWatchdogError       EventKind = "watchdog.error"
	KindActionResult        EventKind = "action.result"
)

// Origin identifies the producer of an event: a named watchdog, the session
// lifecycle manager, the protocol adapter, or an external caller.
type Origin string

const (
	OriginSession  Origin = "session"
	OriginProtocol Origin = "protocol"
	OriginCaller   Origin = "caller"
)

// Event is the immutable envelope delivered to bus subscribers. Seq is assigned
// by the bus at publish time and is strictly increasing across all kinds.
type Event struct {
	Seq     uint64
	Kind    EventKind
	Origin  Origin
	Time    time.Time
	Payload any
}

// -- Navigation payloads --

// NavigationIntent is published before a navigation commits. RequestID refers
// to the paused network request when interception is active, so a policy
// decision can still abort the navigation pre-commit.
type NavigationIntent struct {
	FrameID   string
	URL       string
	RequestID string
}

// NavigationCommitted signals the browser committed the navigation.
type NavigationCommitted struct {
	FrameID string
	URL     string
}

// NavigationCompleted signals the frame finished loading.
type NavigationCompleted struct {
	FrameID string
	URL     string
	// Pending is true when another navigation is already in flight for the
	// frame, in which case a blank page is transient and must not be touched.
	Pending bool
}

// NavigationDenied reports that the security policy aborted a navigation. The
// session matches it against pending navigate actions by URL.
type NavigationDenied struct {
	URL     string
	Pattern string
}

// FrameStable signals that the DOM has settled after load or mutation and a
// snapshot extraction is worthwhile.
type FrameStable struct {
	FrameID string
	URL     string
}

// -- Dialog payloads --

// DialogType enumerates the JavaScript dialog variants plus the file chooser.
type DialogType string

const (
	DialogAlert       DialogType = "alert"
	DialogConfirm     DialogType = "confirm"
	DialogPrompt      DialogType = "prompt"
	DialogBeforeload  DialogType = "beforeunload"
	DialogFileChooser DialogType = "filechooser"
)

// DialogOpened is published when the page raised a blocking dialog. The page's
// JS execution is suspended until someone answers it.
type DialogOpened struct {
	ID      string
	Type    DialogType
	Message string
	URL     string
	// DefaultPrompt carries the pre-filled text of prompt dialogs.
	DefaultPrompt string
	// NodeID is the backend node of the input behind an intercepted file
	// chooser, zero for JavaScript dialogs.
	NodeID int64
	// Multiple reports whether a file chooser accepts more than one file.
	Multiple bool
}

// DialogDecision is a caller's answer to a forwarded dialog.
type DialogDecision struct {
	DialogID string
	Accept   bool
	// PromptText is sent when accepting a prompt dialog.
	PromptText string
	// Files are the paths to select when accepting a file chooser.
	Files []string
}

// DialogHandled records the response that was actually issued.
type DialogHandled struct {
	DialogID string
	Accepted bool
	// ByDefault is true when the deadline elapsed and the configured default
	// response was issued instead of a caller decision.
	ByDefault bool
}

// -- Download payloads --

// DownloadStarted is published when a response is recognized as a download.
type DownloadStarted struct {
	GUID      string
	URL       string
	Filename  string
	TotalSize int64
}

// DownloadState tracks the browser-reported progress state.
type DownloadState string

const (
	DownloadInProgress DownloadState = "inProgress"
	DownloadDone       DownloadState = "completed"
	DownloadCanceled   DownloadState = "canceled"
)

// DownloadProgress reports raw progress for an in-flight download.
type DownloadProgress struct {
	GUID     string
	State    DownloadState
	Received int64
	Total    int64
}

// DownloadCompleted is the terminal success event for a managed download.
type DownloadCompleted struct {
	GUID string
	Path string
	Size int64
}

// DownloadFailed is the terminal failure event for a managed download. It is
// reported, never propagated as a session error.
type DownloadFailed struct {
	GUID   string
	Reason string
}

// -- Network / connection payloads --

// ResponseReceived carries the slice of response metadata the watchdogs need.
type ResponseReceived struct {
	RequestID   string
	URL         string
	Status      int
	MimeType    string
	Disposition string
}

// ConnectionLost reports an unexpected transport disconnect.
type ConnectionLost struct {
	Reason string
}

// ConnectionRestored reports a successful reconnect after a Degraded period.
type ConnectionRestored struct {
	Attempts int
}

// -- Diagnostics --

// WatchdogError is the diagnostic published when a watchdog command failed
// after its retry. Disabled reports whether the watchdog took itself offline.
type WatchdogError struct {
	Watchdog string
	Err      string
	Disabled bool
}

// SnapshotPublished carries a freshly extracted DOM snapshot. The snapshot is
// immutable; consumers share it by reference.
type SnapshotPublished struct {
	Snapshot *Snapshot
}
