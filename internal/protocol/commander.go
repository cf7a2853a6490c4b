// Package protocol adapts the core's typed commands and events to the
// underlying CDP client. It is the only package that imports chromedp; the
// rest of the core programs against the Commander interface.
package protocol

import (
	"context"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// Commander is the typed command surface the session layer issues against the
// browser target. The Adapter implements it over CDP; tests implement it with
// fakes. All methods respect ctx cancellation.
type Commander interface {
	// Navigate starts a navigation of the attached target.
	Navigate(ctx context.Context, url string) error
	// StopLoading aborts the current load of the attached target.
	StopLoading(ctx context.Context) error
	// ContinueRequest releases a paused (intercepted) network request.
	ContinueRequest(ctx context.Context, requestID string) error
	// FailRequest aborts a paused request before the navigation commits. This
	// is the pre-commit cancel used by the security policy.
	FailRequest(ctx context.Context, requestID string) error
	// SetInterception toggles document-request interception. Disabling it
	// releases any requests still paused.
	SetInterception(ctx context.Context, enabled bool) error
	// HandleDialog answers the currently open JavaScript dialog.
	HandleDialog(ctx context.Context, dialogID string, accept bool, promptText string) error
	// SetFileChooserInterception toggles interception of file-chooser dialogs,
	// surfacing them as events instead of native pickers.
	SetFileChooserInterception(ctx context.Context, enabled bool) error
	// SetFiles answers an intercepted file chooser by selecting files on the
	// input node that opened it.
	SetFiles(ctx context.Context, nodeID int64, files []string) error
	// SetDownloadBehavior redirects downloads into the managed directory and
	// enables download progress notifications.
	SetDownloadBehavior(ctx context.Context, dir string) error
	// CaptureSnapshot captures the flattened DOM/layout snapshot.
	CaptureSnapshot(ctx context.Context) (*schemas.RawSnapshot, error)
	// ClickAt dispatches a mouse click at viewport coordinates.
	ClickAt(ctx context.Context, x, y float64) error
	// InsertText types text into the focused node.
	InsertText(ctx context.Context, text string) error
	// Evaluate runs a script in the page and returns its JSON result.
	Evaluate(ctx context.Context, script string) (any, error)
	// Close detaches from the target and releases the connection.
	Close(ctx context.Context) error
}

// Sink receives the typed events the adapter translates from raw protocol
// notifications. The session's event bus satisfies it.
type Sink interface {
	Publish(ctx context.Context, ev schemas.Event) (uint64, error)
}
