package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// Adapter is the CDP-backed Commander. It owns the callback registration with
// the protocol client: raw notifications arrive on the chromedp listener
// goroutine, are translated into typed events, and are queued for a dedicated
// forwarding goroutine to publish. The listener never blocks on the sink: the
// protocol client delivers command responses on that same goroutine, so a
// listener parked under sink backpressure would starve the very command ack a
// bus handler is waiting for.
type Adapter struct {
	ctx    context.Context
	logger *zap.Logger
	sink   Sink

	mu        sync.Mutex
	frameURLs map[string]string
	// loading counts in-flight loads per frame; a stop event with a newer
	// start still outstanding marks the completion as pending.
	loading   map[string]int
	mainFrame string
	started   bool

	qmu   sync.Mutex
	queue []schemas.Event
	wake  chan struct{}
}

var _ Commander = (*Adapter)(nil)

// NewAdapter wraps an attached chromedp tab context.
func NewAdapter(tabCtx context.Context, logger *zap.Logger, sink Sink) *Adapter {
	return &Adapter{
		ctx:       tabCtx,
		logger:    logger.Named("protocol"),
		sink:      sink,
		frameURLs: make(map[string]string),
		loading:   make(map[string]int),
		wake:      make(chan struct{}, 1),
	}
}

// Start enables the notification domains and registers the event listener.
// It must be called once, after the target is attached.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	go a.forward()
	chromedp.ListenTarget(a.ctx, a.translate)

	if err := a.run(ctx,
		page.Enable(),
		network.Enable(),
		runtime.Enable(),
		dom.Enable(),
		page.SetLifecycleEventsEnabled(true),
	); err != nil {
		return fmt.Errorf("failed to enable protocol domains: %w", err)
	}
	return nil
}

// Done exposes the tab context's done channel so the session can observe
// transport loss.
func (a *Adapter) Done() <-chan struct{} {
	return a.ctx.Done()
}

// run executes chromedp actions respecting both the tab lifetime and the
// caller's context.
func (a *Adapter) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(a.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// translate converts one raw CDP notification into a typed event and queues it
// for the forwarding goroutine. It runs on the protocol client's listener
// goroutine and must return without blocking.
func (a *Adapter) translate(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		a.mu.Lock()
		a.frameURLs[string(e.Frame.ID)] = e.Frame.URL
		if e.Frame.ParentID == "" {
			a.mainFrame = string(e.Frame.ID)
		}
		a.mu.Unlock()
		a.publish(schemas.KindNavigationCommitted, schemas.NavigationCommitted{
			FrameID: string(e.Frame.ID),
			URL:     e.Frame.URL,
		})

	case *page.EventFrameStartedLoading:
		a.mu.Lock()
		a.loading[string(e.FrameID)]++
		a.mu.Unlock()

	case *page.EventFrameStoppedLoading:
		frameID := string(e.FrameID)
		a.mu.Lock()
		if a.loading[frameID] > 0 {
			a.loading[frameID]--
		}
		pending := a.loading[frameID] > 0
		if !pending {
			delete(a.loading, frameID)
		}
		url := a.frameURLs[frameID]
		a.mu.Unlock()
		a.publish(schemas.KindNavigationCompleted, schemas.NavigationCompleted{
			FrameID: frameID,
			URL:     url,
			Pending: pending,
		})

	case *page.EventLifecycleEvent:
		if e.Name != "networkIdle" {
			return
		}
		a.mu.Lock()
		url := a.frameURLs[string(e.FrameID)]
		a.mu.Unlock()
		a.publish(schemas.KindFrameStable, schemas.FrameStable{
			FrameID: string(e.FrameID),
			URL:     url,
		})

	case *page.EventJavascriptDialogOpening:
		a.publish(schemas.KindDialogOpened, schemas.DialogOpened{
			ID:            uuid.New().String(),
			Type:          schemas.DialogType(e.Type),
			Message:       e.Message,
			URL:           e.URL,
			DefaultPrompt: e.DefaultPrompt,
		})

	case *page.EventFileChooserOpened:
		a.mu.Lock()
		url := a.frameURLs[string(e.FrameID)]
		a.mu.Unlock()
		a.publish(schemas.KindDialogOpened, schemas.DialogOpened{
			ID:       uuid.New().String(),
			Type:     schemas.DialogFileChooser,
			URL:      url,
			NodeID:   int64(e.BackendNodeID),
			Multiple: e.Mode == page.FileChooserOpenedModeSelectMultiple,
		})

	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		disposition := ""
		if v, ok := e.Response.Headers["Content-Disposition"]; ok {
			disposition, _ = v.(string)
		}
		a.publish(schemas.KindResponseReceived, schemas.ResponseReceived{
			RequestID:   string(e.RequestID),
			URL:         e.Response.URL,
			Status:      int(e.Response.Status),
			MimeType:    e.Response.MimeType,
			Disposition: disposition,
		})

	case *browser.EventDownloadWillBegin:
		a.publish(schemas.KindDownloadStarted, schemas.DownloadStarted{
			GUID:     e.GUID,
			URL:      e.URL,
			Filename: e.SuggestedFilename,
		})

	case *browser.EventDownloadProgress:
		state := schemas.DownloadInProgress
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			state = schemas.DownloadDone
		case browser.DownloadProgressStateCanceled:
			state = schemas.DownloadCanceled
		}
		a.publish(schemas.KindDownloadProgress, schemas.DownloadProgress{
			GUID:     e.GUID,
			State:    state,
			Received: int64(e.ReceivedBytes),
			Total:    int64(e.TotalBytes),
		})

	case *fetch.EventRequestPaused:
		// Only document requests are intercepted (SetInterception pattern),
		// so every pause is a navigation intent awaiting a policy decision.
		a.publish(schemas.KindNavigationIntent, schemas.NavigationIntent{
			FrameID:   string(e.FrameID),
			URL:       e.Request.URL,
			RequestID: string(e.RequestID),
		})

	case *inspector.EventTargetCrashed:
		a.publish(schemas.KindConnectionLost, schemas.ConnectionLost{Reason: "target crashed"})

	case *inspector.EventDetached:
		a.publish(schemas.KindConnectionLost, schemas.ConnectionLost{Reason: string(e.Reason)})
	}
}

// publish queues a translated event for forwarding. It never blocks, keeping
// the listener goroutine free to process command responses.
func (a *Adapter) publish(kind schemas.EventKind, payload any) {
	a.qmu.Lock()
	a.queue = append(a.queue, schemas.Event{
		Kind:    kind,
		Origin:  schemas.OriginProtocol,
		Payload: payload,
	})
	a.qmu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// forward drains the queue into the sink in arrival order, absorbing sink
// backpressure on this goroutine. The tab context bounds each publish and
// ends the loop when the target goes away.
func (a *Adapter) forward() {
	for {
		a.qmu.Lock()
		batch := a.queue
		a.queue = nil
		a.qmu.Unlock()

		for _, ev := range batch {
			if _, err := a.sink.Publish(a.ctx, ev); err != nil {
				a.logger.Debug("Dropping protocol event: sink unavailable.",
					zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}

		select {
		case <-a.wake:
		case <-a.ctx.Done():
			return
		}
	}
}

// -- Commander implementation --

func (a *Adapter) Navigate(ctx context.Context, url string) error {
	if err := a.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %q: %w", url, err)
	}
	return nil
}

func (a *Adapter) StopLoading(ctx context.Context) error {
	return a.run(ctx, page.StopLoading())
}

func (a *Adapter) ContinueRequest(ctx context.Context, requestID string) error {
	return a.run(ctx, fetch.ContinueRequest(fetch.RequestID(requestID)))
}

func (a *Adapter) FailRequest(ctx context.Context, requestID string) error {
	return a.run(ctx, fetch.FailRequest(fetch.RequestID(requestID), network.ErrorReasonBlockedByClient))
}

func (a *Adapter) SetInterception(ctx context.Context, enabled bool) error {
	if !enabled {
		// Disabling the Fetch domain releases any still-paused requests.
		return a.run(ctx, fetch.Disable())
	}
	return a.run(ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageRequest,
	}}))
}

// HandleDialog answers the open dialog. CDP exposes a single dialog slot per
// target, so the dialog id is only used for logging.
func (a *Adapter) HandleDialog(ctx context.Context, dialogID string, accept bool, promptText string) error {
	p := page.HandleJavaScriptDialog(accept)
	if promptText != "" {
		p = p.WithPromptText(promptText)
	}
	if err := a.run(ctx, p); err != nil {
		return fmt.Errorf("handle dialog %s: %w", dialogID, err)
	}
	return nil
}

func (a *Adapter) SetFileChooserInterception(ctx context.Context, enabled bool) error {
	return a.run(ctx, page.SetInterceptFileChooserDialog(enabled))
}

// SetFiles answers an intercepted file chooser. Selecting files directly on
// the backing input node is the protocol's replacement for the native picker.
func (a *Adapter) SetFiles(ctx context.Context, nodeID int64, files []string) error {
	if err := a.run(ctx, dom.SetFileInputFiles(files).WithBackendNodeID(cdp.BackendNodeID(nodeID))); err != nil {
		return fmt.Errorf("set file input files: %w", err)
	}
	return nil
}

func (a *Adapter) SetDownloadBehavior(ctx context.Context, dir string) error {
	return a.run(ctx, browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(dir).
		WithEventsEnabled(true))
}

// CaptureSnapshot runs the in-page capture script and decodes the flattened
// node list it returns. Evaluating one script keeps the node, style, and
// geometry views of the page consistent with each other.
func (a *Adapter) CaptureSnapshot(ctx context.Context) (*schemas.RawSnapshot, error) {
	var res json.RawMessage
	err := a.run(ctx, chromedp.Evaluate(captureScript, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	raw, err := decodeRawSnapshot(res)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return raw, nil
}

func (a *Adapter) ClickAt(ctx context.Context, x, y float64) error {
	return a.run(ctx, chromedp.MouseClickXY(x, y))
}

func (a *Adapter) InsertText(ctx context.Context, text string) error {
	return a.run(ctx, input.InsertText(text))
}

func (a *Adapter) Evaluate(ctx context.Context, script string) (any, error) {
	var res json.RawMessage
	err := a.run(ctx, chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	var out any
	if len(res) > 0 {
		if err := json.Unmarshal(res, &out); err != nil {
			return nil, fmt.Errorf("decode evaluate result: %w", err)
		}
	}
	return out, nil
}

// Close releases the target. The tab context is owned by the session, which
// cancels it after Close returns.
func (a *Adapter) Close(ctx context.Context) error {
	err := a.run(ctx, page.Close())
	if err != nil && a.ctx.Err() != nil {
		// Connection already gone; closing a dead target is not an error.
		return nil
	}
	return err
}

// combineContext derives a context cancelled when either parent is cancelled.
// Used so protocol commands respect both the session lifetime and the
// caller's deadline.
func combineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)
	stop := context.AfterFunc(secondaryCtx, cancel)
	return combinedCtx, func() {
		stop()
		cancel()
	}
}
