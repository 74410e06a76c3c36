// internal/browser/harvester.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// requestState tracks one network request from send to completion.
type requestState struct {
	url          string
	method       string
	resourceType string
	mimeType     string
	status       int
	started      time.Time
	finished     time.Time
	errorText    string
	failed       bool
	complete     bool
}

// Harvester listens to CDP events on a tab and collects console output and
// network traffic for the page currently loaded.
type Harvester struct {
	logger *zap.Logger

	tabCtx         context.Context
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	mu       sync.RWMutex
	order    []network.RequestID
	requests map[network.RequestID]*requestState
	inflight map[network.RequestID]bool
	console  []schemas.ConsoleLog
	started  bool
}

// NewHarvester creates a harvester bound to a tab context.
func NewHarvester(tabCtx context.Context, logger *zap.Logger) *Harvester {
	return &Harvester{
		logger:   logger.Named("harvester"),
		tabCtx:   tabCtx,
		requests: make(map[network.RequestID]*requestState),
		inflight: make(map[network.RequestID]bool),
	}
}

// Start enables the network, runtime and log domains and begins listening.
func (h *Harvester) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	h.listenerCtx, h.cancelListener = context.WithCancel(h.tabCtx)
	chromedp.ListenTarget(h.listenerCtx, h.dispatch)

	if err := chromedp.Run(h.tabCtx, network.Enable(), runtime.Enable(), log.Enable()); err != nil {
		h.cancelListener()
		return fmt.Errorf("failed to enable CDP domains: %w", err)
	}
	h.started = true
	return nil
}

// Stop detaches the listener. Collected data stays readable.
func (h *Harvester) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelListener != nil {
		h.cancelListener()
		h.cancelListener = nil
	}
	h.started = false
}

// Reset drops everything collected so far, ahead of a new navigation.
func (h *Harvester) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = nil
	h.requests = make(map[network.RequestID]*requestState)
	h.inflight = make(map[network.RequestID]bool)
	h.console = nil
}

func (h *Harvester) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		h.handleRequestWillBeSent(e)
	case *network.EventResponseReceived:
		h.handleResponseReceived(e)
	case *network.EventLoadingFinished:
		h.handleLoadingFinished(e)
	case *network.EventLoadingFailed:
		h.handleLoadingFailed(e)
	case *runtime.EventConsoleAPICalled:
		h.handleConsoleAPICalled(e)
	case *log.EventEntryAdded:
		h.handleLogEntryAdded(e)
	case *runtime.EventExceptionThrown:
		h.handleExceptionThrown(e)
	}
}

// WaitNetworkIdle blocks until no request has been in flight for quietPeriod.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	ticker := time.NewTicker(quietPeriod / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.mu.RLock()
			inflight := len(h.inflight)
			h.mu.RUnlock()

			if inflight > 0 {
				lastActivity = time.Now()
			} else if time.Since(lastActivity) >= quietPeriod {
				return nil
			}
		}
	}
}

// -- Network handlers --

func (h *Harvester) handleRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.inflight[e.RequestID] = true
	// A redirect reuses the request id; the final leg replaces earlier ones.
	if _, ok := h.requests[e.RequestID]; !ok {
		h.order = append(h.order, e.RequestID)
	}
	h.requests[e.RequestID] = &requestState{
		url:          e.Request.URL,
		method:       e.Request.Method,
		resourceType: string(e.Type),
		started:      monotonic(e.Timestamp),
	}
}

func (h *Harvester) handleResponseReceived(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok := h.requests[e.RequestID]; ok {
		state.status = int(e.Response.Status)
		state.mimeType = e.Response.MimeType
	}
}

func (h *Harvester) handleLoadingFinished(e *network.EventLoadingFinished) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inflight, e.RequestID)
	if state, ok := h.requests[e.RequestID]; ok {
		state.finished = monotonic(e.Timestamp)
		state.complete = true
	}
}

func (h *Harvester) handleLoadingFailed(e *network.EventLoadingFailed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inflight, e.RequestID)
	state, ok := h.requests[e.RequestID]
	if !ok {
		return
	}
	state.finished = monotonic(e.Timestamp)
	state.complete = true
	// Requests aborted by navigation are not failures of the page.
	if e.Canceled {
		return
	}
	state.failed = true
	state.errorText = e.ErrorText
}

// -- Console handlers --

func (h *Harvester) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	var b strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			b.WriteString(" ")
		}
		var val interface{}
		switch {
		case len(arg.Value) > 0 && json.Unmarshal(arg.Value, &val) == nil:
			b.WriteString(fmt.Sprintf("%v", val))
		case arg.Description != "":
			b.WriteString(arg.Description)
		default:
			b.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}
	h.appendConsole(schemas.ConsoleLog{
		Level:     consoleLevel(string(e.Type)),
		Text:      b.String(),
		Source:    "console-api",
		Timestamp: runtimeTime(e.Timestamp),
	})
}

func (h *Harvester) handleLogEntryAdded(e *log.EventEntryAdded) {
	if e.Entry == nil {
		return
	}
	h.appendConsole(schemas.ConsoleLog{
		Level:     consoleLevel(string(e.Entry.Level)),
		Text:      e.Entry.Text,
		Source:    string(e.Entry.Source),
		URL:       e.Entry.URL,
		Line:      int(e.Entry.LineNumber),
		Timestamp: runtimeTime(e.Entry.Timestamp),
	})
}

func (h *Harvester) handleExceptionThrown(e *runtime.EventExceptionThrown) {
	d := e.ExceptionDetails
	if d == nil {
		return
	}
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
		if !strings.HasPrefix(strings.ToLower(text), "uncaught") {
			text = "Uncaught " + text
		}
	}
	h.appendConsole(schemas.ConsoleLog{
		Level:     "error",
		Text:      text,
		Source:    "exception",
		URL:       d.URL,
		Line:      int(d.LineNumber),
		Timestamp: runtimeTime(e.Timestamp),
	})
}

func (h *Harvester) appendConsole(entry schemas.ConsoleLog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.console = append(h.console, entry)
}

// -- Accessors --

// ConsoleLogs returns a copy of the collected console entries.
func (h *Harvester) ConsoleLogs() []schemas.ConsoleLog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]schemas.ConsoleLog, len(h.console))
	copy(out, h.console)
	return out
}

// Network returns completed requests and the subset that failed or returned
// an error status, in the order they were sent.
func (h *Harvester) Network() ([]schemas.NetworkRequest, []schemas.NetworkError) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		requests []schemas.NetworkRequest
		failures []schemas.NetworkError
	)
	for _, id := range h.order {
		state := h.requests[id]
		if state == nil || !state.complete {
			continue
		}
		if state.failed || state.status >= 400 {
			failures = append(failures, schemas.NetworkError{
				URL:          state.url,
				Method:       state.method,
				StatusCode:   state.status,
				ErrorText:    state.errorText,
				ResourceType: state.resourceType,
			})
		}
		if state.failed {
			continue
		}
		var duration float64
		if !state.started.IsZero() && !state.finished.IsZero() {
			duration = float64(state.finished.Sub(state.started)) / float64(time.Millisecond)
		}
		requests = append(requests, schemas.NetworkRequest{
			URL:          state.url,
			Method:       state.method,
			StatusCode:   state.status,
			ResourceType: state.resourceType,
			MimeType:     state.mimeType,
			DurationMs:   duration,
		})
	}
	return requests, failures
}

// -- helpers --

func consoleLevel(level string) string {
	switch strings.ToLower(level) {
	case "error", "assert":
		return "error"
	case "warning", "warn":
		return "warning"
	case "debug", "verbose":
		return "debug"
	default:
		return "info"
	}
}

func runtimeTime(ts *runtime.Timestamp) time.Time {
	if ts == nil {
		return time.Now().UTC()
	}
	return ts.Time()
}

func monotonic(ts *cdp.MonotonicTime) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.Time()
}
