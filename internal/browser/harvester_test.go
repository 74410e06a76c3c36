package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

func newTestHarvester() *Harvester {
	return NewHarvester(context.Background(), zap.NewNop())
}

func send(h *Harvester, id, method, url string) {
	h.dispatch(&network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request:   &network.Request{URL: url, Method: method},
		Type:      network.ResourceTypeXHR,
	})
}

func TestHarvester_Network(t *testing.T) {
	h := newTestHarvester()

	send(h, "1", "GET", "https://a.test/")
	h.dispatch(&network.EventResponseReceived{RequestID: "1", Response: &network.Response{Status: 200, MimeType: "text/html"}})
	h.dispatch(&network.EventLoadingFinished{RequestID: "1"})

	send(h, "2", "POST", "https://a.test/api/cart")
	h.dispatch(&network.EventResponseReceived{RequestID: "2", Response: &network.Response{Status: 500}})
	h.dispatch(&network.EventLoadingFinished{RequestID: "2"})

	send(h, "3", "GET", "https://a.test/gone.js")
	h.dispatch(&network.EventLoadingFailed{RequestID: "3", ErrorText: "net::ERR_NAME_NOT_RESOLVED"})

	send(h, "4", "GET", "https://a.test/aborted")
	h.dispatch(&network.EventLoadingFailed{RequestID: "4", ErrorText: "net::ERR_ABORTED", Canceled: true})

	send(h, "5", "GET", "https://a.test/pending")

	requests, failures := h.Network()
	require.Len(t, requests, 3, "completed requests, excluding outright failures and pending ones")
	assert.Equal(t, "https://a.test/", requests[0].URL)
	assert.Equal(t, "text/html", requests[0].MimeType)
	assert.Equal(t, 500, requests[1].StatusCode)

	assert.Equal(t, []schemas.NetworkError{
		{URL: "https://a.test/api/cart", Method: "POST", StatusCode: 500, ResourceType: "XHR"},
		{URL: "https://a.test/gone.js", Method: "GET", ErrorText: "net::ERR_NAME_NOT_RESOLVED", ResourceType: "XHR"},
	}, failures)
}

func TestHarvester_Console(t *testing.T) {
	h := newTestHarvester()

	h.dispatch(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeError,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Description: "boom"}, {Type: runtime.TypeObject}},
	})
	h.dispatch(&log.EventEntryAdded{Entry: &log.Entry{Level: log.LevelWarning, Text: "deprecated", URL: "https://a.test/app.js", LineNumber: 12}})
	h.dispatch(&runtime.EventExceptionThrown{ExceptionDetails: &runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"},
	}})
	h.dispatch(&log.EventEntryAdded{})

	logs := h.ConsoleLogs()
	require.Len(t, logs, 3)
	assert.Equal(t, "error", logs[0].Level)
	assert.Equal(t, "boom [object]", logs[0].Text)
	assert.Equal(t, "warning", logs[1].Level)
	assert.Equal(t, 12, logs[1].Line)
	assert.Equal(t, "Uncaught TypeError: x is undefined", logs[2].Text)
	assert.Equal(t, "error", logs[2].Level)

	h.Reset()
	assert.Empty(t, h.ConsoleLogs())
}

func TestHarvester_WaitNetworkIdle(t *testing.T) {
	h := newTestHarvester()
	require.NoError(t, h.WaitNetworkIdle(context.Background(), 20*time.Millisecond))

	send(h, "1", "GET", "https://a.test/slow")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.WaitNetworkIdle(ctx, 20*time.Millisecond), context.DeadlineExceeded)
}

func TestCombineContext_PrimaryUnaffected(t *testing.T) {
	primary, cancelPrimary := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "target"))
	defer cancelPrimary()
	op, cancelOp := context.WithCancel(context.Background())

	combined, cancel := CombineContext(primary, op)
	defer cancel()
	assert.Equal(t, "target", combined.Value(ctxKey{}))
	assert.NoError(t, combined.Err())

	cancelOp()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context not canceled with the operation context")
	}
	assert.NoError(t, primary.Err(), "primary is unaffected")
}

type ctxKey struct{}
