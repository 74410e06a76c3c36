// internal/browser/context.go
package browser

import "context"

// CombineContext returns a context carrying primary's values (the CDP target)
// that is canceled when either primary or op is done. Deadlines on op apply.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(op, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
