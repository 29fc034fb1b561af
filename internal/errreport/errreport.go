// Package errreport forwards run failures and panics to Sentry.
//
// A Reporter built without a DSN does nothing, so callers never need to
// check whether reporting is configured.
package errreport

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Options configures the Sentry client.
type Options struct {
	DSN         string
	Release     string
	Environment string

	// BeforeSend may inspect or drop events. Tests use it to capture
	// events without network access.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Reporter sends errors to Sentry through its own hub.
type Reporter struct {
	hub *sentry.Hub
}

// New creates a Reporter. An empty DSN yields a disabled Reporter.
func New(opts Options) (*Reporter, error) {
	if opts.DSN == "" {
		return &Reporter{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Release:     opts.Release,
		Environment: opts.Environment,
		BeforeSend:  opts.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// SetTag attaches a tag to every later event.
func (r *Reporter) SetTag(key, value string) {
	if !r.Enabled() {
		return
	}
	r.hub.Scope().SetTag(key, value)
}

// Capture reports err. Nil errors are ignored.
func (r *Reporter) Capture(err error) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.CaptureException(err)
}

// Recover reports a panic in progress and re-panics. Use it as
//
//	defer reporter.Recover()
func (r *Reporter) Recover() {
	if v := recover(); v != nil {
		if r.Enabled() {
			r.hub.Recover(v)
			r.hub.Flush(2 * time.Second)
		}
		panic(v)
	}
}

// Flush waits up to timeout for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
