package errors

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter forwards errors of selected categories to Sentry.
type SentryReporter struct {
	categories map[ErrorCategory]struct{}
}

// InitSentry configures the Sentry SDK and returns a reporter for the given
// categories. An empty DSN returns nil and leaves Sentry disabled.
func InitSentry(dsn, environment, release string, categories ...ErrorCategory) (*SentryReporter, error) {
	if dsn == "" {
		return nil, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	}); err != nil {
		return nil, Newf("failed to initialize sentry: %w", err).
			Component("errors").
			Category(CategoryConfiguration).
			Build()
	}
	r := &SentryReporter{categories: make(map[ErrorCategory]struct{}, len(categories))}
	for _, c := range categories {
		r.categories[c] = struct{}{}
	}
	return r, nil
}

// Report implements Reporter.
func (r *SentryReporter) Report(err *EnhancedError) {
	if _, ok := r.categories[err.category]; !ok {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", err.component)
		scope.SetTag("category", string(err.category))
		if len(err.context) > 0 {
			scope.SetContext("error", sentry.Context(err.GetContext()))
		}
		sentry.CaptureException(err.Err)
	})
}

// FlushSentry waits up to timeout for buffered events to be sent.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}
