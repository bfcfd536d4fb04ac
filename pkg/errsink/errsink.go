package errsink

import (
	"time"

	"github.com/cuemby/buildnode/pkg/log"
	"github.com/getsentry/sentry-go"
)

// Sink reports errors to an external error-tracking service.
type Sink struct {
	enabled bool
}

// Init configures the global Sentry client. dsn == "" disables reporting.
func Init(dsn, nodeID string) (*Sink, error) {
	if dsn == "" {
		return &Sink{enabled: false}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		ServerName:  nodeID,
		Environment: "buildnode",
	})
	if err != nil {
		return nil, err
	}
	return &Sink{enabled: true}, nil
}

// Capture reports err with the given task/build context tags, if reporting
// is enabled. It never blocks the caller for more than a couple of seconds.
func (s *Sink) Capture(err error, tags map[string]string) {
	if !s.enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Close flushes any buffered events before the process exits.
func (s *Sink) Close() {
	if !s.enabled {
		return
	}
	if !sentry.Flush(2 * time.Second) {
		log.Warn("sentry flush timed out")
	}
}
