// Package metrics provides standardised metric emission for the queue
// engine and the event publisher.
package metrics

import (
	"time"

	"github.com/stackmint/storagegate/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Queue      string
	Transition string
	Result     string
	Duration   time.Duration
	ErrorClass string
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue":      in.Queue,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.ErrorClass != "" && in.Result == ResultError {
		tags["error_class"] = in.ErrorClass
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, cloneTags(tags))
	}
}

// PublisherMetric captures per-tenant forwarding results for metric emission.
type PublisherMetric struct {
	Forwarded   int
	Quarantined int
	Duration    time.Duration
}

// EmitPublisherBatch emits metrics for one tenant poll cycle.
func EmitPublisherBatch(sink statsd.Sink, in PublisherMetric) {
	if sink == nil {
		return
	}

	if in.Forwarded > 0 {
		sink.Count("publisher.forwarded", int64(in.Forwarded), nil)
	}
	if in.Quarantined > 0 {
		sink.Count("publisher.quarantined", int64(in.Quarantined), nil)
	}
	if in.Duration > 0 {
		sink.Timing("publisher.tenant_poll", in.Duration, nil)
	}
}

func cloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
