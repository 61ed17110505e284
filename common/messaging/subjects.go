package messaging

import "errors"

// ErrNotConnected is returned by Ready when a broker connection is down.
var ErrNotConnected = errors.New("message broker not connected")

// Subject names follow the pattern playback.{stage}.{resource}.
const (
	// SubjectCaptureEvents carries raw events from ingress into the capture stream.
	SubjectCaptureEvents = "playback.capture.events"

	// SubjectInvokePrefix prefixes component invocation subjects (append the component name).
	SubjectInvokePrefix = "playback.invoke"

	// SubjectReplayEvents receives events republished by the replayer.
	SubjectReplayEvents = "playback.replay.events"
)

// Component names used for invocation subjects, consumers and logging.
const (
	ComponentCapture   = "capture"
	ComponentReconcile = "reconcile"
	ComponentLink      = "link"
	ComponentReplay    = "replay"
)

// InvokeSubject returns the invocation subject for a component.
// Example: playback.invoke.reconcile
func InvokeSubject(component string) string {
	return SubjectInvokePrefix + "." + component
}

// InvokeConsumer returns the durable consumer name for a component's invocations.
func InvokeConsumer(component string) string {
	return "playback-invoke-" + component
}
