package pipe

// ErrorAction tells a stable reader or writer how to react to an error
// raised by its inner source or sink.
type ErrorAction int

const (
	// ErrorThrow propagates the error to the caller.
	ErrorThrow ErrorAction = iota
	// ErrorRetry makes the operation loop, waiting for a fresh inner.
	ErrorRetry
	// ErrorCancel makes the operation return a canceled result.
	ErrorCancel
)

// String returns string representation of ErrorAction
func (a ErrorAction) String() string {
	switch a {
	case ErrorThrow:
		return "Throw"
	case ErrorRetry:
		return "Retry"
	case ErrorCancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// CompletionAction tells a stable reader or writer how to react to the
// completion of its inner source or sink.
type CompletionAction int

const (
	// CompletionComplete terminates the stable pipe.
	CompletionComplete CompletionAction = iota
	// CompletionRetry detaches the inner non-terminally and waits for
	// a fresh one.
	CompletionRetry
	// CompletionThrow surfaces the unexpected completion as an error.
	CompletionThrow
)

// String returns string representation of CompletionAction
func (a CompletionAction) String() string {
	switch a {
	case CompletionComplete:
		return "Complete"
	case CompletionRetry:
		return "Retry"
	case CompletionThrow:
		return "Throw"
	default:
		return "Unknown"
	}
}

// Behavior is the capability set negotiated between a stable reader or
// writer and its environment for reacting to errors, cancellations and
// inner completions. All methods may be called from the goroutine that
// runs the pending operation.
type Behavior interface {
	// OnError decides what to do with an error from the inner pipe.
	// Internal timeouts are presented as *TimeoutError.
	OnError(err error) ErrorAction

	// OnSwallowed observes an error that was deliberately ignored
	// because the inner pipe changed concurrently.
	OnSwallowed(err error)

	// OnCancel observes a canceled operation.
	OnCancel()

	// OnInnerCompleted decides what to do when the inner pipe reports
	// completion.
	OnInnerCompleted() CompletionAction

	// ReturnInnerCanceled reports whether a canceled result from the
	// inner pipe is surfaced to the caller. When false the operation
	// loops instead.
	ReturnInnerCanceled() bool
}

// DefaultBehavior is the no-op Behavior: errors throw, completions
// complete, canceled results are surfaced.
type DefaultBehavior struct{}

// OnError returns ErrorThrow.
func (DefaultBehavior) OnError(err error) ErrorAction { return ErrorThrow }

// OnSwallowed does nothing.
func (DefaultBehavior) OnSwallowed(err error) {}

// OnCancel does nothing.
func (DefaultBehavior) OnCancel() {}

// OnInnerCompleted returns CompletionComplete.
func (DefaultBehavior) OnInnerCompleted() CompletionAction { return CompletionComplete }

// ReturnInnerCanceled returns true.
func (DefaultBehavior) ReturnInnerCanceled() bool { return true }
