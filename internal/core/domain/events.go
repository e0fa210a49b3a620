package domain

// EventStatus is the wire status of a ProgressEvent.
type EventStatus string

const (
	StatusStarting EventStatus = "starting"
	StatusProgress EventStatus = "progress"
	StatusComplete EventStatus = "complete"
	StatusError    EventStatus = "error"
)

// ProgressEvent is one element of a pipeline run's event stream.
type ProgressEvent struct {
	Status    EventStatus    `json:"status"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    *PipelineState `json:"result,omitempty"`
	ErrorCode ErrorType      `json:"errorCode,omitempty"`
	Cached    bool           `json:"cached,omitempty"`

	// Err is the classified error behind an error event. Not serialized.
	Err error `json:"-"`
}

// Terminal reports whether the event ends its stream.
func (e ProgressEvent) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

// Starting is the first event of every run.
func Starting() ProgressEvent {
	return ProgressEvent{Status: StatusStarting}
}

// Progress reports a finished stage.
func Progress(stage, message string) ProgressEvent {
	return ProgressEvent{Status: StatusProgress, Stage: stage, Message: message}
}

// Complete carries the final state.
func Complete(state *PipelineState) ProgressEvent {
	return ProgressEvent{Status: StatusComplete, Result: state}
}

// Failed converts an escalated error into the single terminal error event.
func Failed(stage string, err error) ProgressEvent {
	ev := ProgressEvent{Status: StatusError, Stage: stage, ErrorCode: TypeOf(err), Err: err}
	if apiErr, ok := AsAPIError(err); ok {
		ev.Message = apiErr.Message
	} else if err != nil {
		ev.Message = err.Error()
	}
	return ev
}
