package exitwatch

// Supervisor event names understood by the listener. Events with any other
// name are acknowledged and otherwise ignored.
const (
	EventProcessStateExited         = "PROCESS_STATE_EXITED"
	EventProcessStateRunning        = "PROCESS_STATE_RUNNING"
	EventProcessCommunicationStdout = "PROCESS_COMMUNICATION_STDOUT"
)

// Payload header keys read by the dispatcher.
const (
	keyProcessName = "processname"
	keyGroupName   = "groupname"
	keyExpected    = "expected"
)

// Event is a single decoded supervisor notification. It only lives for one
// iteration of the listener loop.
type Event struct {
	// Name is the eventname header.
	Name string
	// Headers is the parsed header line.
	Headers map[string]string
	// PayloadHeaders is the first line of the payload, parsed the same way as
	// the header line.
	PayloadHeaders map[string]string
	// Body is whatever follows the first line of the payload. It is opaque.
	Body string
}

// ProcessName returns the processname payload header.
func (ev *Event) ProcessName() string { return ev.PayloadHeaders[keyProcessName] }

// GroupName returns the groupname payload header.
func (ev *Event) GroupName() string { return ev.PayloadHeaders[keyGroupName] }

// Published event tag and source used when a critical process takes the
// container down.
const (
	PublishSource                = "sonic-events-host"
	TagProcessExitedUnexpectedly = "process-exited-unexpectedly"
)

// Published event parameter keys.
const (
	ParamProcessName   = "process_name"
	ParamContainerName = "ctr_name"
)
