package flow

// EventType names a flow event.
type EventType string

const (
	EventStart                 EventType = "START"
	EventResume                EventType = "RESUME"
	EventPhaseComplete         EventType = "PHASE_COMPLETE"
	EventPhaseCompleteWithData EventType = "PHASE_COMPLETE_WITH_DATA"
	EventApprove               EventType = "APPROVE"
	EventReject                EventType = "REJECT"
	EventPause                 EventType = "PAUSE"
	EventAbort                 EventType = "ABORT"
	EventError                 EventType = "ERROR"
	EventTaskComplete          EventType = "TASK_COMPLETE"
	EventPRCreated             EventType = "PR_CREATED"
	EventMerge                 EventType = "MERGE"
	EventSkipMerge             EventType = "SKIP_MERGE"
)

// AllEvents lists every event type.
var AllEvents = []EventType{
	EventStart,
	EventResume,
	EventPhaseComplete,
	EventPhaseCompleteWithData,
	EventApprove,
	EventReject,
	EventPause,
	EventAbort,
	EventError,
	EventTaskComplete,
	EventPRCreated,
	EventMerge,
	EventSkipMerge,
}

// Event is a request to move a flow. Payload fields are read only by the
// event types that use them:
//
//	START:                    Mode
//	APPROVE (tasks-approval): Total
//	ABORT:                    Reason
//	ERROR:                    Message
//	PR_CREATED:               PRURL, PRNumber
//	PHASE_COMPLETE_WITH_DATA: Data (not persisted)
type Event struct {
	Type     EventType
	Mode     Mode
	Total    int
	Reason   string
	Message  string
	PRURL    string
	PRNumber int
	Data     map[string]any
}

func Start(mode Mode) Event { return Event{Type: EventStart, Mode: mode} }

func Resume() Event { return Event{Type: EventResume} }

func Complete() Event { return Event{Type: EventPhaseComplete} }

func PhaseCompleteWithData(data map[string]any) Event {
	return Event{Type: EventPhaseCompleteWithData, Data: data}
}

func Approve() Event { return Event{Type: EventApprove} }

// ApproveTasks approves a task list of total tasks.
func ApproveTasks(total int) Event { return Event{Type: EventApprove, Total: total} }

func Reject() Event { return Event{Type: EventReject} }

func Pause() Event { return Event{Type: EventPause} }

func Abort(reason string) Event { return Event{Type: EventAbort, Reason: reason} }

func Fail(message string) Event { return Event{Type: EventError, Message: message} }

func TaskComplete() Event { return Event{Type: EventTaskComplete} }

func PRCreated(url string, number int) Event {
	return Event{Type: EventPRCreated, PRURL: url, PRNumber: number}
}

func Merge() Event { return Event{Type: EventMerge} }

func SkipMerge() Event { return Event{Type: EventSkipMerge} }
