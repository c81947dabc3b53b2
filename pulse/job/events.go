package job

import "time"

// Event types published while a job runs
const (
	EventFired         = "fired"
	EventItemStarted   = "item_started"
	EventItemFinished  = "item_finished"
	EventEmptySharding = "empty_sharding"
	EventStateChanged  = "state_changed"
)

// Event is a notification for live observers such as the admin websocket.
type Event struct {
	Type     string    `json:"type"`
	Job      string    `json:"job"`
	Executor string    `json:"executor"`
	Item     *int      `json:"item,omitempty"`
	Status   string    `json:"status,omitempty"`
	State    string    `json:"state,omitempty"`
	Time     time.Time `json:"time"`
}

// EventSink receives events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type discardEvents struct{}

func (discardEvents) Publish(Event) {}
