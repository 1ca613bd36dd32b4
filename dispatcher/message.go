package dispatcher

import (
	"github.com/google/uuid"
)

// Message is what a worker sends to the supervisor. The set of
// implementations is closed: ProgressMessage, CompleteMessage and
// ErrorMessage.
type Message interface {
	JobID() uuid.UUID
	message()
}

type ProgressMessage struct {
	ID       uuid.UUID
	Percent  int
	RateInfo string
}

type CompleteMessage struct {
	ID        uuid.UUID
	OutputKey string
}

type ErrorMessage struct {
	ID     uuid.UUID
	Reason string
}

func (m ProgressMessage) JobID() uuid.UUID { return m.ID }
func (m CompleteMessage) JobID() uuid.UUID { return m.ID }
func (m ErrorMessage) JobID() uuid.UUID    { return m.ID }

func (ProgressMessage) message() {}
func (CompleteMessage) message() {}
func (ErrorMessage) message()    {}
