package core

import (
	"time"

	"github.com/google/uuid"
)

// Command is a write-intent message dispatched to exactly one handler.
// Concrete commands embed CommandBase and implement Name.
type Command interface {
	// Name is the registry discriminant, e.g. "investigation.create".
	Name() string
	CommandID() uuid.UUID
	OccurredAt() time.Time
	Metadata() map[string]string
}

// CommandBase carries the identity fields common to all commands. It is
// populated once by NewCommandBase and not mutated afterwards.
type CommandBase struct {
	ID        uuid.UUID         `json:"command_id"`
	Timestamp time.Time         `json:"timestamp"`
	UserID    string            `json:"user_id,omitempty"`
	Meta      map[string]string `json:"metadata,omitempty"`
}

// NewCommandBase assigns a fresh command ID and timestamp.
func NewCommandBase(userID string) CommandBase {
	return CommandBase{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
	}
}

func (c CommandBase) CommandID() uuid.UUID { return c.ID }

func (c CommandBase) OccurredAt() time.Time { return c.Timestamp }

func (c CommandBase) Metadata() map[string]string { return c.Meta }

// CommandResult is produced once per CommandBus.Execute call and never
// mutated after return.
type CommandResult struct {
	Success         bool      `json:"success"`
	CommandID       uuid.UUID `json:"command_id"`
	Data            any       `json:"data,omitempty"`
	Error           string    `json:"error,omitempty"`
	EventsPublished int       `json:"events_published"`
}
