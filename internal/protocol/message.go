// ABOUTME: Wire message model for agent-to-agent task exchange over the relay.
// ABOUTME: Defines the tagged Message union, validation rules, and constructor helpers.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags. The relay forwards all types opaquely; agents and the
// coordinator dispatch on them.
const (
	TypeTask         = "task"
	TypeTaskResult   = "task_result"
	TypeRegistration = "registration"
	TypeGetResult    = "get_result"
)

// Validation errors
var (
	ErrMissingType        = errors.New("message has no type")
	ErrMissingTaskID      = errors.New("message has no task_id")
	ErrMissingDescription = errors.New("task message has no description")
	ErrMissingSender      = errors.New("message has no sender")
	ErrUnknownType        = errors.New("unknown message type")
)

// Message is the single wire format exchanged between agents. Which fields
// are meaningful depends on Type; Validate enforces the per-type rules.
type Message struct {
	Type        string   `json:"type"`
	TaskID      string   `json:"task_id,omitempty"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	ReplyTo     string   `json:"reply_to,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	Result      any      `json:"result,omitempty"`
	Error       bool     `json:"error,omitempty"`

	// Capabilities is carried on registration messages only.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Delivery wraps a Message with the relay-assigned message id used for
// acknowledgment. The id is transport bookkeeping, not application payload.
type Delivery struct {
	MessageID string  `json:"message_id"`
	Message   Message `json:"message"`
}

// Validate checks the per-type required fields.
//
// A task must carry a non-empty task_id and description. A task_result must
// reference a task_id. Registrations and get_result probes must name their
// sender. Messages with an unrecognized type fail with ErrUnknownType so the
// consumer can acknowledge and drop them rather than leave them held.
func (m *Message) Validate() error {
	switch m.Type {
	case "":
		return ErrMissingType
	case TypeTask:
		if m.TaskID == "" {
			return ErrMissingTaskID
		}
		if m.Description == "" {
			return ErrMissingDescription
		}
	case TypeTaskResult:
		if m.TaskID == "" {
			return ErrMissingTaskID
		}
	case TypeRegistration:
		if m.Sender == "" {
			return ErrMissingSender
		}
	case TypeGetResult:
		if m.TaskID == "" {
			return ErrMissingTaskID
		}
		if m.Sender == "" {
			return ErrMissingSender
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode parses a JSON wire message. The result is not validated; callers
// decide whether a malformed message is dropped or rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// NewTask builds a task assignment message. dependsOn may be nil for
// independent tasks.
func NewTask(taskID, description string, dependsOn []string, replyTo, sender string) Message {
	return Message{
		Type:        TypeTask,
		TaskID:      taskID,
		Description: description,
		DependsOn:   dependsOn,
		ReplyTo:     replyTo,
		Sender:      sender,
	}
}

// NewTaskResult builds a successful result message for a completed task.
func NewTaskResult(taskID string, result any, sender string) Message {
	return Message{
		Type:   TypeTaskResult,
		TaskID: taskID,
		Result: result,
		Sender: sender,
	}
}

// NewErrorResult builds a result message for a task whose body failed.
// Execution failures are terminal: the task still completes, with the error
// text as its result.
func NewErrorResult(taskID string, execErr error, sender string) Message {
	return Message{
		Type:   TypeTaskResult,
		TaskID: taskID,
		Result: fmt.Sprintf("Error: %v", execErr),
		Error:  true,
		Sender: sender,
	}
}

// NewRegistration builds the message an agent sends to announce itself.
func NewRegistration(sender string, capabilities []string) Message {
	return Message{
		Type:         TypeRegistration,
		Sender:       sender,
		Capabilities: capabilities,
	}
}

// NewGetResult builds a probe asking the coordinator for a dependency's
// result. The answer arrives as a task_result addressed to replyTo.
func NewGetResult(taskID, sender, replyTo string) Message {
	return Message{
		Type:    TypeGetResult,
		TaskID:  taskID,
		Sender:  sender,
		ReplyTo: replyTo,
	}
}
