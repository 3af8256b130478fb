package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when an envelope names a variant that does not exist.
var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the flat wire form of an Action or Observation. Exactly one of
// Action and Observation is set; Args holds the variant's fields.
type Envelope struct {
	Action      ActionType      `json:"action,omitempty"`
	Observation ObservationType `json:"observation,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// IsNull reports whether the envelope carries a no-op.
func (e Envelope) IsNull() bool {
	return e.Action == ActionNull || e.Observation == ObservationNull
}

// EncodeAction converts an action into its envelope.
func EncodeAction(a Action) (Envelope, error) {
	args, err := json.Marshal(a)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s action: %w", a.Type(), err)
	}
	return Envelope{Action: a.Type(), Args: args, Message: describeAction(a)}, nil
}

// EncodeObservation converts an observation into its envelope.
func EncodeObservation(o Observation) (Envelope, error) {
	args, err := json.Marshal(o)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s observation: %w", o.Type(), err)
	}
	return Envelope{Observation: o.Type(), Args: args, Message: describeObservation(o)}, nil
}

// DecodeAction converts an action envelope back into its variant.
func DecodeAction(e Envelope) (Action, error) {
	return ParseAction(e.Action, e.Args)
}

// ParseAction builds the action variant named t from its JSON arguments.
// Empty args leave every field at its zero value.
func ParseAction(t ActionType, args json.RawMessage) (Action, error) {
	switch t {
	case ActionRun:
		return decodeInto[RunAction](args)
	case ActionKill:
		return decodeInto[KillAction](args)
	case ActionRead:
		return decodeInto[ReadAction](args)
	case ActionWrite:
		return decodeInto[WriteAction](args)
	case ActionBrowse:
		return decodeInto[BrowseAction](args)
	case ActionRecall:
		return decodeInto[RecallAction](args)
	case ActionThink:
		return decodeInto[ThinkAction](args)
	case ActionChat:
		return decodeInto[ChatAction](args)
	case ActionFinish:
		return FinishAction{}, nil
	case ActionNull:
		return NullAction{}, nil
	}
	return nil, fmt.Errorf("%w: action %q", ErrUnknownType, t)
}

// ActionFromArgs builds an action from loosely typed arguments, such as the
// arguments of a model tool call.
func ActionFromArgs(t ActionType, args map[string]any) (Action, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s arguments: %w", t, err)
	}
	return ParseAction(t, raw)
}

// DecodeObservation converts an observation envelope back into its variant.
func DecodeObservation(e Envelope) (Observation, error) {
	switch e.Observation {
	case ObservationRun:
		return decodeInto[CmdOutputObservation](e.Args)
	case ObservationRead:
		return decodeInto[FileReadObservation](e.Args)
	case ObservationWrite:
		return decodeInto[FileWriteObservation](e.Args)
	case ObservationBrowse:
		return decodeInto[BrowserOutputObservation](e.Args)
	case ObservationRecall:
		return decodeInto[RecallObservation](e.Args)
	case ObservationChat:
		return decodeInto[UserMessageObservation](e.Args)
	case ObservationError:
		return decodeInto[ErrorObservation](e.Args)
	case ObservationNull:
		return NullObservation{}, nil
	}
	return nil, fmt.Errorf("%w: observation %q", ErrUnknownType, e.Observation)
}

func decodeInto[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("decoding args: %w", err)
	}
	return v, nil
}

func describeAction(a Action) string {
	switch a := a.(type) {
	case RunAction:
		if a.Background {
			return "Running command in background: " + a.Command
		}
		return "Running command: " + a.Command
	case KillAction:
		return fmt.Sprintf("Killing command: %d", a.ID)
	case ReadAction:
		return "Reading file: " + a.Path
	case WriteAction:
		return "Writing file: " + a.Path
	case BrowseAction:
		return "Browsing " + a.URL
	case RecallAction:
		return "Let me dive into my memories to find what you're looking for! Searching for: '" + a.Query + "'."
	case ThinkAction:
		return a.Thought
	case ChatAction:
		return a.Message
	case FinishAction:
		return "All done! What's next on the agenda?"
	}
	return ""
}

func describeObservation(o Observation) string {
	switch o := o.(type) {
	case CmdOutputObservation:
		return fmt.Sprintf("Command `%s` executed with exit code %d.", o.Command, o.ExitCode)
	case FileReadObservation:
		return "I read the file " + o.Path + "."
	case FileWriteObservation:
		return "I wrote to the file " + o.Path + "."
	case BrowserOutputObservation:
		return "Visited " + o.URL
	case RecallObservation:
		return "Recalled memories for: " + o.Query
	case UserMessageObservation:
		return o.Message
	case ErrorObservation:
		return "Oops. Something went wrong: " + o.Content
	}
	return ""
}
