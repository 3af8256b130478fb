package domain

// ObservationType identifies an Observation variant on the wire.
type ObservationType string

const (
	ObservationRun    ObservationType = "run"
	ObservationRead   ObservationType = "read"
	ObservationWrite  ObservationType = "write"
	ObservationBrowse ObservationType = "browse"
	ObservationRecall ObservationType = "recall"
	ObservationChat   ObservationType = "chat"
	ObservationError  ObservationType = "error"
	ObservationNull   ObservationType = "null"
)

// Observation is the result of executing an Action.
type Observation interface {
	Type() ObservationType
}

// CmdOutputObservation carries the result of a foreground command, the
// launch of a background command, or output drained from one.
// CommandID is -1 for foreground commands.
type CmdOutputObservation struct {
	CommandID int    `json:"command_id"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Content   string `json:"content"`
}

type FileReadObservation struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileWriteObservation struct {
	Path string `json:"path"`
}

type BrowserOutputObservation struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

type RecallObservation struct {
	Query    string   `json:"query"`
	Memories []string `json:"memories"`
}

// UserMessageObservation is a chat message injected by the client.
type UserMessageObservation struct {
	Message string `json:"message"`
}

// ErrorObservation records a failed action. It never terminates a session.
type ErrorObservation struct {
	Content string `json:"content"`
}

type NullObservation struct{}

func (CmdOutputObservation) Type() ObservationType     { return ObservationRun }
func (FileReadObservation) Type() ObservationType      { return ObservationRead }
func (FileWriteObservation) Type() ObservationType     { return ObservationWrite }
func (BrowserOutputObservation) Type() ObservationType { return ObservationBrowse }
func (RecallObservation) Type() ObservationType        { return ObservationRecall }
func (UserMessageObservation) Type() ObservationType   { return ObservationChat }
func (ErrorObservation) Type() ObservationType         { return ObservationError }
func (NullObservation) Type() ObservationType          { return ObservationNull }

// HistoryEntry is one dispatched (Action, Observation) pair.
type HistoryEntry struct {
	Action      Action
	Observation Observation
}
