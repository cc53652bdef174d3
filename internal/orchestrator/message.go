package orchestrator

// TranscriptMessage carries one partial or final utterance.
type TranscriptMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Speaker string `json:"speaker,omitempty"`
}

// StatusMessage announces a suggestion in progress.
type StatusMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// DeltaMessage carries one suggestion increment.
type DeltaMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// EndMessage marks the end of a suggestion.
type EndMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports a typed failure in the session stream.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Content string `json:"content"`
}

// SessionMessage tells the client which meeting the session records into.
type SessionMessage struct {
	Type      string `json:"type"`
	MeetingID string `json:"meeting_id"`
}
