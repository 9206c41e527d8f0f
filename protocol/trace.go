package protocol

import "encoding/json"

// TraceEntry is one line of a recorded session. Recordings wrap protocol
// messages with direction and timing so they can be replayed.
type TraceEntry struct {
	Timestamp string          `json:"timestamp"`
	Direction string          `json:"direction"` // "sent" or "received"
	Message   json.RawMessage `json:"message"`
}

// ParseTraceLine parses either a TraceEntry wrapper or a bare protocol
// message. The second return value is false for lines recorded as sent.
func ParseTraceLine(line []byte) (Message, bool, error) {
	var entry TraceEntry
	if err := json.Unmarshal(line, &entry); err != nil || len(entry.Message) == 0 {
		msg, err := ParseMessage(line)
		return msg, true, err
	}
	if entry.Direction == "sent" {
		return nil, false, nil
	}
	msg, err := ParseMessage(entry.Message)
	return msg, true, err
}
