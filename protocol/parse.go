package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseMessage decodes one line of CLI output. Lines whose type is not a
// known message kind return nil without an error so callers can skip them.
func ParseMessage(line []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("decode message type: %w", err)
	}

	switch base.Type {
	case MessageTypeSystem:
		return decode[SystemMessage](line)
	case MessageTypeAssistant:
		return decode[AssistantMessage](line)
	case MessageTypeUser:
		return decode[UserMessage](line)
	case MessageTypeResult:
		return decode[ResultMessage](line)
	case MessageTypeStreamEvent:
		return decode[StreamEvent](line)
	case MessageTypeControlRequest:
		return decode[ControlRequest](line)
	case MessageTypeControlResponse:
		return decode[ControlResponse](line)
	case MessageTypeError:
		return decode[ErrorMessage](line)
	default:
		return nil, nil
	}
}

func decode[T Message](line []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.MsgType(), err)
	}
	return m, nil
}
