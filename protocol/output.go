package protocol

// Image is a base64-encoded image attachment sent with a user message.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// NewUserMessage constructs the stdin record for a user turn. Without images
// the content is a plain string; with images it becomes a block array with
// the images first and the text last.
func NewUserMessage(text string, images []Image) UserMessageToSend {
	var content interface{} = text
	if len(images) > 0 {
		blocks := make([]interface{}, 0, len(images)+1)
		for _, img := range images {
			blocks = append(blocks, map[string]interface{}{
				"type": "image",
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": img.MediaType,
					"data":       img.Data,
				},
			})
		}
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": text})
		content = blocks
	}
	return UserMessageToSend{
		Type: "user",
		Message: UserMessageToSendInner{
			Role:    "user",
			Content: content,
		},
	}
}

// NewPermissionAllow constructs a control_response that grants tool execution.
// A nil input is normalized to an empty map.
func NewPermissionAllow(requestID string, input map[string]interface{}) ControlResponse {
	if input == nil {
		input = map[string]interface{}{}
	}
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultAllow{
				Behavior:     PermissionBehaviorAllow,
				UpdatedInput: input,
			},
		},
	}
}

// NewPermissionDeny constructs a control_response that blocks tool execution.
// interrupt asks the agent to stop the current turn rather than continue.
func NewPermissionDeny(requestID string, message string, interrupt bool) ControlResponse {
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultDeny{
				Behavior:  PermissionBehaviorDeny,
				Message:   message,
				Interrupt: interrupt,
			},
		},
	}
}

// NewInterrupt constructs a control_request that interrupts the current turn.
func NewInterrupt(requestID string) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      string(MessageTypeControlRequest),
		RequestID: requestID,
		Request:   InterruptRequestToSend{Subtype: string(ControlRequestSubtypeInterrupt)},
	}
}

// NewControlError constructs a control_response reporting that a request
// could not be handled.
func NewControlError(requestID, message string) ControlResponse {
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}
