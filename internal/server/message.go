package server

// Message represents an outgoing JSON message sent to WebSocket clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessage creates a new structured Message for broadcasting to clients.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

// Initial messages sent to a WebSocket client before any event.
const (
	MsgSnapshot     = "snapshot"
	MsgScriptList   = "script_list"
	MsgScheduleList = "schedule_list"
)
