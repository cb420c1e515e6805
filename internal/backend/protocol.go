package backend

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"anroll-controller/internal/frames"
)

var (
	// ErrShortFrame is returned for frames that cannot hold their declared header.
	ErrShortFrame = errors.New("frame too short")
	// ErrNotConnected is returned when a command is submitted without a backend session.
	ErrNotConnected = errors.New("backend not connected")
)

// Inbound message kinds.
const (
	MsgImage       = "image"
	MsgModelLoaded = "modelLoaded"
	MsgFeedback    = "feedback"
	MsgPlot        = "plot"
	MsgFinished    = "finished"
	MsgError       = "error"
)

// Message is a decoded backend frame.
type Message struct {
	Command  string                 `json:"command"`
	Width    int                    `json:"width,omitempty"`
	Height   int                    `json:"height,omitempty"`
	Target   string                 `json:"target,omitempty"`
	Feedback map[string]interface{} `json:"feedback,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Text     string                 `json:"text,omitempty"`

	// Raw holds the bytes following the JSON header.
	Raw []byte `json:"-"`
}

// PlotTarget returns data.target of a plot message.
func (m *Message) PlotTarget() string {
	if m.Data == nil {
		return ""
	}
	target, _ := m.Data["target"].(string)
	return target
}

// DecodeFrame parses "uint32 LE json length | json | raw".
func DecodeFrame(frame []byte) (*Message, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	n := binary.LittleEndian.Uint32(frame[:4])
	if uint64(n) > uint64(len(frame)-4) {
		return nil, fmt.Errorf("%w: header declares %d json bytes, %d available", ErrShortFrame, n, len(frame)-4)
	}

	msg := &Message{}
	if err := json.Unmarshal(frame[4:4+n], msg); err != nil {
		return nil, fmt.Errorf("failed to decode frame metadata: %w", err)
	}
	msg.Raw = frame[4+n:]

	if msg.Command == MsgImage {
		if msg.Width <= 0 || msg.Height <= 0 || msg.Width > frames.MaxDimension || msg.Height > frames.MaxDimension {
			return nil, fmt.Errorf("image frame has invalid size %dx%d", msg.Width, msg.Height)
		}
		if want := msg.Width * msg.Height * 4; len(msg.Raw) != want {
			return nil, fmt.Errorf("image frame %dx%d carries %d bytes, want %d", msg.Width, msg.Height, len(msg.Raw), want)
		}
	}
	return msg, nil
}

// EncodeFrame builds a frame in the backend's binary layout.
func EncodeFrame(meta interface{}, raw []byte) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame metadata: %w", err)
	}
	frame := make([]byte, 4, 4+len(header)+len(raw))
	binary.LittleEndian.PutUint32(frame, uint32(len(header)))
	frame = append(frame, header...)
	return append(frame, raw...), nil
}
