package backend

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"anroll-controller/internal/core"
)

// Command is one serialized outbound request. Name is kept alongside the
// payload for logging; the payload is never inspected after encoding.
type Command struct {
	Name    string
	Payload []byte
}

// NewCommand serializes {"command": name, ...params}.
func NewCommand(name string, params map[string]interface{}) (Command, error) {
	body := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["command"] = name

	payload, err := json.Marshal(body)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode %s command: %w", name, err)
	}
	return Command{Name: name, Payload: payload}, nil
}

// Tune builds the full parameter update the backend re-renders from.
func Tune(s core.Settings) (Command, error) {
	return NewCommand("tune", s.TuneParams())
}

// LoadProject builds the command that hands the mask and unrolling images to
// the backend. Both images are sent as base64 PNG data.
func LoadProject(mask, unrolling []byte) (Command, error) {
	if len(mask) == 0 || len(unrolling) == 0 {
		return Command{}, errors.New("loadProject needs both mask and unrolling images")
	}
	return NewCommand("loadProject", map[string]interface{}{
		"mask":      base64.StdEncoding.EncodeToString(mask),
		"unrolling": base64.StdEncoding.EncodeToString(unrolling),
	})
}
