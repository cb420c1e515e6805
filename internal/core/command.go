package core

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdSetParam       CommandType = "setParam"
	CmdSetParams      CommandType = "setParams"
	CmdResend         CommandType = "resend"
	CmdSkip           CommandType = "skip"
	CmdClearQueue     CommandType = "clearQueue"
	CmdSetCapacity    CommandType = "setCapacity"
	CmdLoadProject    CommandType = "loadProject"
	CmdSaveProject    CommandType = "saveProject"
	CmdExport         CommandType = "export"
	CmdRecordVideo    CommandType = "recordVideo"
	CmdRunScript      CommandType = "runScript"
	CmdStopScript     CommandType = "stopScript"
	CmdAddSchedule    CommandType = "addSchedule"
	CmdRemoveSchedule CommandType = "removeSchedule"
)

// Command is the envelope for incoming requests to change state or perform actions.
type Command struct {
	Type    CommandType            `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// CommandChannel is the single channel that the core Agent listens to for commands.
type CommandChannel chan Command

// Dispatch sends cmd without blocking and reports whether it was accepted.
func (c CommandChannel) Dispatch(cmd Command) bool {
	select {
	case c <- cmd:
		return true
	default:
		return false
	}
}
