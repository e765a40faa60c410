package server

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// ClientCommand is the envelope of every frame a client sends.
type ClientCommand struct {
	Payload json.RawMessage `json:"payload"`
	Type    EventType       `json:"type"`
}

// ClientChatCommand is the payload of a messages-from-server command. Message
// may be omitted.
type ClientChatCommand struct {
	Message string `json:"message"`
}

func decodeCommand(message []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return ClientCommand{}, errors.Wrap(err, "unmarshal command")
	}
	if cmd.Type == "" {
		return ClientCommand{}, errors.New("command has no type")
	}
	return cmd, nil
}

func decodeChatCommand(payload json.RawMessage) (ClientChatCommand, error) {
	var chat ClientChatCommand
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return chat, nil
	}
	if err := json.Unmarshal(trimmed, &chat); err != nil {
		return ClientChatCommand{}, errors.Wrap(err, "unmarshal chat payload")
	}
	return chat, nil
}
