package server

import (
	"encoding/json"
)

type EventType string

const (
	// EventClientsUpdated carries the registry snapshot after every join and leave.
	EventClientsUpdated EventType = "clients-updated"
	// EventMessagesFromServer is used in both directions: clients send chat
	// text under this name and the server relays it to everyone under it.
	EventMessagesFromServer EventType = "messages-from-server"
)

// NoMessageText replaces an empty or missing chat message.
const NoMessageText = "no-message"

type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Payload sent to every client when a chat message is relayed
type ChatMessage struct {
	FullName string `json:"fullName"`
	Message  string `json:"message"`
}

func (e ChatMessage) Raw() json.RawMessage {
	return raw(e)
}

// ClientsUpdated is the ordered list of connected identities.
type ClientsUpdated []ClientSummary

func (e ClientsUpdated) Raw() json.RawMessage {
	if e == nil {
		e = ClientsUpdated{}
	}
	return raw(e)
}

func raw(v any) json.RawMessage {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return json.RawMessage(bytes)
}

func newEvent(payload json.RawMessage, eventType EventType) Event {
	return Event{
		Payload: payload,
		Type:    eventType,
	}
}

func newClientsUpdatedEvent(snapshot []ClientSummary) Event {
	return newEvent(ClientsUpdated(snapshot).Raw(), EventClientsUpdated)
}

func newChatMessageEvent(fullName, message string) Event {
	if message == "" {
		message = NoMessageText
	}
	payload := ChatMessage{
		FullName: fullName,
		Message:  message,
	}
	return newEvent(payload.Raw(), EventMessagesFromServer)
}

func (e Event) toBytes() ([]byte, error) {
	return json.Marshal(e)
}
