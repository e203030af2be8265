package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventName string

// Client to server.
const (
	EventJoin                EventName = "join"
	EventLeave               EventName = "leave"
	EventSendMessage         EventName = "sendMessage"
	EventTyping              EventName = "typing"
	EventStopTyping          EventName = "stopTyping"
	EventMessageSeen         EventName = "messageSeen"
	EventRequestOnlineStatus EventName = "requestOnlineStatus"
)

// Server to client.
const (
	EventMessage           EventName = "message"
	EventUserTyping        EventName = "userTyping"
	EventUserStoppedTyping EventName = "userStoppedTyping"
	EventMessageSeenUpdate EventName = "messageSeenUpdate"
	EventUnreadCountUpdate EventName = "unreadCountUpdate"
	EventLastMessageUpdate EventName = "lastMessageUpdate"
	EventUserOnline        EventName = "userOnline"
	EventUserOffline       EventName = "userOffline"
	EventOnlineFriends     EventName = "onlineFriends"
	EventOnlineStatus      EventName = "onlineStatus"
	EventError             EventName = "error"
)

// Envelope is a single websocket frame.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is implemented by every payload pushed to clients.
type ServerEvent interface {
	EventName() EventName
}

func NewEnvelope(ev ServerEvent) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", ev.EventName(), err)
	}
	return Envelope{Event: ev.EventName(), Data: data}, nil
}

type MessageEvent struct {
	ChatID     string  `json:"chatId"`
	NewMessage Message `json:"newMessage"`
}

func (MessageEvent) EventName() EventName { return EventMessage }

type UserTypingEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

func (UserTypingEvent) EventName() EventName { return EventUserTyping }

type UserStoppedTypingEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

func (UserStoppedTypingEvent) EventName() EventName { return EventUserStoppedTyping }

type MessageSeenUpdateEvent struct {
	ChatID       string       `json:"chatId"`
	MessageID    string       `json:"messageId"`
	SeenBy       string       `json:"seenBy"`
	UnreadCounts UnreadCounts `json:"unreadCounts"`
}

func (MessageSeenUpdateEvent) EventName() EventName { return EventMessageSeenUpdate }

type UnreadCountUpdateEvent struct {
	ChatID       string       `json:"chatId"`
	UnreadCounts UnreadCounts `json:"unreadCounts"`
}

func (UnreadCountUpdateEvent) EventName() EventName { return EventUnreadCountUpdate }

type LastMessageUpdateEvent struct {
	ChatID      string      `json:"chatId"`
	LastMessage LastMessage `json:"lastMessage"`
}

func (LastMessageUpdateEvent) EventName() EventName { return EventLastMessageUpdate }

type UserOnlineEvent struct {
	UserID string `json:"userId"`
}

func (UserOnlineEvent) EventName() EventName { return EventUserOnline }

type UserOfflineEvent struct {
	UserID string `json:"userId"`
}

func (UserOfflineEvent) EventName() EventName { return EventUserOffline }

type OnlineFriendsEvent struct {
	FriendIDs []string `json:"friendIds"`
}

func (OnlineFriendsEvent) EventName() EventName { return EventOnlineFriends }

type OnlineStatusEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (OnlineStatusEvent) EventName() EventName { return EventOnlineStatus }

// ErrorEvent is sent only to the connection whose request failed.
type ErrorEvent struct {
	Event     EventName `json:"event"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (ErrorEvent) EventName() EventName { return EventError }

const (
	CodeNotAuthorized = "NotAuthorized"
	CodeNotFound      = "NotFound"
	CodeTransientIO   = "TransientIO"
	CodeInvalidState  = "InvalidState"
	CodeInvalidInput  = "InvalidInput"
	CodeRateLimited   = "RateLimited"
	CodeInternal      = "Internal"
)

// ErrorCode maps an error onto the wire error taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTransientIO):
		return CodeTransientIO
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	}
	return CodeInternal
}

func NewErrorEvent(event EventName, err error) ErrorEvent {
	code := ErrorCode(err)
	return ErrorEvent{
		Event:     event,
		Code:      code,
		Message:   err.Error(),
		Retryable: code == CodeTransientIO,
	}
}

// ClientEvent is the closed set of requests a client may send.
type ClientEvent interface {
	EventName() EventName
	clientEvent()
}

type JoinRequest struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId,omitempty"`
}

type LeaveRequest struct {
	ChatID string `json:"chatId"`
}

type SendMessageRequest struct {
	ChatID      string      `json:"chatId"`
	SenderID    string      `json:"senderId"`
	MessageType MessageType `json:"messageType"`
	Message     string      `json:"message"`
	ImageURL    string      `json:"imageUrl,omitempty"`
	Timestamp   int64       `json:"timeStamp,omitempty"`
	ClientID    string      `json:"clientId,omitempty"`
}

type TypingRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type StopTypingRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type MessageSeenRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SeenBy    string `json:"seenBy"`
}

type OnlineStatusRequest struct {
	FriendID string `json:"friendId"`
}

func (JoinRequest) EventName() EventName         { return EventJoin }
func (LeaveRequest) EventName() EventName        { return EventLeave }
func (SendMessageRequest) EventName() EventName  { return EventSendMessage }
func (TypingRequest) EventName() EventName       { return EventTyping }
func (StopTypingRequest) EventName() EventName   { return EventStopTyping }
func (MessageSeenRequest) EventName() EventName  { return EventMessageSeen }
func (OnlineStatusRequest) EventName() EventName { return EventRequestOnlineStatus }

func (JoinRequest) clientEvent()         {}
func (LeaveRequest) clientEvent()        {}
func (SendMessageRequest) clientEvent()  {}
func (TypingRequest) clientEvent()       {}
func (StopTypingRequest) clientEvent()   {}
func (MessageSeenRequest) clientEvent()  {}
func (OnlineStatusRequest) clientEvent() {}

// DecodeClientEvent turns a raw frame into its typed request.
func DecodeClientEvent(env Envelope) (ClientEvent, error) {
	var ev ClientEvent
	switch env.Event {
	case EventJoin:
		ev = &JoinRequest{}
	case EventLeave:
		ev = &LeaveRequest{}
	case EventSendMessage:
		ev = &SendMessageRequest{}
	case EventTyping:
		ev = &TypingRequest{}
	case EventStopTyping:
		ev = &StopTypingRequest{}
	case EventMessageSeen:
		ev = &MessageSeenRequest{}
	case EventRequestOnlineStatus:
		ev = &OnlineStatusRequest{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidInput, env.Event)
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidInput, env.Event, err)
		}
	}

	// Hand out values, not pointers, so handlers switch on plain types.
	switch v := ev.(type) {
	case *JoinRequest:
		return *v, nil
	case *LeaveRequest:
		return *v, nil
	case *SendMessageRequest:
		return *v, nil
	case *TypingRequest:
		return *v, nil
	case *StopTypingRequest:
		return *v, nil
	case *MessageSeenRequest:
		return *v, nil
	case *OnlineStatusRequest:
		return *v, nil
	}
	return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidInput, env.Event)
}
