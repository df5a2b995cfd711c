package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradewire/go-rfqhub/internal/types"
)

// ClientMessage is the inbound envelope. Type selects the handler;
// the remaining fields are populated per type. The original raw bytes
// are kept so unrecognized messages can be echoed back unchanged.
type ClientMessage struct {
	Type           string          `json:"type"`
	RfqId          int             `json:"rfqId,omitempty"`
	BidId          int             `json:"bidId,omitempty"`
	Action         string          `json:"action,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	NotificationId string          `json:"notificationId,omitempty"`
	Status         string          `json:"status,omitempty"`

	raw    json.RawMessage
	client *Client
}

// ServerMessage is implemented by every outbound message type.
type ServerMessage interface {
	serverMessage()
}

type BaseMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (BaseMessage) serverMessage() {}

func newBase(msgType string) BaseMessage {
	return BaseMessage{Type: msgType, Timestamp: Now()}
}

type ErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
}

type EchoMessage struct {
	BaseMessage
	Message json.RawMessage `json:"message"`
}

type PongMessage struct {
	BaseMessage
}

type ConnectionEstablishedMessage struct {
	BaseMessage
	Message       string                `json:"message"`
	Notifications []*types.Notification `json:"notifications"`
}

type RfqUpdateMessage struct {
	BaseMessage
	RfqId  int             `json:"rfqId"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	UserId int             `json:"userId"`
}

type NotificationMessage struct {
	BaseMessage
	Notification *types.Notification `json:"notification"`
}

type BidNotificationSentMessage struct {
	BaseMessage
	BidId int `json:"bidId"`
	RfqId int `json:"rfqId"`
}

type RfqSubscriptionMessage struct {
	BaseMessage
	RfqId int `json:"rfqId"`
}

type ChannelSubscriptionMessage struct {
	BaseMessage
	Channel string `json:"channel"`
}

type NotificationUpdatedMessage struct {
	BaseMessage
	NotificationId string `json:"notificationId"`
}

type UserNotificationsMessage struct {
	BaseMessage
	Notifications []*types.Notification `json:"notifications"`
	Count         int                   `json:"count"`
}

type PresenceUpdatedMessage struct {
	BaseMessage
	Status types.PresenceStatus `json:"status"`
}

// UserPresenceMessage is broadcast to admins on connect, disconnect and
// explicit presence changes.
type UserPresenceMessage struct {
	BaseMessage
	Event    string               `json:"event"`
	UserId   int                  `json:"userId"`
	Username string               `json:"username"`
	Role     types.Role           `json:"role"`
	Status   types.PresenceStatus `json:"status"`
}

type ActiveUser struct {
	UserId      int                  `json:"userId"`
	Username    string               `json:"username"`
	Role        types.Role           `json:"role"`
	Status      types.PresenceStatus `json:"status"`
	Connections int                  `json:"connections"`
	LastActive  time.Time            `json:"lastActive"`
}

type ActiveUsersMessage struct {
	BaseMessage
	Users []ActiveUser `json:"users"`
	Count int          `json:"count"`
}

func NewError(message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase("error"),
		Message:     message,
	}
}

func ErrMissingField(field string) *ErrorMessage {
	return NewError(fmt.Sprintf("Missing required field: %s", field))
}

func ErrUnauthorized() *ErrorMessage {
	return NewError("Unauthorized")
}

func ErrDatabase() *ErrorMessage {
	return NewError("Database error")
}

func ErrInvalidMessage() *ErrorMessage {
	return NewError("Invalid message format")
}

func NewEcho(raw json.RawMessage) *EchoMessage {
	return &EchoMessage{
		BaseMessage: newBase("echo"),
		Message:     raw,
	}
}

func NewPong() *PongMessage {
	return &PongMessage{BaseMessage: newBase("pong")}
}

func NewNotificationMessage(n *types.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage:  newBase("notification"),
		Notification: n,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
