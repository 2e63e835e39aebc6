package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeConnectionEstablished Type = "connection_established"
	TypePong                  Type = "pong"
	TypeTypingIndicator       Type = "typing_indicator"
	TypeMessageRead           Type = "message_read"
	TypeNewMessage            Type = "new_message"
	TypeSMSReceived           Type = "sms_received"
	TypeVerificationCompleted Type = "verification_completed"
	TypeVerificationExpired   Type = "verification_expired"
	TypeUserStatus            Type = "user_status"
	TypeError                 Type = "error"
)

// Event is one of the outbound variants declared in this package.
type Event interface {
	Type() Type
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type ConnectionEstablished struct {
	ConnectionId string `json:"connection_id"`
	UserId       string `json:"user_id"`
}

type Pong struct{}

type TypingIndicator struct {
	ConversationId string   `json:"conversation_id"`
	UserId         string   `json:"user_id"`
	IsTyping       bool     `json:"is_typing"`
	TypingUsers    []string `json:"typing_users"`
}

type MessageRead struct {
	ConversationId string `json:"conversation_id"`
	MessageId      string `json:"message_id"`
	UserId         string `json:"user_id"`
}

type NewMessage struct {
	ConversationId string `json:"conversation_id"`
	MessageId      string `json:"message_id"`
	SenderId       string `json:"sender_id"`
	Body           string `json:"body"`
}

type SMSReceived struct {
	VerificationId string   `json:"verification_id"`
	Messages       []string `json:"messages"`
}

type VerificationCompleted struct {
	VerificationId string `json:"verification_id"`
	Code           string `json:"code"`
	Message        string `json:"message"`
}

type VerificationExpired struct {
	VerificationId string `json:"verification_id"`
	ServiceName    string `json:"service_name,omitempty"`
}

type UserStatus struct {
	UserId string `json:"user_id"`
	Status Status `json:"status"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ConnectionEstablished) Type() Type { return TypeConnectionEstablished }
func (Pong) Type() Type                  { return TypePong }
func (TypingIndicator) Type() Type       { return TypeTypingIndicator }
func (MessageRead) Type() Type           { return TypeMessageRead }
func (NewMessage) Type() Type            { return TypeNewMessage }
func (SMSReceived) Type() Type           { return TypeSMSReceived }
func (VerificationCompleted) Type() Type { return TypeVerificationCompleted }
func (VerificationExpired) Type() Type   { return TypeVerificationExpired }
func (UserStatus) Type() Type            { return TypeUserStatus }
func (Error) Type() Type                 { return TypeError }

// Envelope is the wire form of an event: the variant's fields flattened next
// to "type" and "timestamp".
type Envelope struct {
	Event     Event
	Timestamp time.Time
}

func New(e Event) Envelope {
	return Envelope{
		Event:     e,
		Timestamp: time.Now().UTC(),
	}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, errors.New("envelope without event")
	}

	raw, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	fields["type"], _ = json.Marshal(e.Event.Type())
	fields["timestamp"], err = json.Marshal(e.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var header struct {
		Type      Type      `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}

	decoded, err := decode(header.Type, data)
	if err != nil {
		return err
	}

	e.Event = decoded
	e.Timestamp = header.Timestamp

	return nil
}

func decode(t Type, data []byte) (Event, error) {
	switch t {
	case TypeConnectionEstablished:
		return decodeAs[ConnectionEstablished](data)
	case TypePong:
		return Pong{}, nil
	case TypeTypingIndicator:
		return decodeAs[TypingIndicator](data)
	case TypeMessageRead:
		return decodeAs[MessageRead](data)
	case TypeNewMessage:
		return decodeAs[NewMessage](data)
	case TypeSMSReceived:
		return decodeAs[SMSReceived](data)
	case TypeVerificationCompleted:
		return decodeAs[VerificationCompleted](data)
	case TypeVerificationExpired:
		return decodeAs[VerificationExpired](data)
	case TypeUserStatus:
		return decodeAs[UserStatus](data)
	case TypeError:
		return decodeAs[Error](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	return v, nil
}
