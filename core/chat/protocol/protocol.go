// Package protocol defines the JSON frames exchanged with chat clients. The
// same schema is used whether a client is attached directly to an instance or
// through the relay gateway.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the "type" discriminator of a frame.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindMessage     Kind = "message"
	KindAuthSuccess Kind = "auth_success"
	KindAuthError   Kind = "auth_error"
	KindUserList    Kind = "user_list"
	KindUserJoined  Kind = "user_joined"
	KindUserLeft    Kind = "user_left"
)

// Client-visible auth failure messages.
const (
	MsgAuthTimeout     = "Authentication timeout"
	MsgInvalidToken    = "Invalid token"
	MsgProfileNotFound = "User profile not found"
)

// TimestampLayout is the ISO-8601 UTC layout used for message timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformedFrame is returned for input that is not a JSON object with a type.
var ErrMalformedFrame = errors.New("malformed frame")

// Identity is the resolved owner of an authenticated connection.
type Identity struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	TenantID    string `json:"tenantId"`
	SubUnitID   string `json:"subUnitId,omitempty"`
}

// RoomKey returns the broadcast group for this identity.
func (id Identity) RoomKey() string {
	return RoomKey(id.TenantID, id.SubUnitID)
}

// User returns the roster entry for this identity.
func (id Identity) User() User {
	return User{Email: id.Email, DisplayName: id.DisplayName}
}

// RoomKey is the sub-unit id when one is assigned, else the tenant id.
func RoomKey(tenantID, subUnitID string) string {
	if sub := strings.TrimSpace(subUnitID); sub != "" {
		return sub
	}
	return strings.TrimSpace(tenantID)
}

// User is a roster entry.
type User struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Inbound is a decoded client frame: AuthFrame, MessageFrame or UnknownFrame.
type Inbound interface {
	inbound()
}

type AuthFrame struct {
	Token string
}

// MessageFrame carries opaque ciphertext; Payload and IV are never parsed.
type MessageFrame struct {
	Payload json.RawMessage
	IV      json.RawMessage
}

// UnknownFrame is any well-formed frame with an unrecognised type.
type UnknownFrame struct {
	Type string
}

func (AuthFrame) inbound()    {}
func (MessageFrame) inbound() {}
func (UnknownFrame) inbound() {}

type rawFrame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload"`
	IV      json.RawMessage `json:"iv"`
}

// Decode parses a client frame.
func Decode(data []byte) (Inbound, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch Kind(raw.Type) {
	case KindAuth:
		return AuthFrame{Token: raw.Token}, nil
	case KindMessage:
		return MessageFrame{Payload: orNull(raw.Payload), IV: orNull(raw.IV)}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return UnknownFrame{Type: raw.Type}, nil
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Outbound frames.

type AuthSuccess struct{}

type AuthError struct {
	Message string
}

type UserList struct {
	Users []User
}

type UserJoined struct {
	User
}

type UserLeft struct {
	Email string
}

// Broadcast is a relayed chat message. It is also the body the instance
// control surface echoes back from /message.
type Broadcast struct {
	Type      Kind            `json:"type"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	IV        json.RawMessage `json:"iv"`
	Timestamp string          `json:"timestamp"`
}

// NewBroadcast stamps a message from sender at now.
func NewBroadcast(from string, payload, iv json.RawMessage, now time.Time) Broadcast {
	return Broadcast{
		Type:      KindMessage,
		From:      from,
		Payload:   orNull(payload),
		IV:        orNull(iv),
		Timestamp: now.UTC().Format(TimestampLayout),
	}
}

// Outbound is any frame the server sends.
type Outbound interface {
	outbound()
}

func (AuthSuccess) outbound() {}
func (AuthError) outbound()   {}
func (UserList) outbound()    {}
func (UserJoined) outbound()  {}
func (UserLeft) outbound()    {}
func (Broadcast) outbound()   {}

// Encode serialises an outbound frame.
func Encode(frame Outbound) ([]byte, error) {
	switch f := frame.(type) {
	case AuthSuccess:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindAuthSuccess})
	case AuthError:
		return json.Marshal(struct {
			Type    Kind   `json:"type"`
			Message string `json:"message"`
		}{KindAuthError, f.Message})
	case UserList:
		users := f.Users
		if users == nil {
			users = []User{}
		}
		return json.Marshal(struct {
			Type  Kind   `json:"type"`
			Users []User `json:"users"`
		}{KindUserList, users})
	case UserJoined:
		return json.Marshal(struct {
			Type        Kind   `json:"type"`
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
		}{KindUserJoined, f.Email, f.DisplayName})
	case UserLeft:
		return json.Marshal(struct {
			Type  Kind   `json:"type"`
			Email string `json:"email"`
		}{KindUserLeft, f.Email})
	case Broadcast:
		f.Type = KindMessage
		f.Payload = orNull(f.Payload)
		f.IV = orNull(f.IV)
		return json.Marshal(f)
	default:
		return nil, fmt.Errorf("unsupported outbound frame %T", frame)
	}
}

// MustEncode is Encode for frames whose fields always marshal.
func MustEncode(frame Outbound) []byte {
	data, err := Encode(frame)
	if err != nil {
		panic(err)
	}
	return data
}
