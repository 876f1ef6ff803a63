package core

import "fmt"

// Code is the wire-level error taxonomy. Clients switch on these; the
// message is advisory.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeChannelFull        Code = "CHANNEL_FULL"
	CodeNotInChannel       Code = "NOT_IN_CHANNEL"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeTransportNotOwned  Code = "TRANSPORT_NOT_OWNED"
	CodeProducerNotOwned   Code = "PRODUCER_NOT_OWNED"
	CodeConsumerNotOwned   Code = "CONSUMER_NOT_OWNED"
	CodeCapabilityRequired Code = "CAPABILITY_REQUIRED"
	CodeVideoSlotsFull     Code = "VIDEO_SLOTS_FULL"
	CodeNotFound           Code = "NOT_FOUND"
	CodeEngineUnavailable  Code = "ENGINE_UNAVAILABLE"
	CodeRoomNotFound       Code = "ROOM_NOT_FOUND"
)

// Error is the typed failure returned to clients for every rejected request.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
