// Copyright 2022 The notifyd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fechatter/notifyd/common"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventKind discriminant of a chat domain event
type EventKind string

// Known chat domain event kinds
const (
	MessageCreated   EventKind = "MessageCreated"
	MemberJoined     EventKind = "MemberJoined"
	MemberLeft       EventKind = "MemberLeft"
	MessageRead      EventKind = "MessageRead"
	MessageDeleted   EventKind = "MessageDeleted"
	TypingStatus     EventKind = "TypingStatus"
	UserPresence     EventKind = "UserPresence"
	ChatCreated      EventKind = "ChatCreated"
	DuplicateMessage EventKind = "DuplicateMessage"
	Generic          EventKind = "Generic"
)

// kindAliases maps the event tag names used by the chat API onto event kinds
var kindAliases = map[string]EventKind{
	"NewMessage":                MessageCreated,
	"UserJoinedChat":            MemberJoined,
	"UserLeftChat":              MemberLeft,
	"NewChat":                   ChatCreated,
	"DuplicateMessageAttempted": DuplicateMessage,
}

// ==============================================================================
// Event payloads

// MessageCreatedPayload a new message was posted to a chat
type MessageCreatedPayload struct {
	ID       int64 `json:"id" validate:"required,gt=0"`
	ChatID   int64 `json:"chat_id" validate:"required,gt=0"`
	SenderID int64 `json:"sender_id" validate:"gte=0"`
}

// MemberPayload a user joined or left a chat
type MemberPayload struct {
	ChatID int64 `json:"chat_id" validate:"required,gt=0"`
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// MessageReadPayload a user read a message
type MessageReadPayload struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
	ChatID    int64 `json:"chat_id" validate:"required,gt=0"`
	ReaderID  int64 `json:"reader_id" validate:"required,gt=0"`
}

// MessageDeletedPayload a message was deleted
type MessageDeletedPayload struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
	ChatID    int64 `json:"chat_id" validate:"required,gt=0"`
	DeletedBy int64 `json:"deleted_by" validate:"gte=0"`
}

// TypingPayload a user started or stopped typing
type TypingPayload struct {
	ChatID   int64 `json:"chat_id" validate:"required,gt=0"`
	UserID   int64 `json:"user_id" validate:"required,gt=0"`
	IsTyping bool  `json:"is_typing"`
}

// PresencePayload a user's presence changed
type PresencePayload struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Status string `json:"status" validate:"required,oneof=online offline away"`
}

// ChatCreatedPayload a chat was created
type ChatCreatedPayload struct {
	ID          int64 `json:"id" validate:"required,gt=0"`
	WorkspaceID int64 `json:"workspace_id" validate:"gte=0"`
}

// DuplicateMessagePayload a duplicate message post was rejected
type DuplicateMessagePayload struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
	ChatID         int64  `json:"chat_id" validate:"required,gt=0"`
	SenderID       int64  `json:"sender_id" validate:"required,gt=0"`
}

// ==============================================================================
// Codec table

// eventCodec decode and serialize functions of one event kind
type eventCodec struct {
	// decode parse and validate the event body
	decode func(body []byte) (interface{}, error)
	// messageID fetch the message ID carried by the payload, if any
	messageID func(payload interface{}) *int64
	// originator fetch the user who caused the event, if it is not sent back to them
	originator func(payload interface{}) int64
}

var payloadValidator = validator.New()

func decodeInto[T any](body []byte) (interface{}, error) {
	var payload T
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if err := payloadValidator.Struct(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func noMessageID(interface{}) *int64 {
	return nil
}

var codecs = map[EventKind]eventCodec{
	MessageCreated: {
		decode: decodeInto[MessageCreatedPayload],
		messageID: func(p interface{}) *int64 {
			id := p.(MessageCreatedPayload).ID
			return &id
		},
		originator: func(p interface{}) int64 {
			return p.(MessageCreatedPayload).SenderID
		},
	},
	MemberJoined: {decode: decodeInto[MemberPayload], messageID: noMessageID},
	MemberLeft:   {decode: decodeInto[MemberPayload], messageID: noMessageID},
	MessageRead: {
		decode: decodeInto[MessageReadPayload],
		messageID: func(p interface{}) *int64 {
			id := p.(MessageReadPayload).MessageID
			return &id
		},
	},
	MessageDeleted: {
		decode: decodeInto[MessageDeletedPayload],
		messageID: func(p interface{}) *int64 {
			id := p.(MessageDeletedPayload).MessageID
			return &id
		},
	},
	TypingStatus: {
		decode:    decodeInto[TypingPayload],
		messageID: noMessageID,
		originator: func(p interface{}) int64 {
			return p.(TypingPayload).UserID
		},
	},
	UserPresence:     {decode: decodeInto[PresencePayload], messageID: noMessageID},
	ChatCreated:      {decode: decodeInto[ChatCreatedPayload], messageID: noMessageID},
	DuplicateMessage: {decode: decodeInto[DuplicateMessagePayload], messageID: noMessageID},
	Generic: {
		decode: func(body []byte) (interface{}, error) {
			var payload map[string]interface{}
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
		messageID: noMessageID,
	},
}

// ResolveEventKind map an event tag onto a known event kind. Unknown tags are Generic.
func ResolveEventKind(tag string) EventKind {
	if kind, ok := kindAliases[tag]; ok {
		return kind
	}
	if _, ok := codecs[EventKind(tag)]; ok {
		return EventKind(tag)
	}
	return Generic
}

// ==============================================================================

// EventSequence JetStream sequence numbers of an event
type EventSequence struct {
	Stream   uint64 `json:"stream"`
	Consumer uint64 `json:"consumer"`
}

// InboundEvent a chat domain event read from the bus
type InboundEvent struct {
	// Subject is the NATS subject the event was published on
	Subject string
	// Key is the routing key derived from the subject
	Key common.RoutingKey
	// WorkspaceID is the workspace derived from the subject
	WorkspaceID int64
	// Kind is the event kind
	Kind EventKind
	// Tag is the event tag as published
	Tag string
	// Payload is the decoded event payload
	Payload interface{}
	// MessageID is the ID of the chat message the event refers to, if any
	MessageID *int64
	// Originator is the user whose own connections don't receive the event. 0 when the
	// event goes to every subscriber.
	Originator int64
	// Body is the raw event body
	Body []byte
	// Sequence is the JetStream sequence of the event
	Sequence EventSequence
	// NumDelivered is the number of times the event has been delivered
	NumDelivered uint64
	// DecodeErr is set when the event could not be decoded
	DecodeErr error

	msg *nats.Msg
}

// String toString function
func (e *InboundEvent) String() string {
	return fmt.Sprintf(
		"%s:EVT[%s S:%d C:%d D:%d]",
		e.Subject, e.Kind, e.Sequence.Stream, e.Sequence.Consumer, e.NumDelivered,
	)
}

// DecodeEvent decode an event body published on a subject.
//
// Decoding never fails outright: a subject or body which can't be processed is reported
// through DecodeErr so the caller can route the event through its poison handling.
func DecodeEvent(subject string, body []byte) *InboundEvent {
	event := &InboundEvent{Subject: subject, Body: body, Kind: Generic}
	info, err := common.ParseSubject(subject)
	if err != nil {
		event.DecodeErr = err
		return event
	}
	event.Key = info.Key
	event.WorkspaceID = info.WorkspaceID

	var tagged struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &tagged); err != nil {
		event.DecodeErr = fmt.Errorf("event body is not a JSON object: %w", err)
		return event
	}
	event.Tag = tagged.Event
	event.Kind = ResolveEventKind(tagged.Event)
	codec := codecs[event.Kind]
	payload, err := codec.decode(body)
	if err != nil {
		event.DecodeErr = fmt.Errorf("invalid %s payload: %w", event.Kind, err)
		return event
	}
	event.Payload = payload
	event.MessageID = codec.messageID(payload)
	if codec.originator != nil {
		event.Originator = codec.originator(payload)
	}
	return event
}

// decodeJetStreamMsg decode a JetStream message into an InboundEvent
func decodeJetStreamMsg(msg *nats.Msg) *InboundEvent {
	event := DecodeEvent(msg.Subject, msg.Data)
	event.msg = msg
	if meta, err := msg.Metadata(); err == nil {
		event.Sequence = EventSequence{
			Stream: meta.Sequence.Stream, Consumer: meta.Sequence.Consumer,
		}
		event.NumDelivered = meta.NumDelivered
	}
	return event
}

// ==============================================================================

// FrameBody the shared part of an outbound frame: built once per event and referenced by
// every connection the event is delivered to
type FrameBody struct {
	// Kind is the event kind
	Kind EventKind
	// Key is the routing key the event was delivered on
	Key common.RoutingKey
	// MessageID is the chat message the event refers to, if any
	MessageID *int64
	// Data is the compacted event JSON
	Data json.RawMessage
}

// BuildFrameBody serialize an event into the frame body shared by all its recipients
func BuildFrameBody(event *InboundEvent) (*FrameBody, error) {
	if event.DecodeErr != nil {
		return nil, event.DecodeErr
	}
	compacted := bytes.Buffer{}
	if err := json.Compact(&compacted, event.Body); err != nil {
		return nil, err
	}
	return &FrameBody{
		Kind:      event.Kind,
		Key:       event.Key,
		MessageID: event.MessageID,
		Data:      compacted.Bytes(),
	}, nil
}

// wireFrame is the JSON layout of a frame on the wire
type wireFrame struct {
	Seq       uint64            `json:"seq"`
	Kind      EventKind         `json:"kind"`
	Key       common.RoutingKey `json:"key"`
	MessageID *int64            `json:"message_id,omitempty"`
	Data      json.RawMessage   `json:"data"`
}

// EncodeFrame serialize a frame body with its per-connection sequence number
func EncodeFrame(seq uint64, body *FrameBody) ([]byte, error) {
	return json.Marshal(wireFrame{
		Seq:       seq,
		Kind:      body.Kind,
		Key:       body.Key,
		MessageID: body.MessageID,
		Data:      body.Data,
	})
}
