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
	"context"
	"encoding/json"
	"fmt"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/core"
)

// PublishAck where a published event landed in the stream
type PublishAck struct {
	Stream   string
	Sequence uint64
}

// EventPublisher publishes chat domain events into JetStream, the same way the chat API does
type EventPublisher interface {
	// Publish publishes a raw event body on a subject
	Publish(ctxt context.Context, subject string, body []byte) (PublishAck, error)
	// PublishEvent publishes an event of a kind on a subject. The payload fields are
	// merged with the "event" tag.
	PublishEvent(
		ctxt context.Context, subject string, tag string, payload interface{},
	) (PublishAck, error)
}

// jetStreamPublisherImpl implements EventPublisher
type jetStreamPublisherImpl struct {
	common.Component
	nats core.NatsClient
}

// GetJetStreamPublisher get new EventPublisher
func GetJetStreamPublisher(natsClient core.NatsClient, instance string) (EventPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: common.Component{LogTags: logTags}, nats: natsClient,
	}, nil
}

// TagEventBody build an event body: the payload's fields plus the "event" tag
func TagEventBody(tag string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("event payload is not a JSON object: %w", err)
	}
	tagJSON, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	fields["event"] = tagJSON
	return json.Marshal(fields)
}

// PublishEvent publishes a tagged event
func (s *jetStreamPublisherImpl) PublishEvent(
	ctxt context.Context, subject string, tag string, payload interface{},
) (PublishAck, error) {
	body, err := TagEventBody(tag, payload)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to build %s event", tag)
		return PublishAck{}, err
	}
	return s.Publish(ctxt, subject, body)
}

// Publish publishes a new event into JetStream on a subject
func (s *jetStreamPublisherImpl) Publish(
	ctxt context.Context, subject string, body []byte,
) (PublishAck, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, s.LogTags)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to update logtags")
		return PublishAck{}, err
	}
	if err := common.ValidateSubjectName(subject); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send event")
		return PublishAck{}, err
	}
	ack, err := s.nats.JetStream().PublishAsync(subject, body)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send event")
		return PublishAck{}, err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Event send failure")
			return PublishAck{}, err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return PublishAck{Stream: goodSig.Stream, Sequence: goodSig.Sequence}, nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Event send failure")
			return PublishAck{}, err
		}
		return PublishAck{}, txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Event send timed out")
		return PublishAck{}, err
	}
}
