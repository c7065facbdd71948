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
	"fmt"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/nats-io/nats.go"
)

// Dead letter message headers
const (
	HeaderOriginalSubject = "Notify-Original-Subject"
	HeaderNumDelivered    = "Notify-Num-Delivered"
	HeaderStreamSequence  = "Notify-Stream-Sequence"
	HeaderFailureReason   = "Notify-Failure-Reason"
)

// DeadLetterSink operator visible channel for events which exhausted their deliveries
type DeadLetterSink interface {
	// Report record a poison event and why it could not be processed
	Report(ctxt context.Context, event *InboundEvent, reason error)
}

// natsDeadLetterSinkImpl implements DeadLetterSink, logging the event and optionally
// republishing it on a dead letter subject
type natsDeadLetterSinkImpl struct {
	common.Component
	nc      *nats.Conn
	subject string
}

// GetDeadLetterSink define a dead letter sink. If nc is nil, dead letters are only logged.
func GetDeadLetterSink(
	nc *nats.Conn, subjectPrefix, stream, consumer string,
) (DeadLetterSink, error) {
	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, stream, consumer)
	logTags := log.Fields{
		"module": "dataplane", "component": "dead-letter", "instance": subject,
	}
	if err := common.ValidateSubjectName(subject); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid dead letter subject")
		return nil, err
	}
	return &natsDeadLetterSinkImpl{
		Component: common.Component{LogTags: logTags}, nc: nc, subject: subject,
	}, nil
}

// Report record a poison event
func (s *natsDeadLetterSinkImpl) Report(ctxt context.Context, event *InboundEvent, reason error) {
	localLogTags, err := common.UpdateLogTags(ctxt, s.LogTags)
	if err != nil {
		localLogTags = s.LogTags
	}
	log.WithError(reason).WithFields(localLogTags).WithFields(log.Fields{
		"original_subject":    event.Subject,
		"dead_letter_subject": s.subject,
		"stream_seq":          event.Sequence.Stream,
		"num_delivered":       event.NumDelivered,
		"event_kind":          event.Kind,
	}).Errorf("Dead letter %s", event)
	if s.nc == nil {
		return
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = event.Body
	msg.Header.Set(HeaderOriginalSubject, event.Subject)
	msg.Header.Set(HeaderNumDelivered, fmt.Sprintf("%d", event.NumDelivered))
	msg.Header.Set(HeaderStreamSequence, fmt.Sprintf("%d", event.Sequence.Stream))
	if reason != nil {
		msg.Header.Set(HeaderFailureReason, reason.Error())
	}
	if err := s.nc.PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to republish dead letter %s", event)
	}
}
