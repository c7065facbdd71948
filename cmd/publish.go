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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/core"
	"github.com/fechatter/notifyd/dataplane"
	"github.com/go-playground/validator/v10"
)

// PublishArgs arguments of the publish subcommand
type PublishArgs struct {
	// Subject is the subject to publish on
	Subject string `validate:"required"`
	// Event is the event tag, e.g. NewMessage
	Event string `validate:"required"`
	// Payload is the JSON object carrying the event fields
	Payload string `validate:"required,json"`
	// Timeout bounds the publish
	Timeout time.Duration `validate:"required"`
}

// RunPublish publish one chat domain event, the way the chat API would. Used to exercise a
// running notification server.
func RunPublish(
	runTimeContext context.Context, args PublishArgs, instance string, natsClient core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publish",
		"instance":  instance,
	}

	if err := validator.New().Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish args")
		return err
	}

	publisher, err := dataplane.GetJetStreamPublisher(natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event publisher")
		return err
	}

	ctxt, cancel := context.WithTimeout(runTimeContext, args.Timeout)
	defer cancel()
	ack, err := publisher.PublishEvent(ctxt, args.Subject, args.Event, json.RawMessage(args.Payload))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to publish on %s", args.Subject)
		return err
	}
	fmt.Printf("published %s on %s: stream %s seq %d\n", args.Event, args.Subject, ack.Stream, ack.Sequence)
	return nil
}
