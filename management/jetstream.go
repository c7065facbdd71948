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

package management

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/core"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// EventStreamParam list parameters for defining the event stream
type EventStreamParam struct {
	// Name is the stream name
	Name string `json:"name" validate:"required"`
	// Subjects are the subjects the stream collects
	Subjects []string `json:"subjects" validate:"required,gte=1"`
	// MaxAge is the retention window of the stream. Zero is unlimited.
	MaxAge time.Duration `json:"max_age"`
	// MemoryStorage whether the stream is held in memory instead of on file
	MemoryStorage bool `json:"memory_storage"`
	// Replicas is the number of stream replicas
	Replicas int `json:"replicas" validate:"gte=1"`
}

// DurableConsumerParam list parameters for defining a durable pull consumer
type DurableConsumerParam struct {
	// Name is the durable name
	Name string `json:"name" validate:"required"`
	// Notes is the consumer description
	Notes string `json:"notes,omitempty"`
	// FilterSubject limits the consumer to a subject filter
	FilterSubject string `json:"filter_subject,omitempty"`
	// MaxDeliver is the max number of deliveries per event
	MaxDeliver int `json:"max_deliver" validate:"required,gte=1"`
	// AckWait is how long the server waits for an ACK before redelivering
	AckWait time.Duration `json:"ack_wait" validate:"required"`
	// MaxInflight max number of un-ACKed message permitted in-flight
	MaxInflight int `json:"max_inflight" validate:"required,gte=1"`
}

// JetStreamController manage the JetStream objects the notification server depends on
type JetStreamController interface {
	// ========================================================
	// Stream related management
	// EnsureStream create the stream, or update it to match the parameters
	EnsureStream(ctxt context.Context, param EventStreamParam) (*nats.StreamInfo, error)
	// GetStream query for info on one JetStream stream by name
	GetStream(ctxt context.Context, name string) (*nats.StreamInfo, error)
	// DeleteStream delete a JetStream stream by name
	DeleteStream(ctxt context.Context, name string) error
	// ========================================================
	// Consumer related management
	// EnsureConsumer create the durable pull consumer, or update it to match the parameters
	EnsureConsumer(
		ctxt context.Context, stream string, param DurableConsumerParam,
	) (*nats.ConsumerInfo, error)
	// GetConsumer query for info of a consumer of a JetStream stream
	GetConsumer(ctxt context.Context, stream, consumer string) (*nats.ConsumerInfo, error)
	// DeleteConsumer delete consumer of a JetSteam stream
	DeleteConsumer(ctxt context.Context, stream, consumer string) error
}

// jetStreamControllerImpl manage JetStream
type jetStreamControllerImpl struct {
	common.Component
	core     core.NatsClient
	validate *validator.Validate
}

// GetJetStreamController define JetStreamController
func GetJetStreamController(
	natsCore core.NatsClient, instance string,
) (JetStreamController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return jetStreamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// StreamParamFromConfig convert the stream config into EventStreamParam
func StreamParamFromConfig(config common.StreamConfig) EventStreamParam {
	return EventStreamParam{
		Name:          config.Name,
		Subjects:      config.Subjects,
		MaxAge:        common.SecondsToDuration(config.MaxAge),
		MemoryStorage: config.Storage == "memory",
		Replicas:      config.Replicas,
	}
}

// ConsumerParamFromConfig convert the consumer config into DurableConsumerParam
func ConsumerParamFromConfig(name string, config common.ConsumerConfig) DurableConsumerParam {
	return DurableConsumerParam{
		Name:          name,
		Notes:         "notification fan-out consumer",
		FilterSubject: config.FilterSubject,
		MaxDeliver:    config.MaxDeliver,
		AckWait:       common.SecondsToDuration(config.AckWait),
		MaxInflight:   config.MaxAckPending,
	}
}

// DurableName name of the durable consumer of one instance. Characters NATS does not allow
// in a consumer name are replaced.
func DurableName(config common.ConsumerConfig, instance string) string {
	if config.DurableName != "" {
		return config.DurableName
	}
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, instance)
	return fmt.Sprintf("%s_%s", config.DurablePrefix, sanitized)
}

// =======================================================================
// Stream related controls

// GetStream get info on one stream
func (js jetStreamControllerImpl) GetStream(
	ctxt context.Context, name string,
) (*nats.StreamInfo, error) {
	info, err := js.core.JetStream().StreamInfo(name, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

// EnsureStream define the stream, or bring an existing one in line with the parameters
func (js jetStreamControllerImpl) EnsureStream(
	ctxt context.Context, param EventStreamParam,
) (*nats.StreamInfo, error) {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Invalid stream %s params", param.Name)
		return nil, err
	}
	storage := nats.FileStorage
	if param.MemoryStorage {
		storage = nats.MemoryStorage
	}

	existing, err := js.core.JetStream().StreamInfo(param.Name, nats.Context(ctxt))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to query stream %s", param.Name,
		)
		return nil, err
	}

	if existing == nil {
		// Convert to JetStream structure
		jsParams := nats.StreamConfig{
			Name:      param.Name,
			Subjects:  param.Subjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    param.MaxAge,
			Storage:   storage,
			Replicas:  param.Replicas,
		}
		info, err := js.core.JetStream().AddStream(&jsParams, nats.Context(ctxt))
		if err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to define new stream %s", param.Name,
			)
			return nil, err
		}
		log.WithFields(js.LogTags).Infof("Defined new stream %s", param.Name)
		return info, nil
	}

	// Storage type can't be changed once a stream exists
	if existing.Config.Storage != storage {
		log.WithFields(js.LogTags).Warnf(
			"Stream %s storage is %s, keeping it", param.Name, existing.Config.Storage,
		)
	}
	currentConfig := existing.Config
	currentConfig.Subjects = param.Subjects
	currentConfig.MaxAge = param.MaxAge
	currentConfig.Replicas = param.Replicas
	info, err := js.core.JetStream().UpdateStream(&currentConfig, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to update stream %s", param.Name,
		)
		return nil, err
	}
	log.WithFields(js.LogTags).Infof("Updated stream %s", param.Name)
	return info, nil
}

// DeleteStream delete an existing stream
func (js jetStreamControllerImpl) DeleteStream(ctxt context.Context, name string) error {
	if err := js.core.JetStream().DeleteStream(name, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted stream %s", name)
	return nil
}

// =======================================================================
// Consumer related controls

// GetConsumer get info on one consumer of a stream
func (js jetStreamControllerImpl) GetConsumer(
	ctxt context.Context, stream, consumer string,
) (*nats.ConsumerInfo, error) {
	info, err := js.core.JetStream().ConsumerInfo(stream, consumer, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to get consumer %s of stream %s info", consumer, stream,
		)
	}
	return info, err
}

// EnsureConsumer define the durable pull consumer. Re-running with the same durable name
// re-attaches to the existing consumer, so un-ACKed events are redelivered.
func (js jetStreamControllerImpl) EnsureConsumer(
	ctxt context.Context, stream string, param DurableConsumerParam,
) (*nats.ConsumerInfo, error) {
	// Verify the parameters are acceptable
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to define new consumer %s for stream %s", param.Name, stream,
		)
		return nil, err
	}
	// Convert to JetStream structure
	jsParams := nats.ConsumerConfig{
		Durable:       param.Name,
		Description:   param.Notes,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       param.AckWait,
		MaxDeliver:    param.MaxDeliver,
		FilterSubject: param.FilterSubject,
		MaxAckPending: param.MaxInflight,
	}

	existing, err := js.core.JetStream().ConsumerInfo(stream, param.Name, nats.Context(ctxt))
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to query consumer %s of stream %s", param.Name, stream,
		)
		return nil, err
	}

	if existing != nil {
		// Deliver policy is fixed at creation
		jsParams.DeliverPolicy = existing.Config.DeliverPolicy
		info, err := js.core.JetStream().UpdateConsumer(stream, &jsParams, nats.Context(ctxt))
		if err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to update consumer %s of stream %s", param.Name, stream,
			)
			return nil, err
		}
		log.WithFields(js.LogTags).Infof(
			"Re-attached to consumer %s of stream %s", param.Name, stream,
		)
		return info, nil
	}

	// Define the consumer
	info, err := js.core.JetStream().AddConsumer(stream, &jsParams, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to define new consumer %s for stream %s", param.Name, stream,
		)
		return nil, err
	}
	log.WithFields(js.LogTags).Infof(
		"Defined new consumer %s for stream %s", param.Name, stream,
	)
	return info, nil
}

// DeleteConsumer delete consumer from a stream
func (js jetStreamControllerImpl) DeleteConsumer(
	ctxt context.Context, stream, consumer string,
) error {
	if err := js.core.JetStream().DeleteConsumer(stream, consumer, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to delete consumer %s from stream %s", consumer, stream,
		)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted consumer %s from stream %s", consumer, stream)
	return nil
}
