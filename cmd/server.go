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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/apis"
	"github.com/fechatter/notifyd/auth"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/core"
	"github.com/fechatter/notifyd/dataplane"
	"github.com/fechatter/notifyd/dispatch"
	"github.com/fechatter/notifyd/management"
	"github.com/fechatter/notifyd/registry"
	"github.com/fechatter/notifyd/subscription"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// prepareEventConsumer make sure the stream and this instance's durable consumer exist, then
// subscribe to the consumer
func prepareEventConsumer(
	ctxt context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
	logTags log.Fields,
) (dataplane.EventConsumer, error) {
	controller, err := management.GetJetStreamController(natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define JetStream controller")
		return nil, err
	}

	setupCtxt, cancel := context.WithTimeout(ctxt, common.SecondsToDuration(config.NATS.ConnectTimeout))
	defer cancel()

	if _, err := controller.EnsureStream(
		setupCtxt, management.StreamParamFromConfig(config.Stream),
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to prepare stream %s", config.Stream.Name,
		)
		return nil, err
	}

	durable := management.DurableName(config.Consumer, instance)
	if _, err := controller.EnsureConsumer(
		setupCtxt, config.Stream.Name, management.ConsumerParamFromConfig(durable, config.Consumer),
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to prepare durable consumer %s", durable,
		)
		return nil, err
	}

	return dataplane.GetJetStreamEventConsumer(natsClient, dataplane.EventConsumerParam{
		Stream:                 config.Stream.Name,
		Durable:                durable,
		FilterSubject:          config.Consumer.FilterSubject,
		ResubscribeInitialWait: common.SecondsToDuration(config.NATS.Reconnect.InitialWait),
		ResubscribeMaxWait:     common.SecondsToDuration(config.NATS.Reconnect.MaxWait),
	})
}

// RunNotificationServer run the notification server until the runtime context is cancelled
func RunNotificationServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "notify-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Event intake

	consumer, err := prepareEventConsumer(localCtxt, config, instance, natsClient, logTags)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close event consumer")
		}
	}()

	var deadLetterConn *nats.Conn
	if config.DeadLetter.Publish {
		deadLetterConn = natsClient.NATs()
	}
	deadLetter, err := dataplane.GetDeadLetterSink(
		deadLetterConn, config.DeadLetter.SubjectPrefix, consumer.Stream(), consumer.Durable(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dead letter sink")
		return err
	}

	// -------------------------------------------------------------------
	// Connection state

	index := subscription.GetIndex(instance, config.Connection.IndexShards)
	connections, err := registry.GetRegistry(
		instance, registry.ParamsFromConfig(config.Connection), index,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	reapInterval := common.SecondsToDuration(config.Connection.DrainGrace)
	if reapInterval < time.Second {
		reapInterval = time.Second
	}
	reaper, err := registry.StartDrainReaper(localCtxt, wg, connections, reapInterval)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start drain reaper")
		return err
	}
	defer func() {
		_ = reaper.Stop()
	}()

	dispatcher, err := dispatch.GetDispatcher(
		instance,
		dispatch.ParamsFromConfig(config.Consumer, config.NATS.Reconnect),
		consumer,
		index,
		connections,
		deadLetter,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	// -------------------------------------------------------------------
	// Collaborators

	verifier, err := auth.GetTokenVerifierFromConfig(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}

	membership, err := auth.GetPostgresMembership(localCtxt, config.Membership)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to chat database")
		return err
	}
	defer membership.Close()

	// -------------------------------------------------------------------
	// HTTP server

	httpConfig := &config.Notify.HTTPSetting
	connect, err := apis.GetConnectHandler(
		apis.ConnectParamsFromConfig(instance, config),
		httpConfig,
		verifier,
		membership,
		connections,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connect handler")
		return err
	}

	health, err := apis.GetHealthHandler(
		instance, httpConfig, natsClient, dispatcher, connections, connect.Accepting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}

	router := apis.BuildRouter(config.Notify.Endpoints.PathPrefix, connect, health)

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: common.SecondsToDuration(httpConfig.Server.WriteTimeout),
		ReadTimeout:  common.SecondsToDuration(httpConfig.Server.ReadTimeout),
		IdleTimeout:  common.SecondsToDuration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start reading events
	if err := dispatcher.Start(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start dispatcher")
		return err
	}

	// Start the server
	serverFailed := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverFailed <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverFailed:
	}

	log.WithFields(logTags).Info("Shutting down")

	// Refuse new connections, then stop taking events off the bus. Events not yet ACKed are
	// redelivered to this durable consumer after restart.
	connect.StopAccepting()
	if err := dispatcher.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping dispatcher")
	}

	// Streaming connections are not closed by http.Server.Shutdown
	drainGrace := common.SecondsToDuration(config.Connection.DrainGrace)
	{
		ctxt, cancel := context.WithTimeout(context.Background(), drainGrace+time.Second)
		defer cancel()
		if forced := connections.DrainAll(ctxt, drainGrace); forced > 0 {
			log.WithFields(logTags).Warnf("%d connections did not drain in time", forced)
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
