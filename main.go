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

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/fechatter/notifyd/cmd"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/core"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var publishArgs cmd.PublishArgs

var logTags log.Fields

// @title notifyd
// @version v0.1.0
// @description Real-time notification delivery for the fechatter chat platform

// @host localhost:3002
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Real-time notification delivery over SSE and WebSocket, fed by NATS JetStream",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Instance name
			&cli.StringFlag{
				Name:        "instance",
				Usage:       "Instance name, used for the durable consumer name. Hostname if not set.",
				Aliases:     []string{"i"},
				EnvVars:     []string{"NOTIFY_INSTANCE"},
				Value:       hostname,
				DefaultText: "hostname",
				Destination: &cmdArgs.Hostname,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the notification server",
				Description: "Consumes chat events from JetStream and fans them out to SSE and WebSocket clients",
				Action:      startNotificationServer,
			},
			{
				Name:        "publish",
				Usage:       "Publish one chat event",
				Description: "Publishes a chat domain event on JetStream, the same way the chat API does",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "subject",
						Usage:       "Subject to publish on, e.g. workspace.1.chat.42.messages",
						Aliases:     []string{"s"},
						Destination: &publishArgs.Subject,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "event",
						Usage:       "Event tag, e.g. NewMessage",
						Aliases:     []string{"e"},
						Destination: &publishArgs.Event,
						Required:    true,
					},
					&cli.StringFlag{
						Name:        "payload",
						Usage:       "Event fields as a JSON object",
						Aliases:     []string{"p"},
						Value:       "{}",
						DefaultText: "{}",
						Destination: &publishArgs.Payload,
						Required:    false,
					},
					&cli.DurationFlag{
						Name:        "timeout",
						Usage:       "Publish timeout",
						Aliases:     []string{"t"},
						Value:       time.Second * 5,
						DefaultText: "5s",
						Destination: &publishArgs.Timeout,
						Required:    false,
					},
				},
				Action: publishEvent,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing. Only the NATS section of the
// config is validated unless fullConfig is set.
func initialCmdArgsProcessing(fullConfig bool) (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	logTags["instance"] = cmdArgs.Hostname
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	var toValidate interface{} = &config.NATS
	if fullConfig {
		toValidate = &config
	}
	if err := validate.Struct(toValidate); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareJetStreamClient define the NATS client
func prepareJetStreamClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (core.NatsClient, error) {
	return core.GetJetStreamFromConfig(
		config,
		func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Errorf(
					"NATS client disconnected from server %s", config.ServerURI,
				)
			}
		},
		func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// SIGINT and SIGTERM start a graceful shutdown
		signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Server subcommand

// startNotificationServer run the notification server
func startNotificationServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(true)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	js, err := prepareJetStreamClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer js.Close(context.Background())

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunNotificationServer(runTimeContext, config, cmdArgs.Hostname, js, wg)
}

// ============================================================================
// Publish subcommand

// publishEvent publish one chat event
func publishEvent(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(false)
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	js, err := prepareJetStreamClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer js.Close(context.Background())

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunPublish(runTimeContext, publishArgs, cmdArgs.Hostname, js)
}
