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

package apis

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/dispatch"
	"github.com/fechatter/notifyd/registry"
	"github.com/gorilla/mux"
)

// BusStatus reports event bus connectivity
type BusStatus interface {
	// IsConnected whether the bus connection is up
	IsConnected() bool
}

// DispatchStatus reports the dispatcher counters
type DispatchStatus interface {
	// Stats get the dispatcher counters
	Stats() dispatch.Stats
}

// HealthHandler serves the health and operator endpoints
type HealthHandler struct {
	restHandlerBase
	instance    string
	bus         BusStatus
	dispatcher  DispatchStatus
	connections registry.Registry
	accepting   func() bool
}

// GetHealthHandler define HealthHandler
func GetHealthHandler(
	instance string,
	httpConfig *common.HTTPConfig,
	bus BusStatus,
	dispatcher DispatchStatus,
	connections registry.Registry,
	accepting func() bool,
) (HealthHandler, error) {
	logTags := log.Fields{"module": "apis", "component": "health", "instance": instance}
	if accepting == nil {
		accepting = func() bool { return true }
	}
	return HealthHandler{
		restHandlerBase: defineRestHandlerBase(logTags, httpConfig),
		instance:        instance,
		bus:             bus,
		dispatcher:      dispatcher,
		connections:     connections,
		accepting:       accepting,
	}, nil
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the notification server is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h HealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h HealthHandler) AliveHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// ReadinessStatus state reported by the readiness check
type ReadinessStatus struct {
	Instance     string         `json:"instance"`
	BusConnected bool           `json:"bus_connected"`
	Accepting    bool           `json:"accepting"`
	Connections  int            `json:"connections"`
	Dispatcher   dispatch.Stats `json:"dispatcher"`
}

// APIRestRespReadiness response to the readiness check
type APIRestRespReadiness struct {
	goutils.RestAPIBaseResponse
	Status ReadinessStatus `json:"status"`
}

// Ready godoc
// @Summary For readiness check
// @Description Report event bus connectivity, dispatcher state and the active connection
// count. Fails when the bus is disconnected or the server is shutting down.
// @tags Health
// @Produce json
// @Success 200 {object} APIRestRespReadiness "success"
// @Failure 503 {object} APIRestRespReadiness "not ready"
// @Router /v1/ready [get]
func (h HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := ReadinessStatus{
		Instance:     h.instance,
		BusConnected: h.bus.IsConnected(),
		Accepting:    h.accepting(),
		Connections:  h.connections.Count(),
	}
	if h.dispatcher != nil {
		status.Dispatcher = h.dispatcher.Stats()
	}

	if status.BusConnected && status.Accepting {
		h.reply(w, r, http.StatusOK, APIRestRespReadiness{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Status:              status,
		})
		return
	}

	msg := "not ready"
	detail := "event bus disconnected"
	if !status.Accepting {
		detail = "shutting down"
	}
	log.WithFields(h.logTagsFor(r)).Debugf("Readiness check failed: %s", detail)
	h.reply(w, r, http.StatusServiceUnavailable, APIRestRespReadiness{
		RestAPIBaseResponse: h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, detail,
		),
		Status: status,
	})
}

// ReadyHandler Wrapper around Ready
func (h HealthHandler) ReadyHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}

// =======================================================================
// Operator queries

// APIRestRespOnlineUsers response listing the users online in a chat
type APIRestRespOnlineUsers struct {
	goutils.RestAPIBaseResponse
	ChatID int64   `json:"chat_id"`
	Users  []int64 `json:"users"`
}

// OnlineUsers godoc
// @Summary List users online in a chat
// @Description List the users with a connection to this instance subscribed to a chat
// @tags Operator
// @Produce json
// @Param chatID path integer true "Chat ID"
// @Success 200 {object} APIRestRespOnlineUsers "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/online/chat/{chatID} [get]
func (h HealthHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsFor(r)
	chatID, err := strconv.ParseInt(mux.Vars(r)["chatID"], 10, 64)
	if err != nil || chatID <= 0 {
		msg := "Invalid chat ID"
		detail := fmt.Sprintf("'%s' is not a chat ID", mux.Vars(r)["chatID"])
		log.WithFields(localLogTags).Error(detail)
		h.replyError(w, r, http.StatusBadRequest, msg, detail)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespOnlineUsers{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ChatID:              chatID,
		Users:               h.connections.OnlineUsers(common.ChatRoutingKey(chatID)),
	})
}

// OnlineUsersHandler Wrapper around OnlineUsers
func (h HealthHandler) OnlineUsersHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.OnlineUsers(w, r)
	})
}

// APIRestRespConnection response describing one connection
type APIRestRespConnection struct {
	goutils.RestAPIBaseResponse
	Connection registry.ConnectionInfo `json:"connection"`
}

// GetConnection godoc
// @Summary Describe one connection
// @Description Describe one connection of this instance
// @tags Operator
// @Produce json
// @Param connectionID path string true "Connection ID"
// @Success 200 {object} APIRestRespConnection "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connection/{connectionID} [get]
func (h HealthHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	connID := mux.Vars(r)["connectionID"]
	info, err := h.connections.Get(connID)
	if err != nil {
		msg := "Unknown connection"
		log.WithError(err).WithFields(h.logTagsFor(r)).Debugf("%s %s", msg, connID)
		h.replyError(w, r, http.StatusNotFound, msg, err.Error())
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespConnection{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Connection:          info,
	})
}

// GetConnectionHandler Wrapper around GetConnection
func (h HealthHandler) GetConnectionHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	})
}
