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
	"net/http"

	"github.com/gorilla/mux"
)

// BuildRouter define the notification API routes
func BuildRouter(pathPrefix string, connect ConnectHandler, health HealthHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	v1Router := RegisterPathPrefix(mainRouter, "/v1", nil)

	// Client connections
	_ = RegisterPathPrefix(v1Router, "/events", map[string]http.HandlerFunc{
		"get": connect.ServeSSEHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/ws", map[string]http.HandlerFunc{
		"get": connect.ServeWebSocketHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": health.AliveHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": health.ReadyHandler(),
	})

	// Operator queries
	_ = RegisterPathPrefix(v1Router, "/online/chat/{chatID}", map[string]http.HandlerFunc{
		"get": health.OnlineUsersHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/connection/{connectionID}", map[string]http.HandlerFunc{
		"get": health.GetConnectionHandler(),
	})

	return router
}
