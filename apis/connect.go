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
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/affinity"
	"github.com/fechatter/notifyd/auth"
	"github.com/fechatter/notifyd/common"
	"github.com/fechatter/notifyd/registry"
	"golang.org/x/time/rate"
)

// ConnectParams connect endpoint parameters
type ConnectParams struct {
	// Instance is the name of this notification server instance
	Instance string
	// HandshakeTimeout bounds token verification plus membership checks
	HandshakeTimeout time.Duration
	// HeartbeatInterval is the interval between keep-alive writes
	HeartbeatInterval time.Duration
	// MaxChats is the max number of chats declared on connect
	MaxChats int
	// AcceptRate is the sustained rate of new connections accepted per second
	AcceptRate float64
	// AcceptBurst is the burst size of new connections accepted
	AcceptBurst int
	// AllowedOrigins is the list of origins permitted to open a WebSocket. Empty allows all.
	AllowedOrigins []string
}

// ConnectParamsFromConfig build connect endpoint parameters from config
func ConnectParamsFromConfig(instance string, config *common.SystemConfig) ConnectParams {
	return ConnectParams{
		Instance:          instance,
		HandshakeTimeout:  common.SecondsToDuration(config.Connection.HandshakeTimeout),
		HeartbeatInterval: common.SecondsToDuration(config.Connection.HeartbeatInterval),
		MaxChats:          config.Connection.MaxChats,
		AcceptRate:        config.Connection.AcceptRate,
		AcceptBurst:       config.Connection.AcceptBurst,
		AllowedOrigins:    config.Notify.Endpoints.AllowedOrigins,
	}
}

// ConnectHandler serves the long lived client connect endpoints
type ConnectHandler struct {
	restHandlerBase
	params     ConnectParams
	verifier   auth.TokenVerifier
	membership auth.MembershipChecker
	registry   registry.Registry
	admission  *rate.Limiter
	accepting  *atomic.Bool
}

// GetConnectHandler define ConnectHandler
func GetConnectHandler(
	params ConnectParams,
	httpConfig *common.HTTPConfig,
	verifier auth.TokenVerifier,
	membership auth.MembershipChecker,
	connections registry.Registry,
) (ConnectHandler, error) {
	logTags := log.Fields{
		"module": "apis", "component": "connect", "instance": params.Instance,
	}
	if params.HandshakeTimeout <= 0 {
		return ConnectHandler{}, fmt.Errorf("handshake timeout must be positive")
	}
	if params.HeartbeatInterval <= 0 {
		return ConnectHandler{}, fmt.Errorf("heartbeat interval must be positive")
	}
	if params.AcceptRate <= 0 || params.AcceptBurst < 1 {
		return ConnectHandler{}, fmt.Errorf(
			"invalid accept rate %f / burst %d", params.AcceptRate, params.AcceptBurst,
		)
	}
	accepting := &atomic.Bool{}
	accepting.Store(true)
	return ConnectHandler{
		restHandlerBase: defineRestHandlerBase(logTags, httpConfig),
		params:          params,
		verifier:        verifier,
		membership:      membership,
		registry:        connections,
		admission:       rate.NewLimiter(rate.Limit(params.AcceptRate), params.AcceptBurst),
		accepting:       accepting,
	}, nil
}

// StopAccepting refuse any further connection. Connections already open are unaffected.
func (h ConnectHandler) StopAccepting() {
	h.accepting.Store(false)
}

// Accepting whether new connections are accepted
func (h ConnectHandler) Accepting() bool {
	return h.accepting.Load()
}

// =======================================================================
// Handshake

// handshakeError a handshake failure and the response it maps to
type handshakeError struct {
	code       int
	msg        string
	err        error
	retryAfter time.Duration
}

func (e *handshakeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err.Error())
	}
	return e.msg
}

// admission result of a successful handshake
type admission struct {
	identity       auth.Identity
	clientIdentity string
	chats          []int64
	lastEventID    string
}

// extractToken read the bearer token from the Authorization header, or the access_token
// query parameter for clients which can't set headers (EventSource)
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// parseChatIDs read the declared chats from repeated chat_id parameters, or a comma
// separated chats parameter
func parseChatIDs(r *http.Request, maxChats int) ([]int64, error) {
	raw := r.URL.Query()["chat_id"]
	if csv := r.URL.Query().Get("chats"); csv != "" {
		raw = append(raw, strings.Split(csv, ",")...)
	}
	seen := map[int64]bool{}
	chats := []int64{}
	for _, one := range raw {
		one = strings.TrimSpace(one)
		if one == "" {
			continue
		}
		chatID, err := strconv.ParseInt(one, 10, 64)
		if err != nil || chatID <= 0 {
			return nil, fmt.Errorf("invalid chat ID '%s'", one)
		}
		if seen[chatID] {
			continue
		}
		seen[chatID] = true
		chats = append(chats, chatID)
	}
	if len(chats) > maxChats {
		return nil, fmt.Errorf("%d chats declared, at most %d allowed", len(chats), maxChats)
	}
	return chats, nil
}

// retryAfterSeconds the Retry-After header value of a delay
func retryAfterSeconds(delay time.Duration) string {
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// admit check whether the server takes one more connection
func (h ConnectHandler) admit() *handshakeError {
	if !h.accepting.Load() {
		return &handshakeError{
			code: http.StatusServiceUnavailable, msg: "Server is shutting down",
			retryAfter: time.Second,
		}
	}
	reservation := h.admission.Reserve()
	if !reservation.OK() {
		return &handshakeError{
			code: http.StatusServiceUnavailable, msg: "Connection rate limited",
			retryAfter: time.Second,
		}
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return &handshakeError{
			code: http.StatusServiceUnavailable, msg: "Connection rate limited",
			retryAfter: delay,
		}
	}
	return nil
}

// handshake authenticate the client and validate the chats it declared
func (h ConnectHandler) handshake(r *http.Request) (admission, *handshakeError) {
	if err := h.admit(); err != nil {
		return admission{}, err
	}

	chats, err := parseChatIDs(r, h.params.MaxChats)
	if err != nil {
		return admission{}, &handshakeError{
			code: http.StatusBadRequest, msg: "Invalid chat list", err: err,
		}
	}

	ctxt, cancel := context.WithTimeout(r.Context(), h.params.HandshakeTimeout)
	defer cancel()

	timedOut := func(err error) *handshakeError {
		return &handshakeError{
			code: http.StatusGatewayTimeout, msg: "Handshake timed out", err: err,
		}
	}

	identity, err := h.verifier.VerifyToken(ctxt, extractToken(r))
	if err != nil {
		if errors.Is(ctxt.Err(), context.DeadlineExceeded) {
			return admission{}, timedOut(err)
		}
		return admission{}, &handshakeError{
			code: http.StatusUnauthorized, msg: "Unauthorized", err: err,
		}
	}

	for _, chatID := range chats {
		member, err := h.membership.IsMember(ctxt, identity.UserID, chatID)
		if err != nil {
			if errors.Is(ctxt.Err(), context.DeadlineExceeded) {
				return admission{}, timedOut(err)
			}
			return admission{}, &handshakeError{
				code: http.StatusServiceUnavailable, msg: "Membership check failed", err: err,
				retryAfter: time.Second,
			}
		}
		if !member {
			return admission{}, &handshakeError{
				code: http.StatusForbidden,
				msg:  fmt.Sprintf("Not a member of chat %d", chatID),
				err:  auth.ErrNotMember,
			}
		}
	}
	if errors.Is(ctxt.Err(), context.DeadlineExceeded) {
		return admission{}, timedOut(ctxt.Err())
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_seq")
	}
	return admission{
		identity:       identity,
		clientIdentity: affinity.ClientIdentity(r, identity.UserID),
		chats:          chats,
		lastEventID:    lastEventID,
	}, nil
}

// routingKeys the keys a connection is subscribed to on admission
func (a admission) routingKeys() []common.RoutingKey {
	keys := []common.RoutingKey{
		common.UserRoutingKey(a.identity.UserID),
		common.WorkspaceRoutingKey(a.identity.WorkspaceID),
	}
	for _, chatID := range a.chats {
		keys = append(keys, common.ChatRoutingKey(chatID))
	}
	return keys
}

// rejectHandshake write the response for a failed handshake
func (h ConnectHandler) rejectHandshake(
	w http.ResponseWriter, r *http.Request, failure *handshakeError,
) {
	localLogTags := h.logTagsFor(r)
	if failure.code >= http.StatusInternalServerError {
		log.WithError(failure.err).WithFields(localLogTags).Warnf(
			"Connection refused: %s", failure.msg,
		)
	} else {
		log.WithError(failure.err).WithFields(localLogTags).Infof(
			"Connection refused: %s", failure.msg,
		)
	}
	if failure.retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(failure.retryAfter))
	}
	if failure.code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="notify"`)
	}
	detail := failure.msg
	if failure.err != nil {
		detail = failure.err.Error()
	}
	h.replyError(w, r, failure.code, failure.msg, detail)
}

// open run the handshake, then register the connection
func (h ConnectHandler) open(
	w http.ResponseWriter, r *http.Request, transport string,
) (admission, registry.Session, bool) {
	admitted, failure := h.handshake(r)
	if failure != nil {
		h.rejectHandshake(w, r, failure)
		return admission{}, registry.Session{}, false
	}
	session, err := h.registry.Admit(
		registry.ConnectionMeta{
			Transport:      transport,
			RemoteAddr:     r.RemoteAddr,
			ClientIdentity: admitted.clientIdentity,
			RequestID:      requestIDOf(r.Context()),
		},
		admitted.identity.UserID,
		admitted.identity.WorkspaceID,
		admitted.routingKeys(),
	)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, registry.ErrTooManySubscriptions) {
			code = http.StatusBadRequest
		}
		h.rejectHandshake(w, r, &handshakeError{
			code: code, msg: "Unable to register connection", err: err,
		})
		return admission{}, registry.Session{}, false
	}
	if admitted.lastEventID != "" {
		log.WithFields(h.logTagsFor(r)).Debugf(
			"Connection %s resuming after %s, sequence restarts at 1",
			session.ID, admitted.lastEventID,
		)
	}
	return admitted, session, true
}

// affinityHeaders response headers naming the hashing identity and the serving instance
func (h ConnectHandler) affinityHeaders(admitted admission) http.Header {
	headers := http.Header{}
	headers.Set(affinity.IdentityHeader, admitted.clientIdentity)
	headers.Set(affinity.InstanceHeader, h.params.Instance)
	return headers
}
