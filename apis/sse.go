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
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/fechatter/notifyd/registry"
)

// sseWriter writes server-sent events
type sseWriter struct {
	out     io.Writer
	flusher http.Flusher
}

// event write one event. data must not contain line breaks.
func (s sseWriter) event(id, name string, data []byte) error {
	buf := bytes.Buffer{}
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", name, data)
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment write a comment line, which clients ignore
func (s sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.out, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// retry set the client reconnect delay
func (s sseWriter) retry(delay time.Duration) error {
	if _, err := fmt.Fprintf(s.out, "retry: %d\n\n", delay.Milliseconds()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// frame write one outbound frame
func (s sseWriter) frame(frame registry.OutboundFrame) error {
	payload, err := frame.Encode()
	if err != nil {
		return err
	}
	return s.event(strconv.FormatUint(frame.Seq, 10), string(frame.Body.Kind), payload)
}

// ServeSSE godoc
// @Summary Open a server-sent event stream
// @Description Authenticate with a bearer token, subscribe to the declared chats, then
// stream notification frames. The stream also carries the user's own notifications and
// workspace broadcasts.
// @tags Notify
// @Produce text/event-stream
// @Param Authorization header string false "Bearer token"
// @Param access_token query string false "Bearer token, for clients which can't set headers"
// @Param chat_id query []integer false "Chats to subscribe to" collectionFormat(multi)
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Failure 504 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events [get]
func (h ConnectHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	r = withTransport(r, TransportSSE)
	flusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(h.logTagsFor(r)).Error(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, msg)
		return
	}

	admitted, session, ok := h.open(w, r, TransportSSE)
	if !ok {
		return
	}
	defer h.registry.Deregister(session.ID)

	localLogTags := h.logTagsFor(r)
	localLogTags["connection"] = session.ID
	localLogTags["user"] = admitted.identity.UserID

	for header, values := range h.affinityHeaders(admitted) {
		w.Header()[header] = values
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out := sseWriter{out: w, flusher: flusher}
	greeting, err := h.greeting(admitted, session)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to build greeting")
		return
	}
	if err := out.retry(time.Second * 3); err != nil {
		return
	}
	if err := out.event("", "session", greeting); err != nil {
		log.WithError(err).WithFields(localLogTags).Info("Client gone before greeting")
		return
	}
	log.WithFields(localLogTags).Info("SSE stream open")

	heartbeat := time.NewTicker(h.params.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-session.Evict:
			log.WithFields(localLogTags).Warn("Connection evicted")
			return

		case <-session.Drain:
			if err := flushQueued(session, out.frame); err != nil {
				log.WithError(err).WithFields(localLogTags).Info("Write failed while draining")
				return
			}
			_ = out.event("", "close", []byte(`{"reason":"draining"}`))
			log.WithFields(localLogTags).Info("SSE stream drained")
			return

		case <-r.Context().Done():
			log.WithFields(localLogTags).Info("SSE stream closed by client")
			return

		case frame := <-session.Frames:
			if err := out.frame(frame); err != nil {
				log.WithError(err).WithFields(localLogTags).Info("SSE write failed")
				return
			}
			h.registry.Touch(session.ID)

		case <-heartbeat.C:
			if err := out.comment("ping"); err != nil {
				log.WithError(err).WithFields(localLogTags).Info("SSE heartbeat failed")
				return
			}
			h.registry.Touch(session.ID)
		}
	}
}

// ServeSSEHandler Wrapper around ServeSSE
func (h ConnectHandler) ServeSSEHandler() http.HandlerFunc {
	return h.AttachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r)
	})
}
