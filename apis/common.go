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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/fechatter/notifyd/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// restHandlerBase base of the notification API handlers
type restHandlerBase struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineRestHandlerBase define restHandlerBase
func defineRestHandlerBase(logTags log.Fields, httpConfig *common.HTTPConfig) restHandlerBase {
	return restHandlerBase{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
	}
}

// logTagsFor log tags of one request
func (h restHandlerBase) logTagsFor(r *http.Request) log.Fields {
	tags := h.GetLogTagsForContext(r.Context())
	if merged, err := common.UpdateLogTags(r.Context(), tags); err == nil {
		return merged
	}
	return tags
}

// reply write a REST response
func (h restHandlerBase) reply(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.logTagsFor(r)).Error("Failed to form response")
	}
}

// replyError write a standard REST error response
func (h restHandlerBase) replyError(
	w http.ResponseWriter, r *http.Request, respCode int, msg string, detail string,
) {
	h.reply(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail))
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h restHandlerBase) AttachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		if h.requestIDHeader != "" {
			rw.Header().Set(h.requestIDHeader, reqID)
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.Path,
			},
		)
		next(rw, r.WithContext(ctx))
	}
}

// requestIDOf the request ID attached by AttachRequestID
func requestIDOf(ctxt context.Context) string {
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// withTransport tag the request parameters of the context with the client transport
func withTransport(r *http.Request, transport string) *http.Request {
	param, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam)
	if !ok {
		param = common.RequestParam{Method: r.Method, URI: r.URL.Path}
	}
	param.Transport = transport
	return r.WithContext(context.WithValue(r.Context(), common.RequestParam{}, param))
}
