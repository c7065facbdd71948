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

package common

import (
	"context"
	"fmt"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags build a copy of the log tags, extended with the request parameters
// attached to the context (if any)
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if !ok {
			return original, fmt.Errorf("request parameter in context is not RequestParam")
		}
		v.UpdateLogTags(newLogTags)
	}
	return newLogTags, nil
}

// GetUnitTestNatsURI helper function to define the NATS server URI used by unit-tests
//
// Returns an empty string when NATS_HOST is not defined.
func GetUnitTestNatsURI() string {
	natsHost := os.Getenv("NATS_HOST")
	if natsHost == "" {
		return ""
	}
	natsPort := os.Getenv("NATS_PORT")
	if natsPort == "" {
		natsPort = "4222"
	}
	return fmt.Sprintf("nats://%s:%s", natsHost, natsPort)
}
