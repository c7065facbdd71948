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

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fechatter/notifyd/common"
)

// StartDrainReaper periodically deregister connections which have been draining for longer
// than the drain grace, for transports which never noticed they were evicted
func StartDrainReaper(
	ctxt context.Context, wg *sync.WaitGroup, reg Registry, interval time.Duration,
) (common.IntervalTimer, error) {
	timer, err := common.GetIntervalTimerInstance("drain-reaper", ctxt, wg)
	if err != nil {
		return nil, err
	}
	if err := timer.Start(interval, func() error {
		reg.ReapDraining()
		return nil
	}, false); err != nil {
		return nil, err
	}
	return timer, nil
}
