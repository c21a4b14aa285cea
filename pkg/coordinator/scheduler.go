/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package coordinator

import (
	"context"

	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
)

// DefaultSchedule runs a session every fifteen minutes
const DefaultSchedule = "@every 15m"

// Scheduler runs sessions periodically
type Scheduler struct {
	c    *Coordinator
	ctx  context.Context
	cron *cron.Cron
}

// NewScheduler returns a scheduler running a session on the given cron
// schedule. An empty schedule means DefaultSchedule.
func NewScheduler(ctx context.Context, c *Coordinator, schedule string) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	s := &Scheduler{c: c, ctx: ctx, cron: cron.New()}
	if err := s.cron.AddFunc(schedule, s.Tick); err != nil {
		return nil, errors.Wrapf(err, "parsing schedule %s", schedule)
	}

	return s, nil
}

// Tick runs a session unless one is already running
func (s *Scheduler) Tick() {
	if s.c.Active() {
		log.Debug("skipping scheduled synchronization, a session is running")
		return
	}

	if _, err := s.c.Synchronize(s.ctx, Options{}); err != nil {
		if errors.Is(err, sync.ErrAlreadyRunning) || errors.Is(err, sync.ErrStopped) {
			return
		}

		log.ErrorWrap(err, "scheduled synchronization")
	}
}

// Start starts the schedule
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the schedule. A running session is not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
