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

package clock

import (
	"testing"
	"time"

	"github.com/dnote/notesync/pkg/assert"
)

func TestMockAdvance(t *testing.T) {
	c := NewMock()

	var fired []string
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "5s") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "1s") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "1m") })

	assert.Equal(t, c.PendingTimers(), 3, "pending timers mismatch")

	c.Advance(5 * time.Second)
	assert.DeepEqual(t, fired, []string{"1s", "5s"}, "fired timers mismatch")
	assert.Equal(t, c.PendingTimers(), 1, "pending timers mismatch after advance")

	c.Advance(time.Hour)
	assert.DeepEqual(t, fired, []string{"1s", "5s", "1m"}, "fired timers mismatch after second advance")
}

func TestMockTimerStop(t *testing.T) {
	c := NewMock()

	var fired bool
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.Equal(t, timer.Stop(), true, "first stop should succeed")
	assert.Equal(t, timer.Stop(), false, "second stop should be a noop")

	c.Advance(time.Minute)
	assert.Equal(t, fired, false, "stopped timer fired")
	assert.Equal(t, c.PendingTimers(), 0, "pending timers mismatch")
}

func TestMockSetNow(t *testing.T) {
	c := NewMock()
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	c.SetNow(now)
	assert.Equal(t, c.Now(), now, "now mismatch")
}
