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

// Package clock provides an abstract layer over the standard time package
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is an interface to the standard library time.
// It is used to implement a real or a mock clock. The latter is used in tests.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once the duration has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a one-shot timer created by AfterFunc
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

type clock struct{}

func (c *clock) Now() time.Time {
	return time.Now()
}

func (c *clock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a mock instance of clock
type Mock struct {
	mu          sync.RWMutex
	currentTime time.Time
	timers      []*mockTimer
}

type mockTimer struct {
	mock *Mock
	at   time.Time
	f    func()
	done bool
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.mock.removeTimer(t)

	return true
}

// removeTimer must be called with the lock held
func (c *Mock) removeTimer(t *mockTimer) {
	for i, tt := range c.timers {
		if tt == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// SetNow sets the current time for the mock clock. It does not fire timers.
func (c *Mock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = t
}

// Now returns the current time
func (c *Mock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

// AfterFunc registers f to be called once the mock time has been advanced
// by at least d.
func (c *Mock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{mock: c, at: c.currentTime.Add(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

// Advance moves the mock time forward and synchronously fires every timer
// that became due, in order of their deadlines.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.currentTime = c.currentTime.Add(d)

	var due []*mockTimer
	var rest []*mockTimer
	for _, t := range c.timers {
		if !t.at.After(c.currentTime) {
			t.done = true
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}

// PendingTimers returns the number of timers that have not fired yet
func (c *Mock) PendingTimers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.timers)
}

// New returns an instance of a real clock
func New() Clock {
	return &clock{}
}

// NewMock returns an instance of a mock clock
func NewMock() *Mock {
	return &Mock{
		currentTime: time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC),
	}
}
