// Copyright (C) 2023 Warkive, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package pool runs stage-tagged pipeline tasks on a
// bounded set of workers.
//
// This is deliberately not a generic executor: the
// controller knows the stage of every task so that a
// stage's success callback can re-inject the successor
// stages of the same piece of work. Successors go to the
// front of the pending queue, which drives in-flight work
// to completion before new input is drawn and so caps the
// peak on-disk temp footprint.
package pool

import "fmt"

// Handler defines the behavior of one stage.
type Handler struct {
	// Run executes the task body on a worker goroutine.
	// It must not touch the controller.
	Run func(args interface{}) (interface{}, error)
	// OnSuccess, if non-nil, runs on the controller
	// goroutine after Run returns nil; it may submit
	// follow-up tasks through c.
	OnSuccess func(c *Controller, result interface{})
	// OnError, if non-nil, runs on the controller
	// goroutine after Run fails. It is informational: the
	// worker slot is released and sibling tasks continue
	// regardless.
	OnError func(c *Controller, args interface{}, err error)
}

type task struct {
	stage string
	args  interface{}
}

type completion struct {
	task   task
	result interface{}
	err    error
}

// Controller owns the pending queue and the worker slots.
// All methods must be called from a single goroutine (the
// controller); Run bodies are the only code that executes
// elsewhere.
type Controller struct {
	// Logf, if non-nil, receives scheduler diagnostics.
	Logf func(f string, args ...interface{})

	workers  int
	avail    int
	handlers map[string]Handler
	pending  []task
	done     chan completion
}

// New returns a controller with n worker slots (minimum 1).
func New(n int) *Controller {
	if n < 1 {
		n = 1
	}
	return &Controller{
		workers:  n,
		avail:    n,
		handlers: make(map[string]Handler),
		done:     make(chan completion, n),
	}
}

func (c *Controller) logf(f string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(f, args...)
	}
}

// Handle registers the handler for a stage. Submitting a
// stage with no handler is a scheduling bug; such tasks
// are dropped with a log line when dispatched.
func (c *Controller) Handle(stage string, h Handler) {
	c.handlers[stage] = h
}

// Submit appends a task to the back of the pending queue.
func (c *Controller) Submit(stage string, args interface{}) {
	c.pending = append(c.pending, task{stage, args})
}

// Push inserts a task at the front of the pending queue.
// Success callbacks use it for successor stages so earlier
// work finishes before new input starts.
func (c *Controller) Push(stage string, args interface{}) {
	c.pending = append([]task{{stage, args}}, c.pending...)
}

// Drain dispatches until the pending queue is empty and
// every worker is idle. Callbacks run inline on the
// calling goroutine between dispatches, so tasks they
// inject are drained too. Drain can be called again after
// enqueueing more work; the builder uses that for its
// final seal-and-compress phase.
func (c *Controller) Drain() {
	for {
		for c.avail > 0 && len(c.pending) > 0 {
			t := c.pending[0]
			c.pending = c.pending[1:]
			h, ok := c.handlers[t.stage]
			if !ok {
				c.logf("dropping task with unknown stage %q", t.stage)
				continue
			}
			c.avail--
			go func(t task, run func(interface{}) (interface{}, error)) {
				res, err := runTask(run, t.args)
				c.done <- completion{t, res, err}
			}(t, h.Run)
		}
		if c.avail == c.workers && len(c.pending) == 0 {
			return
		}
		comp := <-c.done
		c.avail++
		h := c.handlers[comp.task.stage]
		if comp.err != nil {
			if h.OnError != nil {
				h.OnError(c, comp.task.args, comp.err)
			}
			continue
		}
		if h.OnSuccess != nil {
			h.OnSuccess(c, comp.result)
		}
	}
}

// runTask confines a panicking task body to its own slot.
func runTask(run func(interface{}) (interface{}, error), args interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return run(args)
}

// Close discards the handler table and the pending queue.
// The controller is not reusable afterwards: a task
// submitted later is dropped with a log line when drained.
func (c *Controller) Close() {
	c.handlers = nil
	c.pending = nil
}
