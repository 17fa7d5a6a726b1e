// Package executorregistry is the process-wide mapping from a string `type`
// to user-supplied handler code. Registration is open at any
// time before the owning engine starts accepting work of that type; once an
// engine's Start is called the registry backing it is treated as sealed —
// mutating it afterwards is a programming error, not a runtime concern this
// package polices.
package executorregistry

import (
	"fmt"
	"sync"

	"github.com/rezkam/workcoord/pkg/workitem"
)

// Registry holds job executors, batch-part executors, timer callbacks, and
// event trigger handlers, each keyed by their own `type` string namespace.
// The four namespaces are independent: a job engine and a batch engine can
// both register a handler under the type "send-email" without colliding.
type Registry struct {
	mu           sync.RWMutex
	jobs         map[string]workitem.JobExecutor
	batchParts   map[string]workitem.BatchPartExecutor
	timerHooks   map[string]workitem.TimerCallback
	eventTargets map[string]workitem.EventTrigger
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		jobs:         make(map[string]workitem.JobExecutor),
		batchParts:   make(map[string]workitem.BatchPartExecutor),
		timerHooks:   make(map[string]workitem.TimerCallback),
		eventTargets: make(map[string]workitem.EventTrigger),
	}
}

// RegisterJob registers a handler for the given job type.
func (r *Registry) RegisterJob(jobType string, exec workitem.JobExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobType] = exec
}

// Job looks up the handler for a job type. ok is false if none is
// registered; a missing handler is fatal for the individual work item.
func (r *Registry) Job(jobType string) (workitem.JobExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.jobs[jobType]
	return exec, ok
}

// RegisterBatchPart registers a handler for the given batch/part type.
func (r *Registry) RegisterBatchPart(partType string, exec workitem.BatchPartExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchParts[partType] = exec
}

// BatchPart looks up the handler for a batch part type.
func (r *Registry) BatchPart(partType string) (workitem.BatchPartExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.batchParts[partType]
	return exec, ok
}

// RegisterTimerCallback registers a callback for the given timer
// callback-config type.
func (r *Registry) RegisterTimerCallback(callbackType string, cb workitem.TimerCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerHooks[callbackType] = cb
}

// TimerCallback looks up the callback for a timer callback-config type.
func (r *Registry) TimerCallback(callbackType string) (workitem.TimerCallback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.timerHooks[callbackType]
	return cb, ok
}

// RegisterEventTrigger registers a downstream target for the given
// configuration type on an event subscription.
func (r *Registry) RegisterEventTrigger(configurationType string, target workitem.EventTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventTargets[configurationType] = target
}

// EventTrigger looks up the downstream target for a configuration type.
func (r *Registry) EventTrigger(configurationType string) (workitem.EventTrigger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.eventTargets[configurationType]
	return target, ok
}

// ErrNoHandler is returned by callers that want a Go error rather than an
// (exec, bool) pair, e.g. when building a log message.
type ErrNoHandler struct {
	Namespace string
	Type      string
}

func (e ErrNoHandler) Error() string {
	return fmt.Sprintf("executorregistry: no %s handler registered for type %q", e.Namespace, e.Type)
}
