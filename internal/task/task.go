// Package task implements the physical task DAG: the schedulable units
// compiled from an operator tree, the fan-in protocol that makes a task
// runnable once all its parents reported, and the one-shot results that
// carry streams or errors between tasks.
//
// A task is a tagged variant. Kind selects both its parent arity and how Run
// executes it; kind-specific data lives in the Storage and Fold payloads.
package task

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanpama/polystore/internal/meta"
	"github.com/hanpama/polystore/internal/operator"
	"github.com/hanpama/polystore/internal/stream"
)

// Kind selects the execution strategy of a task.
type Kind int

const (
	KindStorage Kind = iota
	KindGlobal
	KindConstantSource
	KindUnaryMemory
	KindBinaryMemory
	KindMultipleMemory
	KindFolded
	KindCompletedFolded
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "Storage"
	case KindGlobal:
		return "Global"
	case KindConstantSource:
		return "ConstantSource"
	case KindUnaryMemory:
		return "UnaryMemory"
	case KindBinaryMemory:
		return "BinaryMemory"
	case KindMultipleMemory:
		return "MultipleMemory"
	case KindFolded:
		return "Folded"
	case KindCompletedFolded:
		return "CompletedFolded"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsLeaf reports whether tasks of this kind have no parents.
func (k Kind) IsLeaf() bool {
	return k == KindStorage || k == KindGlobal || k == KindConstantSource
}

// StoragePayload is carried by Storage tasks.
type StoragePayload struct {
	Fragment *meta.Fragment
	// Unit overrides the fragment's unit, for copies sent to replicas.
	Unit string
	// Sync tasks are awaited by their caller; others are fire-and-forget.
	Sync bool
	// NeedBroadcasting replicates the task's side effects to the unit's
	// replicas.
	NeedBroadcasting bool
}

// UnitID is the storage unit the task runs on.
func (p *StoragePayload) UnitID() string {
	if p.Unit != "" {
		return p.Unit
	}
	if p.Fragment == nil {
		return ""
	}
	return p.Fragment.UnitID
}

// FoldPayload is carried by Folded tasks.
type FoldPayload struct {
	IncompleteRoot operator.Operator
}

// Metrics collects row counts and timings for a task. Pipeline stages
// report into it concurrently.
type Metrics struct {
	stream.Counters
	run atomic.Int64
}

// RunTime is the time spent inside Run.
func (m *Metrics) RunTime() time.Duration { return time.Duration(m.run.Load()) }

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Task is one schedulable unit of a physical plan.
type Task struct {
	id        ulid.ULID
	kind      Kind
	operators []operator.Operator
	arity     int32
	ready     atomic.Int32

	mu       sync.Mutex
	parents  []*Task
	follower *Task

	done   chan struct{}
	result atomic.Pointer[Result]

	metrics Metrics

	Storage *StoragePayload
	Fold    *FoldPayload
}

func newTask(kind Kind, ops []operator.Operator, parents []*Task) *Task {
	return &Task{
		id:        newID(),
		kind:      kind,
		operators: append([]operator.Operator(nil), ops...),
		arity:     int32(len(parents)),
		parents:   append([]*Task(nil), parents...),
		done:      make(chan struct{}),
	}
}

// NewStorage builds a leaf running ops against one fragment.
func NewStorage(ops []operator.Operator, p StoragePayload) *Task {
	t := newTask(KindStorage, ops, nil)
	t.Storage = &p
	return t
}

// NewGlobal builds a leaf running one metadata operator.
func NewGlobal(op operator.Operator) *Task {
	return newTask(KindGlobal, []operator.Operator{op}, nil)
}

// NewConstantSource builds a leaf whose first operator reads a
// ConstantSource.
func NewConstantSource(ops []operator.Operator) *Task {
	return newTask(KindConstantSource, ops, nil)
}

// NewUnaryMemory builds a task running unary ops over parent.
func NewUnaryMemory(ops []operator.Operator, parent *Task) *Task {
	return newTask(KindUnaryMemory, ops, []*Task{parent})
}

// NewBinaryMemory builds a task whose chain starts with one binary operator
// over a and b.
func NewBinaryMemory(ops []operator.Operator, a, b *Task) *Task {
	return newTask(KindBinaryMemory, ops, []*Task{a, b})
}

// NewMultipleMemory builds a fan-in over independent side-effect tasks.
func NewMultipleMemory(ops []operator.Operator, parents []*Task) *Task {
	return newTask(KindMultipleMemory, ops, parents)
}

// NewFolded builds a folded task and the CompletedFolded task that stands in
// for its output. The pair is linked: folded's follower is the returned
// completed task.
func NewFolded(op *operator.Folded, parents []*Task) (folded, completed *Task) {
	folded = newTask(KindFolded, []operator.Operator{op}, parents)
	folded.Fold = &FoldPayload{IncompleteRoot: op.IncompleteRoot}
	completed = newTask(KindCompletedFolded, nil, []*Task{folded})
	folded.follower = completed
	return folded, completed
}

func (t *Task) ID() string { return t.id.String() }
func (t *Task) Kind() Kind { return t.kind }

// Operators returns the fused chain, first operator first.
func (t *Task) Operators() []operator.Operator {
	return append([]operator.Operator(nil), t.operators...)
}

// Arity is the number of NotifyParentReady calls that make t runnable.
func (t *Task) Arity() int { return int(t.arity) }

// Metrics returns the task's counters.
func (t *Task) Metrics() *Metrics { return &t.metrics }

func (t *Task) Parents() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.parents...)
}

func (t *Task) Follower() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.follower
}

// SetFollower records the downstream task consuming t's output.
func (t *Task) SetFollower(f *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.follower = f
}

func (t *Task) rebindParent(p *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parents = []*Task{p}
}

// Append adds a unary operator to the end of the fused chain. It is used by
// the optimizer while the task is still under construction.
func (t *Task) Append(op operator.Operator) {
	t.operators = append(t.operators, op)
}

// NotifyParentReady records that one parent completed. It returns true
// exactly once, on the call that brings the count to the task's arity.
func (t *Task) NotifyParentReady() bool {
	return t.ready.Add(1) == t.arity
}

// Complete publishes r. Only the first call takes effect; it returns
// whether r was published.
func (t *Task) Complete(r *Result) bool {
	if !t.result.CompareAndSwap(nil, r) {
		return false
	}
	close(t.done)
	return true
}

// Done is closed once a result has been published.
func (t *Task) Done() <-chan struct{} { return t.done }

// GetResult blocks until a result is published and returns it.
func (t *Task) GetResult() *Result {
	<-t.done
	return t.result.Load()
}

// Await is GetResult bounded by ctx.
func (t *Task) Await(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.result.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s]", t.kind, t.id)
}
