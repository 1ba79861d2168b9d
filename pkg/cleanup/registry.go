// Package cleanup tracks the release obligations for every kernel-global
// resource the build pipeline allocates: loop devices, partition
// mappings, mounts, scratch files and ephemeral containers. The registry
// is the single source of truth for what is still attached; a failed run
// must leave it empty.
package cleanup

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind enumerates the resource categories the registry can release.
type Kind int

const (
	// File is a path removed recursively.
	File Kind = iota
	// Mount is a mount point to unmount.
	Mount
	// PartitionMapping is a loop device whose partition mappings are
	// removed.
	PartitionMapping
	// LoopDevice is a loop device to detach.
	LoopDevice
	// EphemeralContainer is a transient container instance to remove.
	EphemeralContainer
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Mount:
		return "mount"
	case PartitionMapping:
		return "partition-mapping"
	case LoopDevice:
		return "loop-device"
	case EphemeralContainer:
		return "ephemeral-container"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Scope identifies the unit of work that owns an obligation. Tokens are
// unique per NewScope call, so two concurrent or re-entrant invocations
// of the same routine never mix their obligations.
type Scope struct {
	name string
	id   string
}

func NewScope(name string) Scope {
	return Scope{name: name, id: uuid.NewString()}
}

func (s Scope) String() string {
	return s.name
}

// Obligation is one pending resource release. It is immutable once
// registered and is consumed exactly once, by a flush, a release or a
// withdrawal.
type Obligation struct {
	Scope    Scope
	Kind     Kind
	Seq      uint64
	Resource string
}

// Handler releases a single resource of one kind. Handlers must tolerate
// resources that are already partially torn down.
type Handler func(resource string) error

// Registry is the ordered record of pending release obligations. It is
// owned by the top-level run and passed to every component that
// allocates resources.
type Registry struct {
	mu          sync.Mutex
	handlers    map[Kind]Handler
	obligations []Obligation
	nextSeq     uint64
	log         logrus.FieldLogger
}

func NewRegistry(handlers map[Kind]Handler, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{handlers: handlers, log: log}
}

// Register appends an obligation for a freshly allocated resource.
// Callers must register before performing any subsequent fallible step.
func (r *Registry) Register(scope Scope, kind Kind, resource string) Obligation {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	ob := Obligation{Scope: scope, Kind: kind, Seq: r.nextSeq, Resource: resource}
	r.obligations = append(r.obligations, ob)
	r.log.WithFields(logrus.Fields{"scope": scope, "kind": kind, "resource": resource}).
		Debug("registered cleanup obligation")
	return ob
}

// Withdraw removes an obligation without running its teardown action.
// It is used when ownership of a resource is deliberately handed off to
// a longer-lived owner. Reports whether the obligation was present.
func (r *Registry) Withdraw(ob Obligation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, o := range r.obligations {
		if o.Seq == ob.Seq {
			r.obligations = append(r.obligations[:i], r.obligations[i+1:]...)
			return true
		}
	}
	return false
}

// Release runs the teardown action for one specific obligation and
// removes it. Unlike a flush, the handler error is returned: a targeted
// release is a real pipeline step, not a best-effort sweep.
func (r *Registry) Release(ob Obligation) error {
	if !r.Withdraw(ob) {
		return fmt.Errorf("obligation %d (%s %s) is not registered", ob.Seq, ob.Kind, ob.Resource)
	}
	handler, ok := r.handlers[ob.Kind]
	if !ok {
		return fmt.Errorf("no handler for resource kind %s", ob.Kind)
	}
	return handler(ob.Resource)
}

// Outstanding returns the number of obligations still registered.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.obligations)
}

// take removes and returns the obligations selected by keep, ordered by
// descending sequence number (last allocated, first released).
func (r *Registry) take(keep func(Obligation) bool) []Obligation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var taken, remaining []Obligation
	for _, ob := range r.obligations {
		if keep(ob) {
			taken = append(taken, ob)
		} else {
			remaining = append(remaining, ob)
		}
	}
	r.obligations = remaining
	sort.Slice(taken, func(i, j int) bool { return taken[i].Seq > taken[j].Seq })
	return taken
}

// sweep runs the teardown actions for the given obligations. Handler
// failures and unknown kinds are reported but never stop the sweep;
// skipping the rest would leak exactly the resources this registry
// exists to release. Returns the number of failures.
func (r *Registry) sweep(obs []Obligation) int {
	failures := 0
	for _, ob := range obs {
		fields := logrus.Fields{"scope": ob.Scope, "kind": ob.Kind, "resource": ob.Resource}
		handler, ok := r.handlers[ob.Kind]
		if !ok {
			r.log.WithFields(fields).Error("no teardown handler for resource kind")
			failures++
			continue
		}
		if err := handler(ob.Resource); err != nil {
			r.log.WithFields(fields).WithError(err).Warn("resource teardown failed")
			failures++
		}
	}
	return failures
}

// FlushScope releases every obligation owned by scope in reverse
// registration order. Obligations are removed whether or not their
// teardown succeeded; flushing an already-empty scope is a no-op.
// Returns the number of teardown failures.
func (r *Registry) FlushScope(scope Scope) int {
	return r.sweep(r.take(func(ob Obligation) bool { return ob.Scope.id == scope.id }))
}

// FlushAll releases every registered obligation irrespective of scope.
// It is idempotent: obligations are removed on consumption, so a second
// call runs no teardown action twice.
func (r *Registry) FlushAll() int {
	return r.sweep(r.take(func(Obligation) bool { return true }))
}
