// Package assignee resolves task assignee references to something that can
// execute work: the owning boss itself, a child boss, or a human in the
// configured roster.
package assignee

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-boss/internal/task"
)

// Contact channel kinds understood by the notification sinks.
const (
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

// Channel is where a human is notified. Address is channel specific
// (the telegram chat id).
type Channel struct {
	Kind    string `json:"kind" yaml:"kind"`
	Address string `json:"address" yaml:"address"`
}

// Human is an external identity from the roster. The core only holds a
// reference to it.
type Human struct {
	ID              string        `json:"id" yaml:"id"`
	Name            string        `json:"name" yaml:"name"`
	Email           string        `json:"email,omitempty" yaml:"email,omitempty"`
	Role            string        `json:"role,omitempty" yaml:"role,omitempty"`
	Timezone        string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Channel         Channel       `json:"channel" yaml:"channel"`
	ResponseTimeout time.Duration `json:"response_timeout,omitempty" yaml:"response_timeout,omitempty"`
}

// DelegateRequest is a task handed from a parent boss to a child boss.
type DelegateRequest struct {
	ParentBossID string
	ParentTaskID string
	Title        string
	Description  string
	Metadata     map[string]string
	// Accepted, if set, is called with the child task id once the child has
	// registered the submission.
	Accepted func(childTaskID string)
}

// Delegate is a child boss seen from its parent. Delegate blocks until the
// child task is terminal and returns its result or failure record. When ctx
// is cancelled the child task is cancelled too.
type Delegate interface {
	ID() string
	Delegate(ctx context.Context, req DelegateRequest) (*task.Result, error)
}

// Target is a resolved assignee. Exactly one of Self, Delegate and Human is
// meaningful, selected by Ref.Kind.
type Target struct {
	Ref      task.AssigneeRef
	Self     bool
	Delegate Delegate
	Human    *Human
}

// Registry holds the assignees available to one boss.
type Registry struct {
	self string

	mu        sync.RWMutex
	humans    map[string]Human
	delegates map[string]Delegate
}

// NewRegistry creates a registry owned by boss selfID.
func NewRegistry(selfID string, humans []Human) *Registry {
	r := &Registry{
		self:      selfID,
		delegates: make(map[string]Delegate),
	}
	r.ReplaceHumans(humans)
	return r
}

// SelfID returns the id of the owning boss.
func (r *Registry) SelfID() string {
	return r.self
}

// ReplaceHumans swaps the roster atomically. Tasks already awaiting a human
// keep their entries.
func (r *Registry) ReplaceHumans(humans []Human) {
	next := make(map[string]Human, len(humans))
	for _, h := range humans {
		next[h.ID] = h
	}
	r.mu.Lock()
	r.humans = next
	r.mu.Unlock()
}

// AddDelegate registers a child boss.
func (r *Registry) AddDelegate(d Delegate) error {
	id := d.ID()
	if id == "" || id == r.self {
		return fmt.Errorf("%w: delegate id %q", task.ErrInvalidAssignee, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.delegates[id]; exists {
		return fmt.Errorf("%w: delegate %q already registered", task.ErrInvalidAssignee, id)
	}
	r.delegates[id] = d
	return nil
}

// Human looks up a roster entry.
func (r *Registry) Human(id string) (Human, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.humans[id]
	return h, ok
}

// Humans returns the roster sorted by id.
func (r *Registry) Humans() []Human {
	r.mu.RLock()
	out := make([]Human, 0, len(r.humans))
	for _, h := range r.humans {
		out = append(out, h)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Human) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Delegates returns registered child boss ids, sorted.
func (r *Registry) Delegates() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.delegates))
	for id := range r.delegates {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Resolve maps ref to an executable target. Unknown references fail with
// task.ErrInvalidAssignee.
func (r *Registry) Resolve(ref task.AssigneeRef) (Target, error) {
	if err := ref.Validate(); err != nil {
		return Target{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	switch ref.Kind {
	case task.KindSubBoss:
		if ref.ID == r.self {
			return Target{Ref: ref, Self: true}, nil
		}
		d, ok := r.delegates[ref.ID]
		if !ok {
			return Target{}, fmt.Errorf("%w: no sub-boss %q under %q", task.ErrInvalidAssignee, ref.ID, r.self)
		}
		return Target{Ref: ref, Delegate: d}, nil
	case task.KindHuman:
		h, ok := r.humans[ref.ID]
		if !ok {
			return Target{}, fmt.Errorf("%w: no human agent %q", task.ErrInvalidAssignee, ref.ID)
		}
		return Target{Ref: ref, Human: &h}, nil
	default:
		return Target{}, fmt.Errorf("%w: unknown assignee kind %q", task.ErrInvalidAssignee, ref.Kind)
	}
}
