// Package hooktable implements the pub/sub notification fan-out used
// to tell interested processes about logic-device registrations and
// other asynchronous events.
//
// The shape is the teacher's Observer pattern (root metrics.go:
// ObserveRead/ObserveWrite fan out to every registered Observer,
// continuing past one that fails) generalized from a fixed pair of
// I/O-completion callbacks to an arbitrary named-event subscription
// table with replay-on-subscribe semantics.
package hooktable

// Target identifies where a hook notification should be delivered: the
// badge of the subscribing connection plus an opaque endpoint token
// the subscriber chose when it hooked, so it can demux multiple hooks
// on one connection.
type Target struct {
	Badge uint64
	Token uint64
}

// Event is one fired notification.
type Event struct {
	Name    string
	Payload []byte
}

// Sender delivers one event to one target; the server supplies the
// real implementation (write to the target's connection), tests supply
// a recording fake.
type Sender func(target Target, ev Event) error

// Table owns every named hook's subscriber list and replay buffer.
type Table struct {
	subs   map[string][]Target
	latest map[string]Event
	hasLatest map[string]bool
}

// New returns an empty hook table.
func New() *Table {
	return &Table{
		subs:      make(map[string][]Target),
		latest:    make(map[string]Event),
		hasLatest: make(map[string]bool),
	}
}

// Subscribe registers target against name. If name already fired at
// least once, send delivers the latest event to target immediately
// (replay-on-subscribe), so a late subscriber never misses the current
// state of a level-triggered condition such as "unknown IRQ seen".
func (t *Table) Subscribe(name string, target Target, send Sender) error {
	t.subs[name] = append(t.subs[name], target)
	if t.hasLatest[name] && send != nil {
		return send(target, t.latest[name])
	}
	return nil
}

// Fire delivers ev to every subscriber of name, continuing past any
// individual delivery failure (a dead peer never blocks the rest), and
// remembers ev for replay to subscribers that join afterward. The
// first error encountered, if any, is returned once all sends have
// been attempted.
func (t *Table) Fire(name string, ev Event, send Sender) error {
	t.latest[name] = ev
	t.hasLatest[name] = true

	var first error
	for _, target := range t.subs[name] {
		if send == nil {
			continue
		}
		if err := send(target, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Unsubscribe removes every subscription target holds against name. It
// is a no-op if target was never subscribed.
func (t *Table) Unsubscribe(name string, target Target) {
	subs := t.subs[name]
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	t.subs[name] = out
}

// SubscriberCount reports how many targets currently subscribe to
// name.
func (t *Table) SubscriberCount(name string) int {
	return len(t.subs[name])
}
