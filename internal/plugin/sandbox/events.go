package sandbox

import (
	"sort"
	"sync"

	"github.com/dshills/parley/internal/plugin/api"
)

// listener is one plugin event handler.
type listener struct {
	id    uint64
	owner string
	event string
	// fire runs the handler on the loop.
	fire func(ev api.StoreEvent) error
	// key identifies the script function for off(); compared by the
	// engine's own notion of identity.
	key any
}

// subscriptions maps event names to listener sets. Every empty/non-empty
// transition is reported to onChange while the set is still locked, so the
// relay sees transitions in the order they happened.
type subscriptions struct {
	mu       sync.Mutex
	byEvent  map[string][]*listener
	nextID   uint64
	onChange func(event string, active bool)
}

func newSubscriptions(onChange func(event string, active bool)) *subscriptions {
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &subscriptions{
		byEvent:  make(map[string][]*listener),
		onChange: onChange,
	}
}

// add registers l and reports whether it is the first listener for its
// event.
func (s *subscriptions) add(l *listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	l.id = s.nextID
	first := len(s.byEvent[l.event]) == 0
	s.byEvent[l.event] = append(s.byEvent[l.event], l)
	if first {
		s.onChange(l.event, true)
	}
	return first
}

// remove drops owner's listeners for event that match and reports whether
// the event's set became empty.
func (s *subscriptions) remove(owner, event string, match func(*listener) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byEvent[event]
	if len(list) == 0 {
		return false
	}
	kept := list[:0]
	for _, l := range list {
		if l.owner == owner && (match == nil || match(l)) {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		delete(s.byEvent, event)
		s.onChange(event, false)
		return true
	}
	s.byEvent[event] = kept
	return false
}

// removeOwner drops every listener owned by owner and returns the events
// whose sets became empty.
func (s *subscriptions) removeOwner(owner string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emptied []string
	for event, list := range s.byEvent {
		kept := list[:0]
		for _, l := range list {
			if l.owner != owner {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(s.byEvent, event)
			emptied = append(emptied, event)
			continue
		}
		s.byEvent[event] = kept
	}
	sort.Strings(emptied)
	for _, event := range emptied {
		s.onChange(event, false)
	}
	return emptied
}

// snapshot returns the listeners for event at this moment.
func (s *subscriptions) snapshot(event string) []*listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*listener(nil), s.byEvent[event]...)
}

// count returns the number of listeners, optionally for one owner.
func (s *subscriptions) count(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.byEvent {
		for _, l := range list {
			if owner == "" || l.owner == owner {
				n++
			}
		}
	}
	return n
}

// events returns the names with at least one listener.
func (s *subscriptions) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.byEvent))
	for name := range s.byEvent {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
