package engine

import "sync"

// EventKind is what an Event asks the engine to do.
type EventKind string

const (
	// EventCreate announces a newly accepted site.
	EventCreate EventKind = "create"

	// EventDelete asks for a site to be deleted.
	EventDelete EventKind = "delete"

	// EventResync asks the engine to re-read a site and continue its
	// lifecycle.
	EventResync EventKind = "resync"
)

// Event is a unit of work for one site.
type Event struct {
	Kind   EventKind
	SiteID string
}

// mailbox holds the pending events of every site in submission order.
type mailbox struct {
	mu     sync.Mutex
	events map[string][]Event
	total  int
}

func newMailbox() *mailbox {
	return &mailbox{events: make(map[string][]Event)}
}

// push appends ev and returns the number of pending events.
func (m *mailbox) push(ev Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.SiteID] = append(m.events[ev.SiteID], ev)
	m.total++
	return m.total
}

// pop removes and returns the oldest event of a site.
func (m *mailbox) pop(siteID string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.events[siteID]
	if len(queue) == 0 {
		return Event{Kind: EventResync, SiteID: siteID}, false
	}
	ev := queue[0]
	if len(queue) == 1 {
		delete(m.events, siteID)
	} else {
		m.events[siteID] = queue[1:]
	}
	m.total--
	return ev, true
}

func (m *mailbox) has(siteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[siteID]) > 0
}

func (m *mailbox) hasKind(siteID string, kind EventKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events[siteID] {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
