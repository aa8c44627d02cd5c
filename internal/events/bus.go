// Package events is the in-process notify/subscribe channel between the workflow
// components and whoever renders them.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	FieldsChanged      Type = "fields.changed"
	FieldsSaved        Type = "fields.saved"
	FieldsSaveFailed   Type = "fields.save_failed"
	AutopopulateDone   Type = "autopopulate.completed"
	StepChanged        Type = "workflow.step_changed"
	SectionsChanged    Type = "sections.changed"
	SectionState       Type = "sections.state"
	SectionFailed      Type = "sections.failed"
	OrderPersistFailed Type = "sections.order_failed"
	AssemblyCompleted  Type = "assembly.completed"
	AssemblyFailed     Type = "assembly.failed"
	CollabPrompt       Type = "assembly.collab_prompt"
	ActivityUpdated    Type = "activity.updated"
	Notice             Type = "notice"
)

type Event struct {
	Type    Type      `json:"type"`
	DraftID string    `json:"draftId"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is what components depend on.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that unsubscribes and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers to every subscriber with room in its buffer; full subscribers miss
// the event.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
