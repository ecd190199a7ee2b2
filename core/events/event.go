package events

// Event represents a structured state change emitted by the market service.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC streams,
// archival indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for engines whose callers have not wired a subscriber.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout returns an emitter that forwards each event to every provided
// emitter in order. Nil entries are skipped.
func Fanout(emitters ...Emitter) Emitter {
	targets := make(fanoutEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			targets = append(targets, e)
		}
	}
	return targets
}

type fanoutEmitter []Emitter

// Emit implements the Emitter interface.
func (f fanoutEmitter) Emit(evt Event) {
	for _, e := range f {
		e.Emit(evt)
	}
}
