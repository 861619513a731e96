package stream

// Event is a typed stream event: the frame's name plus its decoded
// JSON payload. Payload is nil when the frame carried no data.
type Event struct {
	Name    string
	Payload any
}

// Object returns the payload as a JSON object, or nil when the payload
// is absent or not an object.
func (e Event) Object() map[string]any {
	m, _ := e.Payload.(map[string]any)
	return m
}

// Handler consumes one event. Handlers run on the client's read
// goroutine, in registration order for their event name.
type Handler func(Event)
