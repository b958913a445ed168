package updater

// Event is a status snapshot published on every phase change, every
// completed chunk and when an update finishes.
type Event struct {
	Session string
	Status
}

type UpdateClient struct {
	Events  chan *Event
	Id      uint32
	session *Session
}

func (c *UpdateClient) Cancel() error {
	return c.session.unsubscribe(c)
}
