package updater

import (
	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"sync"
	"time"
)

// DefaultChunkSize is the largest block handed to a single Ops.Write call
// unless the session is configured otherwise.
const DefaultChunkSize = 0x4000

// eventBuffer is the capacity of a client's event channel. Events for slow
// clients are dropped rather than stalling the update.
const eventBuffer = 16

type Config struct {
	Name string
	// NameFormat names the session after its registry handle, e.g.
	// "fpga_sec%d". Only used by Registry.Register when Name is empty.
	NameFormat string
	Ops        Ops
	ChunkSize  uint32
	Logger     Logger
	// Complete, if set, is called by the worker once an update is back to
	// idle, with the terminal status of that update.
	Complete func(*Event)
}

// Session drives the updates of one device. At most one update is in flight
// at any time.
type Session struct {
	id        uint32
	name      string
	ops       Ops
	chunkSize uint32
	log       Logger
	complete  func(*Event)

	// mtx guards everything below
	mtx           sync.Mutex
	progress      Progress
	errProgress   Progress
	errCode       ErrorCode
	remainingSize uint32
	update        *Update
	cancelReq     bool
	done          chan struct{}
	unloading     bool
	closed        bool
	clients       map[uint32]*UpdateClient
	nextClientID  uint32
}

func NewSession(config *Config) (*Session, error) {
	if config == nil || config.Ops == nil || config.Name == "" {
		return nil, ErrInvalidConfig
	}

	s := &Session{
		name:      config.Name,
		ops:       config.Ops,
		chunkSize: config.ChunkSize,
		complete:  config.Complete,
		progress:  Idle,
		done:      make(chan struct{}),
		clients:   make(map[uint32]*UpdateClient),
	}

	if s.chunkSize == 0 {
		s.chunkSize = DefaultChunkSize
	}

	if config.Logger != nil {
		s.log = config.Logger
	} else {
		s.log = noopLogger{}
	}

	// nothing to wait for until the first update starts
	close(s.done)

	return s, nil
}

func (s *Session) Id() uint32 {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

// Ops returns the backend the session was created with.
func (s *Session) Ops() Ops {
	return s.ops
}

// Start accepts a new update and schedules its worker. It fails with ErrBusy
// while another update is in flight or once the session is unloading.
func (s *Session) Start(src Source, notify Notifier) (*Update, error) {
	if src == nil {
		return nil, errors.New("no update source given")
	}

	phase := src.Phase()
	if phase == Idle || !phase.Valid() {
		return nil, errors.Errorf("invalid initial phase %v", phase)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.unloading || s.progress != Idle {
		return nil, ErrBusy
	}

	update := &Update{
		Id:      uuid.New().String(),
		Started: time.Now(),
		Source:  src.String(),
	}

	if sized, ok := src.(interface{ Size() uint32 }); ok {
		update.Size = sized.Size()
	}

	s.errCode = ErrNone
	s.errProgress = Idle
	s.remainingSize = update.Size
	s.update = update
	s.cancelReq = false
	s.done = make(chan struct{})
	s.setProgressLocked(phase)

	s.log.Infof("Starting update %v of %v from %v", update.Id, s.name, update.Source)

	go s.run(src, notify, s.done)

	u := *update
	return &u, nil
}

// Status returns a snapshot of the session. It never blocks on the backend.
func (s *Session) Status() *Status {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	status := s.statusLocked()
	return &status
}

// Cancel asks the backend to abort the update in flight. The worker still
// runs its cleanup and is the one returning the session to idle.
func (s *Session) Cancel() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.progress == Idle {
		return ErrNoActiveUpdate
	}

	s.log.Infof("Cancelling update of %v", s.name)
	s.cancelReq = true
	s.ops.Cancel()

	return nil
}

// Wait blocks until no update is in flight.
func (s *Session) Wait() {
	s.mtx.Lock()
	done := s.done
	s.mtx.Unlock()

	<-done
}

// Drain cancels the update in flight, if any, and waits for its worker to
// finish. A worker that already went idle is still waited for until it has
// signalled completion.
func (s *Session) Drain() {
	s.mtx.Lock()
	done := s.done
	if s.progress == Idle {
		s.mtx.Unlock()
		<-done
		return
	}

	s.cancelReq = true
	s.ops.Cancel()
	s.mtx.Unlock()

	s.log.Infof("Waiting for update of %v to finish", s.name)
	<-done
}

// Unregister stops the session from accepting new updates and waits for the
// current one to finish. This can take as long as the hardware needs to
// complete programming.
func (s *Session) Unregister() {
	s.mtx.Lock()
	s.unloading = true
	s.mtx.Unlock()

	s.log.Infof("Unregistering %v", s.name)

	s.Drain()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.closed {
		s.closed = true
		for id, client := range s.clients {
			delete(s.clients, id)
			close(client.Events)
		}
	}
}

func (s *Session) Unloading() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.unloading
}

// Subscribe returns a client receiving an event for every status change.
func (s *Session) Subscribe() *UpdateClient {
	client := &UpdateClient{
		Events:  make(chan *Event, eventBuffer),
		session: s,
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	client.Id = s.nextClientID
	s.nextClientID++

	if s.closed {
		close(client.Events)
		return client
	}

	s.clients[client.Id] = client

	return client
}

func (s *Session) unsubscribe(client *UpdateClient) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.clients[client.Id]; !ok {
		if s.closed {
			return nil
		}
		return errors.Errorf("client %d is not subscribed to %v", client.Id, s.name)
	}

	delete(s.clients, client.Id)
	close(client.Events)

	return nil
}

func (s *Session) statusLocked() Status {
	status := Status{
		Progress:      s.progress,
		RemainingSize: s.remainingSize,
		ErrorProgress: s.errProgress,
		ErrorCode:     s.errCode,
	}

	if s.update != nil {
		u := *s.update
		status.Update = &u
	}

	return status
}

func (s *Session) broadcastLocked() {
	if len(s.clients) == 0 {
		return
	}

	for _, client := range s.clients {
		event := &Event{
			Session: s.name,
			Status:  s.statusLocked(),
		}

		select {
		case client.Events <- event:
		default:
			s.log.Debugf("Dropped event for slow client %d of %v", client.Id, s.name)
		}
	}
}

func (s *Session) setProgressLocked(progress Progress) {
	s.progress = progress
	s.broadcastLocked()
}

func (s *Session) setProgress(progress Progress) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.log.Debugf("Update of %v is %v", s.name, progress)
	s.setProgressLocked(progress)
}

// canceled reports whether a cancel was requested for the update in flight.
func (s *Session) canceled() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.cancelReq
}

func (s *Session) setRemaining(size uint32) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.remainingSize = size
	s.broadcastLocked()
}

// setError latches code at the current phase.
func (s *Session) setError(code ErrorCode) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.errProgress = s.progress
	s.errCode = code
	s.broadcastLocked()
}
