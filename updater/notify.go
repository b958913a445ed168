package updater

import (
	"sync"
)

// Notifier is signalled exactly once when an update reaches its terminal
// state. If it also implements io.Closer it is closed right after.
type Notifier interface {
	Notify() error
}

// ChanNotifier closes Done when notified.
type ChanNotifier struct {
	once sync.Once
	done chan struct{}
}

func NewChanNotifier() *ChanNotifier {
	return &ChanNotifier{
		done: make(chan struct{}),
	}
}

func (n *ChanNotifier) Notify() error {
	n.once.Do(func() {
		close(n.done)
	})

	return nil
}

func (n *ChanNotifier) Done() <-chan struct{} {
	return n.done
}
