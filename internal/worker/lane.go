package worker

import "sync"

// lane is the serial queue of one session.
type lane struct {
	sessionID string
	taskCh    chan *turnTask
	stopCh    chan struct{}
	once      sync.Once
}

func newLane(sessionID string, queueSize int) *lane {
	return &lane{
		sessionID: sessionID,
		taskCh:    make(chan *turnTask, queueSize),
		stopCh:    make(chan struct{}),
	}
}

func (l *lane) stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// drain fails every task still queued.
func (l *lane) drain(err error) {
	for {
		select {
		case task := <-l.taskCh:
			task.resultCh <- Result{Err: err}
		default:
			return
		}
	}
}
