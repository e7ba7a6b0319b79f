package notify

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

// Kind names a recording lifecycle event.
type Kind string

const (
	RecordingStarted Kind = "started"
	RecordingStopped Kind = "stopped"
	RecordingPaused  Kind = "paused"
	RecordingResumed Kind = "resumed"
	TakeCompleted    Kind = "take_completed"
	MasterCompleted  Kind = "master_completed"
	MasterFailed     Kind = "master_failed"
)

// Notification is sent to all NotifyListeners registered with Notifier.
type Notification struct {
	Kind       Kind
	Time       time.Time
	TimeString string

	SessionID  string `json:",omitempty"`
	TakeNumber int    `json:",omitempty"`
	Path       string `json:",omitempty"`
	Error      string `json:",omitempty"`
}

type NotifyListener interface {
	Notify(n *Notification) error
}

// Notifier fans lifecycle events out to its listeners. A nil Notifier drops
// everything.
type Notifier struct {
	listeners []NotifyListener

	l sync.Mutex
}

func (n *Notifier) AddListener(l NotifyListener) {
	n.l.Lock()
	defer n.l.Unlock()
	n.listeners = append(n.listeners, l)
}

// Send delivers nt to every listener, each on its own goroutine.
func (n *Notifier) Send(nt *Notification) {
	if n == nil {
		return
	}
	if nt.Time.IsZero() {
		nt.Time = time.Now()
	}
	nt.TimeString = nt.Time.Format("3:04:05 PM")

	n.l.Lock()
	listeners := append([]NotifyListener(nil), n.listeners...)
	n.l.Unlock()

	log.Debugf("Sending notification: %v", spew.Sdump(nt))
	for _, l := range listeners {
		go func(l NotifyListener) {
			if err := l.Notify(nt); err != nil {
				log.Errorf("Failed to send notification: %v", err)
			}
		}(l)
	}
}

func (n *Notifier) Started() { n.Send(&Notification{Kind: RecordingStarted}) }

func (n *Notifier) Stopped() { n.Send(&Notification{Kind: RecordingStopped}) }

func (n *Notifier) Paused() { n.Send(&Notification{Kind: RecordingPaused}) }

func (n *Notifier) Resumed() { n.Send(&Notification{Kind: RecordingResumed}) }

func (n *Notifier) TakeCompleted(sessionID string, number int, path string) {
	n.Send(&Notification{Kind: TakeCompleted, SessionID: sessionID, TakeNumber: number, Path: path})
}

func (n *Notifier) MasterCompleted(path string) {
	n.Send(&Notification{Kind: MasterCompleted, Path: path})
}

func (n *Notifier) MasterFailed(err error) {
	n.Send(&Notification{Kind: MasterFailed, Error: err.Error()})
}

// LogListener writes every notification to the log.
type LogListener struct{}

func (LogListener) Notify(n *Notification) error {
	e := log.WithField("event", n.Kind)
	if n.SessionID != "" {
		e = e.WithField("session", n.SessionID)
	}
	switch {
	case n.Error != "":
		e.Warnf("%v at %v: %v", n.Kind, n.TimeString, n.Error)
	case n.Path != "":
		e.Infof("%v at %v: %v", n.Kind, n.TimeString, n.Path)
	default:
		e.Infof("%v at %v", n.Kind, n.TimeString)
	}
	return nil
}
