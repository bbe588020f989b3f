package app

import (
	"sync"
	"sync/atomic"

	"github.com/petervdpas/fieldlink/internal/config"
)

// sessionControl is the part of the transport session settings changes act on.
type sessionControl interface {
	Reconnect(ep config.Endpoint) <-chan struct{}
	ChangeIdentity(id string) (<-chan struct{}, error)
}

// Settings holds the live configuration. Broker and identity changes are
// persisted first and then applied to the session.
type Settings struct {
	path    string
	session sessionControl

	mu  sync.Mutex // serializes updates
	cur atomic.Pointer[config.Config]
}

func NewSettings(path string, cfg config.Config, session sessionControl) *Settings {
	s := &Settings{path: path, session: session}
	s.cur.Store(&cfg)
	return s
}

func (s *Settings) Current() config.Config { return *s.cur.Load() }

// UpdateBroker saves a new broker section and reconnects to it.
func (s *Settings) UpdateBroker(b config.Broker) error {
	ep, err := b.Endpoint()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Current()
	next.Broker = b
	if err := config.Save(s.path, next); err != nil {
		return err
	}
	s.cur.Store(&next)
	log.Infof("broker changed to %s", ep)
	s.session.Reconnect(ep)
	return nil
}

// UpdateIdentity saves a new device id and switches the session to it.
func (s *Settings) UpdateIdentity(id string) error {
	if err := config.ValidateIdentity(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Current()
	if next.Identity.DeviceID == id {
		return nil
	}
	next.Identity.DeviceID = id
	if err := config.Save(s.path, next); err != nil {
		return err
	}
	if _, err := s.session.ChangeIdentity(id); err != nil {
		return err
	}
	s.cur.Store(&next)
	log.Infof("identity changed to %s", id)
	return nil
}

// Apply adopts a configuration read back from disk. Only broker and identity
// changes take effect on the running session; other sections are recorded
// for the next start.
func (s *Settings) Apply(next config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Current()
	if prev == next {
		return nil
	}
	if next.Identity.DeviceID != prev.Identity.DeviceID {
		if _, err := s.session.ChangeIdentity(next.Identity.DeviceID); err != nil {
			return err
		}
		log.Infof("identity changed to %s from config file", next.Identity.DeviceID)
	}
	if next.Broker != prev.Broker {
		ep, err := next.Broker.Endpoint()
		if err != nil {
			return err
		}
		log.Infof("broker changed to %s from config file", ep)
		s.session.Reconnect(ep)
	}
	s.cur.Store(&next)
	return nil
}
