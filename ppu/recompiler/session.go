package recompiler

import (
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/config"
	"github.com/colorfulnotion/ppurec/ppu/guest"
)

// Session is one emulated process: it owns the shared engine every guest
// thread of the process feeds, and the process-wide stop flag.
type Session struct {
	mem  *guest.Memory
	cfg  *config.Config
	opts []Option

	mu     sync.Mutex
	engine *Engine
	refs   int

	stopped atomic.Bool
}

func NewSession(mem *guest.Memory, c *config.Config, opts ...Option) *Session {
	if c == nil {
		c = config.Default()
	}
	return &Session{mem: mem, cfg: c, opts: opts}
}

func (s *Session) Memory() *guest.Memory { return s.mem }

// IsStopped implements guest.StopSource.
func (s *Session) IsStopped() bool { return s.stopped.Load() }

// Stop raises the stop flag. Dispatch loops and the engine worker notice it
// at their next poll.
func (s *Session) Stop() { s.stopped.Store(true) }

// Acquire returns the session engine, creating it on first use. Every
// Acquire must be paired with a Release.
func (s *Session) Acquire() (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		opts := append([]Option{WithStopSource(s)}, s.opts...)
		e, err := NewEngine(s.mem, s.cfg, opts...)
		if err != nil {
			return nil, err
		}
		s.engine = e
		log.Debug(log.EngineModule, "engine created", "engine", e.ID)
	}
	s.refs++
	return s.engine, nil
}

// Release drops one reference; the last one closes the engine.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	e := s.engine
	s.engine = nil
	return e.Close()
}

// Engine returns the live engine, or nil when no dispatcher holds one.
func (s *Session) Engine() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// NewDispatcher creates a dispatcher for one guest thread. Close it to
// release its engine reference.
func (s *Session) NewDispatcher() (*Dispatcher, error) {
	e, err := s.Acquire()
	if err != nil {
		return nil, err
	}
	d := NewDispatcher(e, s)
	d.release = s.Release
	return d, nil
}
