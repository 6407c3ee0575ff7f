package tracker

import (
	"sync"

	"github.com/joshuapare/memtrack/internal/logger"
)

var (
	globalMu sync.Mutex
	global   *Tracker
)

// Init creates the process-wide tracker if it does not exist yet and returns
// it. Calling Init again returns the same tracker until Fini tears it down.
func Init() (*Tracker, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return global, nil
	}
	t, err := New()
	if err != nil {
		return nil, err
	}
	global = t
	logger.Debug("process tracker initialised")
	return global, nil
}

// Get returns the process-wide tracker, creating it on first use.
func Get() (*Tracker, error) {
	globalMu.Lock()
	t := global
	globalMu.Unlock()
	if t != nil {
		return t, nil
	}
	return Init()
}

// Fini destroys t. When t is the process-wide tracker the singleton is
// cleared so that a later Init starts fresh. Fini tolerates nil and handles
// that were already destroyed.
func Fini(t *Tracker) {
	if t == nil {
		return
	}
	globalMu.Lock()
	if t == global {
		global = nil
	}
	globalMu.Unlock()

	t.Destroy()
}
