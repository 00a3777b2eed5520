// Package lock wraps go-deadlock so that lock ordering problems are reported
// instead of hanging the daemon
package lock

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

func init() {
	// a DHCP exchange legitimately waits a few seconds, never minutes
	deadlock.Opts.DeadlockTimeout = 2 * time.Minute
}

// Mutex is a drop-in replacement of sync.Mutex
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a drop-in replacement of sync.RWMutex
type RWMutex struct {
	deadlock.RWMutex
}
