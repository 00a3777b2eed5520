package dhcpclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/lock"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/metrics"
	"github.com/infrastructure-io/mobilityd/pkg/store"
)

// LeaseStore maps lease keys to leases. Every mutation wakes the callers
// blocked in Wait.
type LeaseStore struct {
	log     *zap.SugaredLogger
	lock    lock.Mutex
	data    map[string]*Lease
	changed chan struct{}
	table   *store.Table[Lease]
}

func NewLeaseStore(p store.Provider) *LeaseStore {
	return &LeaseStore{
		log:     log.Logger.Named("leasestore"),
		data:    make(map[string]*Lease),
		changed: make(chan struct{}),
		table:   store.NewTable[Lease](p, store.TableDhcpLeases),
	}
}

// notifyLocked must be called with the lock held
func (s *LeaseStore) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
	metrics.DhcpLeases.Set(float64(len(s.data)))
}

// Get returns a copy of the lease of key
func (s *LeaseStore) Get(key string) (Lease, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	l, ok := s.data[key]
	if !ok {
		return Lease{}, false
	}
	return l.copy(), true
}

// GetAll returns a copy of every lease
func (s *LeaseStore) GetAll() map[string]Lease {
	s.lock.Lock()
	defer s.lock.Unlock()

	result := make(map[string]Lease, len(s.data))
	for k, v := range s.data {
		result[k] = v.copy()
	}
	return result
}

// Set replaces the lease of its key
func (s *LeaseStore) Set(l Lease) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c := l.copy()
	s.data[l.Key()] = &c
	s.notifyLocked()
}

// Update applies fn to the lease of key under the lock. fn reports whether it
// changed the lease; the updated copy is returned when it did.
func (s *LeaseStore) Update(key string, fn func(l *Lease) bool) (Lease, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	l, ok := s.data[key]
	if !ok || !fn(l) {
		return Lease{}, false
	}
	s.notifyLocked()
	return l.copy(), true
}

func (s *LeaseStore) Delete(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	s.notifyLocked()
}

// Wait blocks until pred holds for the lease of key or ctx is done. pred sees
// a nil lease when key is absent.
func (s *LeaseStore) Wait(ctx context.Context, key string, pred func(l *Lease) bool) (Lease, error) {
	for {
		s.lock.Lock()
		l := s.data[key]
		if pred(l) {
			var out Lease
			if l != nil {
				out = l.copy()
			}
			s.lock.Unlock()
			return out, nil
		}
		changed := s.changed
		s.lock.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		}
	}
}

// Save persists an acknowledged lease
func (s *LeaseStore) Save(ctx context.Context, l Lease) error {
	return s.table.Update(ctx, l.Key(), func(_ *Lease) (*Lease, error) {
		return &l, nil
	})
}

// Forget deletes the persisted lease of key
func (s *LeaseStore) Forget(ctx context.Context, key string) error {
	return s.table.Update(ctx, key, func(_ *Lease) (*Lease, error) {
		return nil, nil
	})
}

// Restore reloads the acknowledged leases persisted before a restart
func (s *LeaseStore) Restore(ctx context.Context) error {
	all, err := s.table.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dhcp leases: %v", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for k, v := range all {
		if v.Value.State != StateAck {
			s.log.Debugf("skip persisted lease %s in state %s", k, v.Value.State)
			continue
		}
		l := v.Value
		s.data[k] = &l
		n++
	}
	s.notifyLocked()
	s.log.Infof("restored %d dhcp leases", n)
	return nil
}
