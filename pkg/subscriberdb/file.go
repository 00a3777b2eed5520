package subscriberdb

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/infrastructure-io/mobilityd/pkg/log"
)

// FileStore serves the entries of a YAML file and reloads it on change
type FileStore struct {
	Table
	log  *zap.SugaredLogger
	path string

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFileStore loads path. A missing file is an empty table.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		log:    log.Logger.Named("subscriberdb"),
		path:   filepath.Clean(path),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.log.Infof("subscriber file %s does not exist, no static address", s.path)
		s.set(map[string]net.IP{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", s.path, err)
	}
	entries, err := Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %v", s.path, err)
	}
	s.set(entries)
	s.log.Infof("loaded %d static subscribers from %s", len(entries), s.path)
	return nil
}

// Run watches the directory of the file, so that replacing the file by rename
// or through a mounted volume is seen as well
func (s *FileStore) Run() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %v", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %v", s.path, err)
	}
	s.watcher = watcher

	go s.monitor()
	return nil
}

func (s *FileStore) monitor() {
	defer close(s.doneCh)
	defer s.watcher.Close()

	for {
		select {
		case <-s.stopCh:
			return

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Errorf("subscriber file watcher error: %v", err)

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.log.Debugf("watcher event: %+v", event)
			if event.Op == fsnotify.Chmod {
				continue
			}
			// configmap volumes swap a symlink, so any change in the directory counts
			if err := s.reload(); err != nil {
				s.log.Errorf("keep the previous subscribers: %v", err)
			}
		}
	}
}

func (s *FileStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			<-s.doneCh
		}
	})
}
