package store

import (
	"sync"

	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// Memory keeps history in process memory. Contents are lost on exit.
type Memory struct {
	data map[types.Identity][]Entry
	mu   sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[types.Identity][]Entry),
	}
}

func (s *Memory) Append(recipient types.Identity, hash string, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[recipient] = append(s.data[recipient], Entry{Hash: hash, Message: msg})
	return nil
}

func (s *Memory) List(recipient types.Identity) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.data[recipient]
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.Hash)
	}
	return hashes, nil
}

func (s *Memory) Get(recipient types.Identity, hash string) (*protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.data[recipient] {
		if e.Hash == hash {
			return e.Message, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) Close() error { return nil }
