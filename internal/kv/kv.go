// Package kv defines the durable key-value port the workflow persists through.
package kv

import (
	"context"
	"strings"
	"sync"
)

// Port is a durable string store. Get reports ok=false for a missing key.
type Port interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Namespace prefixes every key written for a help request.
const Namespace = "help-request/"

// Key namespaces name under a help-request id.
func Key(requestID, name string) string {
	return RequestPrefix(requestID) + name
}

// RequestPrefix is the common prefix of all keys of one help request.
func RequestPrefix(requestID string) string {
	return Namespace + strings.TrimSpace(requestID) + "/"
}

// Memory is an in-process Port. It counts writes so callers can observe them.
type Memory struct {
	mu     sync.Mutex
	data   map[string]string
	writes int
}

func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.writes++
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.writes++
	return nil
}

// Writes returns the number of Set/Remove calls seen so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Keys returns every stored key with the given prefix.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}
