// Package storage is the persisted key/value layer standing in for browser
// local storage. Values are whole JSON snapshots; a Set replaces the
// previous value entirely and the last writer wins.
package storage

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// Keys persisted by the front-end components.
const (
	KeyChatHistory     = "ailydian_chat_history"
	KeyConversations   = "ailydian_conversations"
	KeyFunnelProgress  = "ailydian_funnel_progress"
	KeyLanguage        = "ailydian-language"
	KeyGovernanceLang  = "governance_lang"
	KeyWidgetMinimized = "ecw_widget_minimized"
	KeyAutoTrack       = "ecw_auto_track"
)

var ErrNotFound = xerrors.New("key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
