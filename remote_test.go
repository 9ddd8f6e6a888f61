package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/drivedav/internal/drive"
)

type memNode struct {
	item    drive.Item
	content []byte
}

// memRemote is an in-memory drive for exercising the file commands.
type memRemote struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	children map[string][]string
	nextID   int
}

func newMemRemote() *memRemote {
	return &memRemote{
		nodes:    map[string]*memNode{drive.RootID: {item: drive.Item{ID: drive.RootID, IsFolder: true}}},
		children: make(map[string][]string),
	}
}

func (m *memRemote) add(parentID, name string, folder bool, content string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addLocked(parentID, name, folder, []byte(content))
}

func (m *memRemote) addLocked(parentID, name string, folder bool, content []byte) string {
	m.nextID++
	id := fmt.Sprintf("id-%d", m.nextID)

	m.nodes[id] = &memNode{
		item: drive.Item{
			ID:         id,
			ParentID:   parentID,
			Name:       name,
			IsFolder:   folder,
			Size:       int64(len(content)),
			ModifiedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		content: content,
	}
	m.children[parentID] = append(m.children[parentID], id)

	return id
}

func (m *memRemote) child(parentID, name string) *memNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.children[parentID] {
		if m.nodes[id].item.Name == name {
			return m.nodes[id]
		}
	}

	return nil
}

func (m *memRemote) ListChildren(_ context.Context, parentID string) ([]drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[parentID]; !ok {
		return nil, drive.ErrNotFound
	}

	items := make([]drive.Item, 0, len(m.children[parentID]))
	for _, id := range m.children[parentID] {
		items = append(items, m.nodes[id].item)
	}

	return items, nil
}

func (m *memRemote) CreateFolder(_ context.Context, parentID, name string) (*drive.Item, error) {
	if m.child(parentID, name) != nil {
		return nil, drive.ErrConflict
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.nodes[m.addLocked(parentID, name, true, nil)].item

	return &it, nil
}

func (m *memRemote) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return drive.ErrNotFound
	}

	kids := m.children[n.item.ParentID]
	for i, k := range kids {
		if k == id {
			m.children[n.item.ParentID] = append(kids[:i:i], kids[i+1:]...)

			break
		}
	}

	delete(m.nodes, id)

	return nil
}

func (m *memRemote) Rename(_ context.Context, id, newName string) (*drive.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes[id].item.Name = newName
	it := m.nodes[id].item

	return &it, nil
}

func (m *memRemote) Move(context.Context, string, string, string) error {
	return drive.ErrConflict
}

func (m *memRemote) DownloadURL(_ context.Context, id string) (*drive.DownloadLink, error) {
	return &drive.DownloadLink{URL: "mem://" + id, Expiration: time.Now().Add(time.Hour)}, nil
}

func (m *memRemote) DownloadRange(_ context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[strings.TrimPrefix(url, "mem://")]
	if !ok {
		return nil, drive.ErrNotFound
	}

	data := n.content[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memRemote) Upload(_ context.Context, parentID, name string, r io.Reader, size int64) (*drive.Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: got %d want %d", len(data), size)
	}

	if m.child(parentID, name) != nil {
		return nil, drive.ErrConflict
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.nodes[m.addLocked(parentID, name, false, data)].item

	return &it, nil
}
