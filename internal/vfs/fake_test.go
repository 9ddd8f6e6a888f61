package vfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tonimelisma/drivedav/internal/drive"
)

type fakeNode struct {
	item    drive.Item
	content []byte
}

// fakeRemote is an in-memory drive. Children keep insertion order.
type fakeRemote struct {
	mu       sync.Mutex
	nodes    map[string]*fakeNode
	children map[string][]string
	nextID   int

	listCalls  map[string]int
	removed    []string
	failWith   error
	listBlock  chan struct{}
	urlExpired int
}

func newFakeRemote() *fakeRemote {
	f := &fakeRemote{
		nodes:     map[string]*fakeNode{drive.RootID: {item: drive.Item{ID: drive.RootID, IsFolder: true}}},
		children:  make(map[string][]string),
		listCalls: make(map[string]int),
	}

	return f
}

func (f *fakeRemote) add(parentID, name string, folder bool, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.addLocked(parentID, name, folder, []byte(content))
}

func (f *fakeRemote) addLocked(parentID, name string, folder bool, content []byte) string {
	f.nextID++
	id := fmt.Sprintf("id-%d", f.nextID)

	f.nodes[id] = &fakeNode{
		item: drive.Item{
			ID:          id,
			ParentID:    parentID,
			Name:        name,
			IsFolder:    folder,
			Size:        int64(len(content)),
			ContentHash: fmt.Sprintf("HASH%d", f.nextID),
			ModifiedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		content: content,
	}
	f.children[parentID] = append(f.children[parentID], id)

	return id
}

func (f *fakeRemote) lists(parentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.listCalls[parentID]
}

func (f *fakeRemote) findChild(parentID, name string) *fakeNode {
	for _, id := range f.children[parentID] {
		if f.nodes[id].item.Name == name {
			return f.nodes[id]
		}
	}

	return nil
}

func (f *fakeRemote) detach(id string) {
	n := f.nodes[id]
	kids := f.children[n.item.ParentID]

	for i, k := range kids {
		if k == id {
			f.children[n.item.ParentID] = append(kids[:i:i], kids[i+1:]...)
			break
		}
	}
}

func (f *fakeRemote) ListChildren(_ context.Context, parentID string) ([]drive.Item, error) {
	if f.listBlock != nil {
		<-f.listBlock
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls[parentID]++

	if f.failWith != nil {
		return nil, f.failWith
	}

	if _, ok := f.nodes[parentID]; !ok {
		return nil, drive.ErrNotFound
	}

	items := make([]drive.Item, 0, len(f.children[parentID]))
	for _, id := range f.children[parentID] {
		items = append(items, f.nodes[id].item)
	}

	return items, nil
}

func (f *fakeRemote) CreateFolder(_ context.Context, parentID, name string) (*drive.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.findChild(parentID, name) != nil {
		return nil, drive.ErrConflict
	}

	id := f.addLocked(parentID, name, true, nil)
	it := f.nodes[id].item

	return &it, nil
}

func (f *fakeRemote) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[id]; !ok {
		return drive.ErrNotFound
	}

	f.detach(id)
	delete(f.nodes, id)
	f.removed = append(f.removed, id)

	return nil
}

func (f *fakeRemote) Rename(_ context.Context, id, newName string) (*drive.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.nodes[id]
	if f.findChild(n.item.ParentID, newName) != nil {
		return nil, drive.ErrConflict
	}

	n.item.Name = newName
	it := n.item

	return &it, nil
}

func (f *fakeRemote) Move(_ context.Context, id, newParentID, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.nodes[id]
	f.detach(id)
	n.item.ParentID = newParentID

	if newName != "" {
		n.item.Name = newName
	}

	f.children[newParentID] = append(f.children[newParentID], id)

	return nil
}

func (f *fakeRemote) DownloadURL(_ context.Context, id string) (*drive.DownloadLink, error) {
	return &drive.DownloadLink{URL: "mem://" + id, Expiration: time.Now().Add(time.Hour)}, nil
}

func (f *fakeRemote) DownloadRange(_ context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.urlExpired > 0 {
		f.urlExpired--
		return nil, drive.ErrURLExpired
	}

	n, ok := f.nodes[url[len("mem://"):]]
	if !ok {
		return nil, drive.ErrNotFound
	}

	data := n.content[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Upload(_ context.Context, parentID, name string, r io.Reader, size int64) (*drive.Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: got %d want %d", len(data), size)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.findChild(parentID, name) != nil {
		return nil, drive.ErrConflict
	}

	id := f.addLocked(parentID, name, false, data)
	it := f.nodes[id].item

	return &it, nil
}
