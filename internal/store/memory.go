package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

type memoryDoc struct {
	rev  string
	body []byte
}

// Memory keeps documents in process. Bodies are stored encoded so callers
// never share maps with the store.
type Memory struct {
	name string
	mu   sync.Mutex
	docs map[string]memoryDoc
}

func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{name: name, docs: make(map[string]memoryDoc)}
}

func (m *Memory) Insert(ctx context.Context, f types.Feature) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{ID: newID(), Rev: firstRev()}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[ref.ID] = memoryDoc{rev: ref.Rev, body: body}
	return ref, nil
}

func (m *Memory) List(ctx context.Context) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]Document, 0, len(m.docs))
	for id, d := range m.docs {
		var f types.Feature
		if err := json.Unmarshal(d.body, &f); err != nil {
			return nil, err
		}
		docs = append(docs, Document{Ref: Ref{ID: id, Rev: d.rev}, Feature: f})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *Memory) BulkDelete(ctx context.Context, refs []Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bulkErr := &BulkDeleteError{Requested: len(refs)}
	for _, ref := range refs {
		d, ok := m.docs[ref.ID]
		switch {
		case !ok:
			bulkErr.add(ref, errors.Errorf("%s: not found", ref.ID))
		case d.rev != ref.Rev:
			bulkErr.add(ref, errors.Errorf("%s: conflict", ref.ID))
		default:
			delete(m.docs, ref.ID)
		}
	}
	return bulkErr.orNil()
}

func (m *Memory) Info(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{Backend: "memory", Name: m.name, DocCount: int64(len(m.docs))}, nil
}

func (m *Memory) Close() error { return nil }

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// firstRev follows the CouchDB "<generation>-<hash>" revision format.
// Documents are never updated in place, so every revision is the first.
func firstRev() string {
	return "1-" + newID()
}
