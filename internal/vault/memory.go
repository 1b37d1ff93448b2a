package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Memory is a Store kept entirely in process memory, optionally mirrored to
// a JSON file so a dev daemon survives restarts. It serializes writes the
// way the real vault does (single-writer per daemon process).
type Memory struct {
	mu       sync.Mutex
	records  map[string]map[string]*Record // owner -> id -> record
	lastTime time.Time
	path     string
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]*Record),
		now:     time.Now,
	}
}

// NewFileBacked returns a Memory store that loads from and mirrors every
// mutation to the JSON file at path.
func NewFileBacked(path string) (*Memory, error) {
	m := NewMemory()
	m.path = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vault file %#v", path)
	}
	if err = m.load(data); err != nil {
		return nil, err
	}
	return m, nil
}

// stamp returns a creation time strictly greater than every previously
// issued one, so chain replay order is total even within one clock tick.
func (m *Memory) stamp() time.Time {
	t := m.now()
	if !t.After(m.lastTime) {
		t = m.lastTime.Add(time.Microsecond)
	}
	m.lastTime = t
	return t
}

func (m *Memory) ownerRecords(owner string) map[string]*Record {
	recs, ok := m.records[owner]
	if !ok {
		recs = make(map[string]*Record)
		m.records[owner] = recs
	}
	return recs
}

func marshalData(req CreateRequest) ([]byte, error) {
	if req.Data == nil {
		return nil, nil
	}
	data, err := json.Marshal(req.Data)
	return data, errors.Wrap(err, "failed to marshal record data")
}

func (m *Memory) Create(ctx context.Context, owner string, typ RecordType, req CreateRequest) (*Record, error) {
	data, err := marshalData(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.ownerRecords(owner)

	rec := &Record{
		ID:         uuid.NewString(),
		Type:       typ,
		Parent:     req.Parent,
		DataFormat: req.DataFormat,
		CreatedAt:  m.stamp(),
		Tags:       req.Tags.clone(),
		data:       data,
		blob:       req.Blob,
	}

	// upsert-by-key types replace the existing record in place, keeping its
	// id stable: the id is a context other records are parented under
	if key, ok := dedupKey(typ); ok {
		for _, prev := range recs {
			if prev.Type == typ && prev.Parent == req.Parent && prev.Tags[key] == req.Tags[key] {
				rec.ID = prev.ID
				rec.CreatedAt = prev.CreatedAt
				break
			}
		}
	}

	recs[rec.ID] = rec
	return rec.copy(), m.persist()
}

func (m *Memory) Query(ctx context.Context, owner string, typ RecordType, q Query) (out []*Record, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records[owner] {
		if rec.Type != typ {
			continue
		}
		if q.Parent != "" && rec.Parent != q.Parent {
			continue
		}
		if !matchTags(rec.Tags, q.Tags) {
			continue
		}
		out = append(out, rec.copy())
	}

	sort.Slice(out, func(i, j int) bool {
		if q.DateSort == SortDesc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (m *Memory) Update(ctx context.Context, owner string, id string, req CreateRequest) (*Record, error) {
	data, err := marshalData(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[owner][id]
	if !ok {
		return nil, &NotFoundError{Owner: owner, ID: id}
	}

	if data != nil {
		rec.data = data
	}
	if req.Blob != nil {
		rec.blob = req.Blob
	}
	if req.Tags != nil {
		rec.Tags = req.Tags.clone()
	}
	if req.DataFormat != "" {
		rec.DataFormat = req.DataFormat
	}

	return rec.copy(), m.persist()
}

func (m *Memory) Erase(ctx context.Context, owner string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[owner][id]; !ok {
		return &NotFoundError{Owner: owner, ID: id}
	}
	delete(m.records[owner], id)
	return m.persist()
}

func matchTags(have, want Tags) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (r *Record) copy() *Record {
	c := *r
	c.Tags = r.Tags.clone()
	return &c
}

type (
	persistedRecord struct {
		ID         string    `json:"id"`
		Owner      string    `json:"owner"`
		Type       string    `json:"type"`
		Parent     string    `json:"parent,omitempty"`
		DataFormat string    `json:"dataFormat,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
		Tags       Tags      `json:"tags,omitempty"`
		Data       string    `json:"data,omitempty"`
		Blob       string    `json:"blob,omitempty"`
	}

	persistedVault struct {
		Records []persistedRecord `json:"records"`
	}
)

// persist is called with m.mu held.
func (m *Memory) persist() error {
	if m.path == "" {
		return nil
	}

	var pv persistedVault
	for owner, recs := range m.records {
		for _, rec := range recs {
			pv.Records = append(pv.Records, persistedRecord{
				ID:         rec.ID,
				Owner:      owner,
				Type:       string(rec.Type),
				Parent:     rec.Parent,
				DataFormat: rec.DataFormat,
				CreatedAt:  rec.CreatedAt,
				Tags:       rec.Tags,
				Data:       string(rec.data),
				Blob:       base64.StdEncoding.EncodeToString(rec.blob),
			})
		}
	}
	sort.Slice(pv.Records, func(i, j int) bool {
		return pv.Records[i].CreatedAt.Before(pv.Records[j].CreatedAt)
	})

	data, err := json.MarshalIndent(&pv, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal vault state")
	}

	tmp := m.path + ".tmp"
	if err = os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create vault directory")
	}
	if err = os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write vault file %#v", tmp)
	}
	return errors.Wrap(os.Rename(tmp, m.path), "failed to replace vault file")
}

func (m *Memory) load(data []byte) error {
	var pv persistedVault
	if err := json.Unmarshal(data, &pv); err != nil {
		return errors.Wrapf(err, "vault file %#v is malformed", m.path)
	}

	for _, pr := range pv.Records {
		blob, err := base64.StdEncoding.DecodeString(pr.Blob)
		if err != nil {
			return errors.Wrapf(err, "record %#v has a malformed blob payload", pr.ID)
		}
		if len(blob) == 0 {
			blob = nil
		}
		var recData []byte
		if pr.Data != "" {
			recData = []byte(pr.Data)
		}

		rec := &Record{
			ID:         pr.ID,
			Type:       RecordType(pr.Type),
			Parent:     pr.Parent,
			DataFormat: pr.DataFormat,
			CreatedAt:  pr.CreatedAt,
			Tags:       pr.Tags,
			data:       recData,
			blob:       blob,
		}
		m.ownerRecords(pr.Owner)[rec.ID] = rec

		if rec.CreatedAt.After(m.lastTime) {
			m.lastTime = rec.CreatedAt
		}
	}

	return nil
}
