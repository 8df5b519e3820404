package mockserver

import (
	"crypto/md5"
	"encoding/hex"
	"path"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// entry is a file or folder held by the mock.
type entry struct {
	ID       int64
	ParentID int64
	Name     string
	Dir      bool
	Size     int64
	Etag     string
	Data     []byte
	Trashed  bool
	Created  time.Time
}

// pendingUpload is an open multipart session.
type pendingUpload struct {
	ParentID  int64
	Name      string
	Etag      string
	Size      int64
	SliceSize int64
	Slices    [][]byte
	// Polls counts completion calls that must still answer "not yet".
	Polls  int
	FileID int64
}

func (p *pendingUpload) expectedSlices() int {
	if p.Size == 0 {
		return 0
	}
	return int((p.Size + p.SliceSize - 1) / p.SliceSize)
}

func (p *pendingUpload) assemble() []byte {
	out := make([]byte, 0, p.Size)
	for _, s := range p.Slices {
		out = append(out, s...)
	}
	return out
}

type offlineTask struct {
	ID       int64
	URL      string
	DirID    int64
	FileName string
	// Polls counts progress queries that still report the task running.
	Polls   int
	Paused  bool
	Created time.Time
}

func (t *offlineTask) detail() gin.H {
	status, progress := "downloading", 50
	switch {
	case t.Paused:
		status = "paused"
	case t.Polls == 0:
		status, progress = "completed", 100
	}
	name := t.FileName
	if name == "" {
		name = path.Base(t.URL)
	}
	return gin.H{
		"taskID":     t.ID,
		"taskName":   name,
		"taskUrl":    t.URL,
		"taskStatus": status,
		"progress":   progress,
		"createTime": t.Created.Format(time.DateTime),
	}
}

// store is the mock's in-memory state. Callers hold Server.mu.
type store struct {
	nextID  int64
	entries map[int64]*entry
	byEtag  map[string]int64
	uploads map[string]*pendingUpload
	tokens  map[string]time.Time
	offline map[int64]*offlineTask
}

func newStore() *store {
	return &store{
		nextID:  1000,
		entries: make(map[int64]*entry),
		byEtag:  make(map[string]int64),
		uploads: make(map[string]*pendingUpload),
		tokens:  make(map[string]time.Time),
		offline: make(map[int64]*offlineTask),
	}
}

func (s *store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *store) addDir(parentID int64, name string) *entry {
	e := &entry{ID: s.id(), ParentID: parentID, Name: name, Dir: true, Created: time.Now()}
	s.entries[e.ID] = e
	return e
}

func (s *store) addFile(parentID int64, name string, data []byte) *entry {
	sum := md5.Sum(data)
	e := &entry{
		ID:       s.id(),
		ParentID: parentID,
		Name:     name,
		Size:     int64(len(data)),
		Etag:     hex.EncodeToString(sum[:]),
		Data:     data,
		Created:  time.Now(),
	}
	s.entries[e.ID] = e
	s.byEtag[e.Etag] = e.ID
	return e
}

// reusable returns a stored file with the same content, if any.
func (s *store) reusable(etag string, size int64) (*entry, bool) {
	id, ok := s.byEtag[etag]
	if !ok {
		return nil, false
	}
	e, ok := s.entries[id]
	if !ok || e.Size != size {
		return nil, false
	}
	return e, true
}

func (s *store) children(parentID int64) []*entry {
	var out []*entry
	for _, e := range s.entries {
		if e.ParentID == parentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *store) usedSpace() int64 {
	var n int64
	for _, e := range s.entries {
		n += e.Size
	}
	return n
}
