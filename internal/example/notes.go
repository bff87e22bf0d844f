// Package example implements the demo service that cmd/dispatchd serves.
package example

import (
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/advdv/bdispatch"
	"github.com/advdv/bdispatch/app"
	"github.com/advdv/bdispatch/interceptor"
	"github.com/advdv/bdispatch/route"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Note is a stored note.
type Note struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Notes keeps notes in memory.
type Notes struct {
	rt *app.Runtime

	mu    sync.Mutex
	next  int
	notes map[int]Note
}

// NewNotes inits the handlers.
func NewNotes(rt *app.Runtime) *Notes {
	return &Notes{rt: rt, notes: map[int]Note{}}
}

// Routing registers the service's routes. Deleting requires the X-Api-Key header to match keys and uploads are
// rate limited per client.
func Routing(keys ...string) func(t *route.Table, h *Notes) {
	return func(t *route.Table, h *Notes) {
		t.Use(interceptor.AccessLog(), interceptor.RequestIDHeader("X-Request-Id"))

		t.HandleFunc("GET /notes", h.List, "list-notes")
		t.HandleFunc("GET /notes/{id:[0-9]+}", h.Get, "get-note")
		t.Handle("POST /notes", bdispatch.Wrap(bdispatch.HandlerFunc(h.Create), bdispatch.WithCode(bdispatch.CodeBadRequest)))
		t.With(interceptor.RateLimit(5, 10)).HandleFunc("POST /uploads", h.Upload)
		t.MountFunc("GET /echo", h.Echo)
		t.With(interceptor.APIKey("X-Api-Key", keys...)).HandleFunc("DELETE /notes/{id:[0-9]+}", h.Delete)
	}
}

// List returns all notes ordered by id.
func (h *Notes) List(_ *bdispatch.Request, resp *bdispatch.Response) error {
	h.mu.Lock()
	ids := make([]int, 0, len(h.notes))
	for id := range h.notes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	list := make([]Note, 0, len(ids))
	for _, id := range ids {
		list = append(list, h.notes[id])
	}
	h.mu.Unlock()

	return resp.SetJSON(list)
}

// Get returns one note.
func (h *Notes) Get(req *bdispatch.Request, resp *bdispatch.Response) error {
	n, err := h.lookup(req)
	if err != nil {
		return err
	}

	return resp.SetJSON(n)
}

// Create stores the "text" field of a JSON body.
func (h *Notes) Create(req *bdispatch.Request, resp *bdispatch.Response) error {
	text := req.JSON("text")
	if !text.Exists() || text.String() == "" {
		return errors.New("body must have a non-empty \"text\" field")
	}

	h.mu.Lock()
	h.next++
	n := Note{ID: h.next, Text: text.String()}
	h.notes[n.ID] = n
	h.mu.Unlock()

	loc, err := h.rt.Reverse("get-note", strconv.Itoa(n.ID))
	if err != nil {
		return err
	}

	bdispatch.Log(req.Context()).Info("note created", zap.Int("note_id", n.ID))

	resp.Header().Set("Location", loc)
	resp.SetStatus(http.StatusCreated)

	return resp.SetJSON(n)
}

// Delete removes a note.
func (h *Notes) Delete(req *bdispatch.Request, resp *bdispatch.Response) error {
	n, err := h.lookup(req)
	if err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.notes, n.ID)
	h.mu.Unlock()

	resp.SetStatus(http.StatusNoContent)
	return nil
}

type upload struct {
	Field string `json:"field"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// Upload reports the files of a multipart body.
func (h *Notes) Upload(req *bdispatch.Request, resp *bdispatch.Response) error {
	out := []upload{}
	for _, field := range []string{"file", "files"} {
		for _, fh := range req.Files(field) {
			out = append(out, upload{Field: field, Name: fh.Filename, Size: fh.Size})
		}
	}

	if len(out) == 0 {
		return bdispatch.NewError(bdispatch.CodeBadRequest, errors.New("no files uploaded"))
	}

	return resp.SetJSON(out)
}

// Echo writes back the path below its mount point.
func (h *Notes) Echo(req *bdispatch.Request, resp *bdispatch.Response) error {
	resp.SetContentType("text/plain; charset=utf-8")
	resp.SetResult(req.PathValue(route.RestKey))

	return nil
}

func (h *Notes) lookup(req *bdispatch.Request) (Note, error) {
	id, err := strconv.Atoi(req.PathValue("id"))
	if err != nil {
		return Note{}, bdispatch.NewError(bdispatch.CodeBadRequest, errors.Wrap(err, "parse id"))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.notes[id]
	if !ok {
		return Note{}, bdispatch.NewError(bdispatch.CodeNotFound, errors.Newf("note %d not found", id))
	}

	return n, nil
}
