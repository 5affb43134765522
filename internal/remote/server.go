// Package remote implements a reference remote authority for the sync
// endpoint. It backs local development (`stepsync serve`) and the
// integration tests and scenario harness.
//
// Conflict model: a field edited on the server (through Edit or the admin
// endpoint) is pending until a client submission settles it. A submission
// that carries a different value for a pending field is reported as a
// field conflict. A submission whose schema version is older than the
// server record's is reported as a whole-record conflict.
package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/stepsync/internal/record"
)

// ErrUnknownStep is returned when a step has no server record.
var ErrUnknownStep = errors.New("remote: unknown step")

// entry is the server's copy of one step.
type entry struct {
	rec record.StepRecord

	// edited holds the fields changed server-side that no client has
	// settled yet.
	edited map[string]bool
}

// Server is the remote authority. It is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	steps    map[int]*entry
	replies  map[string]record.SyncResponse
	token    string
	readOnly bool
	failNext int
	requests int

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on sync requests.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithClock sets the clock used to stamp accepted records.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		steps:   make(map[int]*entry),
		replies: make(map[string]record.SyncResponse),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReadOnly makes sync requests fail with 403 while on.
func (s *Server) SetReadOnly(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = on
}

// FailNext makes the next n sync requests fail with 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Requests returns the number of sync requests received, failed ones
// included.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Step returns the server record of step.
func (s *Server) Step(step int) (record.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.steps[step]
	if !ok {
		return record.StepRecord{}, fmt.Errorf("%w: %d", ErrUnknownStep, step)
	}
	return cloneRecord(e.rec), nil
}

// Edit changes fields of step on the server, as another client or an
// operator would. Fields whose value changes become pending. A
// schemaVersion of 0 keeps the current version.
func (s *Server) Edit(step int, data record.Data, schemaVersion int) (record.StepRecord, error) {
	if step < 1 {
		return record.StepRecord{}, fmt.Errorf("step must be >= 1, got %d", step)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.steps[step]
	if !ok {
		e = &entry{rec: record.StepRecord{Step: step, Data: record.Data{}}, edited: map[string]bool{}}
		s.steps[step] = e
	}
	for name, v := range data {
		if !record.EqualValues(e.rec.Data[name], v) {
			e.edited[name] = true
		}
		e.rec.Data[name] = v
	}
	if schemaVersion > e.rec.SchemaVersion {
		e.rec.SchemaVersion = schemaVersion
	}
	e.rec.UpdatedAt = s.now().UTC()

	s.logger.Debug("server edit", "step", step, "pending", sortedNames(e.edited))
	return cloneRecord(e.rec), nil
}

// admit applies the fault injection, auth and read-only checks in that
// order. It returns the HTTP status to fail with, or 0.
func (s *Server) admit(authorization string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	switch {
	case s.failNext > 0:
		s.failNext--
		return 503
	case s.token != "" && authorization != "Bearer "+s.token:
		return 401
	case s.readOnly:
		return 403
	}
	return 0
}

// Apply processes a sync request. A request replayed with the same
// idempotency key gets the first answer without being applied again.
func (s *Server) Apply(key string, req record.SyncRequest) (record.SyncResponse, error) {
	for _, rec := range req.Steps {
		if err := rec.Validate(); err != nil {
			return record.SyncResponse{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if resp, ok := s.replies[key]; ok {
			s.logger.Debug("replayed sync request", "key", key)
			return resp, nil
		}
	}

	resp := record.SyncResponse{
		Conflicts:    []record.ConflictDescriptor{},
		UpdatedSteps: []record.StepRecord{},
	}
	for _, rec := range req.Steps {
		res, resolved := req.Resolution[rec.Step]
		c, conflicted := s.detect(rec)
		if conflicted && !resolved {
			resp.Conflicts = append(resp.Conflicts, c)
			continue
		}

		e := s.steps[rec.Step]
		if e == nil {
			e = &entry{edited: map[string]bool{}}
			s.steps[rec.Step] = e
		}
		if conflicted {
			e.rec = s.resolve(e.rec, rec, c, res)
		} else {
			e.rec = s.accept(e.rec, rec)
		}
		e.edited = map[string]bool{}
		resp.UpdatedSteps = append(resp.UpdatedSteps, cloneRecord(e.rec))
	}

	if key != "" {
		s.replies[key] = resp
	}
	s.logger.Info("sync applied",
		"steps", len(req.Steps),
		"conflicts", len(resp.Conflicts),
		"resolutions", len(req.Resolution),
	)
	return resp, nil
}

// detect compares a submission with the server record. Callers hold mu.
func (s *Server) detect(rec record.StepRecord) (record.ConflictDescriptor, bool) {
	e, ok := s.steps[rec.Step]
	if !ok {
		return record.ConflictDescriptor{}, false
	}
	if rec.SchemaVersion < e.rec.SchemaVersion {
		return record.ConflictDescriptor{Step: rec.Step}, true
	}

	desc := record.ConflictDescriptor{Step: rec.Step}
	for _, name := range sortedNames(e.edited) {
		server := e.rec.Data[name]
		client := rec.Data[name]
		if record.EqualValues(server, client) {
			continue
		}
		desc.Fields = append(desc.Fields, record.FieldConflict{Name: name, Server: server, Client: client})
	}
	return desc, len(desc.Fields) > 0
}

// accept stores a submission that does not conflict.
func (s *Server) accept(current, rec record.StepRecord) record.StepRecord {
	out := cloneRecord(rec)
	if out.Data == nil {
		out.Data = record.Data{}
	}
	if current.SchemaVersion > out.SchemaVersion {
		out.SchemaVersion = current.SchemaVersion
	}
	out.UpdatedAt = s.now().UTC()
	return out
}

// resolve settles a conflicting submission with the client's resolution.
// Merge fields the resolution does not mention keep the server value.
func (s *Server) resolve(current, rec record.StepRecord, c record.ConflictDescriptor, res record.Resolution) record.StepRecord {
	switch res.Mode {
	case record.ModeClient:
		return s.accept(current, rec)

	case record.ModeMerge:
		out := cloneRecord(current)
		if c.WholeRecord() {
			for name, side := range res.Fields {
				if side != record.SideClient {
					continue
				}
				if v, ok := rec.Data[name]; ok {
					out.Data[name] = v
				} else {
					delete(out.Data, name)
				}
			}
		} else {
			out.Data = c.ServerData(rec.Data)
			for _, f := range c.Fields {
				if res.Fields[f.Name] != record.SideClient {
					continue
				}
				if f.Client == nil {
					delete(out.Data, f.Name)
				} else {
					out.Data[f.Name] = f.Client
				}
			}
		}
		out.UpdatedAt = s.now().UTC()
		return out

	default:
		out := cloneRecord(current)
		out.UpdatedAt = s.now().UTC()
		return out
	}
}

func cloneRecord(r record.StepRecord) record.StepRecord {
	r.Data = r.Data.Clone()
	if r.Data == nil {
		r.Data = record.Data{}
	}
	return r
}

func sortedNames(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
