// Package audit implements the Audit/Event Recorder (C9): an
// append-only structured event stream with causal links, queryable via
// boolean filter expressions.
package audit

import (
	"sync"
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/go-hclog"

	"github.com/fleetsched/fleetsched/internal/structs"
)

// Recorder is the default in-process implementation of C9. It never
// blocks the scheduler loop's critical path beyond an in-memory
// append; a real deployment would wrap this with an async flush to the
// external audit backend (out of scope per spec §1/§6).
type Recorder struct {
	log hclog.Logger

	mu     sync.Mutex
	events []*structs.AuditEvent
	nextSeq uint64
}

func New(log hclog.Logger) *Recorder {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Recorder{log: log.Named("audit"), nextSeq: 1}
}

// Record appends a new event, assigning the next monotonic seq.
func (r *Recorder) Record(kind structs.AuditEventKind, actor string, subjectRefs []string, payload map[string]any, causes ...uint64) *structs.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := &structs.AuditEvent{
		Seq:         r.nextSeq,
		TS:          time.Now(),
		Kind:        kind,
		Actor:       actor,
		SubjectRefs: subjectRefs,
		Payload:     payload,
		Causes:      causes,
	}
	r.nextSeq++
	r.events = append(r.events, ev)
	r.log.Debug("recorded event", "seq", ev.Seq, "kind", ev.Kind)
	return ev
}

// queryableEvent is the flat shape go-bexpr evaluates filters against;
// AuditEvent's Payload is a map so it is exposed alongside the
// envelope fields rather than nested, matching bexpr's selector idiom.
type queryableEvent struct {
	Seq         uint64
	Kind        string
	Actor       string
	SubjectRefs []string
	Payload     map[string]any
}

// Query returns every recorded event matching a go-bexpr filter
// expression (empty string matches everything), in seq order. The
// spec calls this "a lazy finite sequence, not restartable unless the
// backend supports it" — this in-memory implementation materializes
// the full filtered slice since it holds no external cursor to
// exhaust, but callers should treat the returned slice as a one-shot
// view, not a live feed.
func (r *Recorder) Query(filter string) ([]*structs.AuditEvent, error) {
	var eval *bexpr.Evaluator
	if filter != "" {
		var err error
		eval, err = bexpr.CreateEvaluator(filter)
		if err != nil {
			return nil, structs.NewValidationError("audit: invalid filter: %v", err)
		}
	}

	r.mu.Lock()
	snapshot := make([]*structs.AuditEvent, len(r.events))
	copy(snapshot, r.events)
	r.mu.Unlock()

	if eval == nil {
		out := make([]*structs.AuditEvent, len(snapshot))
		for i, e := range snapshot {
			out[i] = e.Copy()
		}
		return out, nil
	}

	var out []*structs.AuditEvent
	for _, e := range snapshot {
		qe := queryableEvent{
			Seq:         e.Seq,
			Kind:        string(e.Kind),
			Actor:       e.Actor,
			SubjectRefs: e.SubjectRefs,
			Payload:     e.Payload,
		}
		matched, err := eval.Evaluate(qe)
		if err != nil {
			return nil, structs.NewValidationError("audit: filter evaluation: %v", err)
		}
		if matched {
			out = append(out, e.Copy())
		}
	}
	return out, nil
}

// Len returns the number of recorded events, mostly for tests.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
