package audit

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/fleetsched/fleetsched/internal/structs"
)

func TestRecord_AssignsMonotonicSeq(t *testing.T) {
	r := New(nil)
	e1 := r.Record(structs.EventJobScheduled, "scheduler", []string{"j1"}, nil)
	e2 := r.Record(structs.EventJobCompleted, "scheduler", []string{"j1"}, nil)
	must.Eq(t, uint64(1), e1.Seq)
	must.Eq(t, uint64(2), e2.Seq)
	must.Eq(t, 2, r.Len())
}

func TestQuery_EmptyFilterReturnsEverything(t *testing.T) {
	r := New(nil)
	r.Record(structs.EventJobScheduled, "scheduler", nil, nil)
	r.Record(structs.EventJobFailed, "scheduler", nil, nil)

	events, err := r.Query("")
	must.NoError(t, err)
	must.Len(t, 2, events)
}

func TestQuery_FiltersByKind(t *testing.T) {
	r := New(nil)
	r.Record(structs.EventJobScheduled, "scheduler", []string{"j1"}, nil)
	r.Record(structs.EventJobFailed, "scheduler", []string{"j2"}, nil)

	events, err := r.Query(`Kind == "job_failed"`)
	must.NoError(t, err)
	must.Len(t, 1, events)
	must.Eq(t, structs.EventJobFailed, events[0].Kind)
}

func TestQuery_ReturnsCopiesNotLiveEntries(t *testing.T) {
	r := New(nil)
	ev := r.Record(structs.EventJobScheduled, "scheduler", []string{"j1"}, nil)

	events, err := r.Query("")
	must.NoError(t, err)
	events[0].SubjectRefs[0] = "mutated"
	must.Eq(t, "j1", ev.SubjectRefs[0])
}
