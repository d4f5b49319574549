package persistence

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/fleetsched/fleetsched/internal/structs"
)

func TestMemoryBackend_PutGetDeleteList(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	require.NoError(t, b.Put(ctx, NamespaceJobs, "j1", []byte("hello")))
	data, ok, err := b.Get(ctx, NamespaceJobs, "j1")
	must.NoError(t, err)
	must.True(t, ok)
	must.Eq(t, "hello", string(data))

	ids, err := b.List(ctx, NamespaceJobs)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"j1"}, ids)

	require.NoError(t, b.Delete(ctx, NamespaceJobs, "j1"))
	_, ok, err = b.Get(ctx, NamespaceJobs, "j1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryBackend_GetMissingNamespaceIsNotFound(t *testing.T) {
	b := NewMemoryBackend()
	_, ok, err := b.Get(context.Background(), NamespaceAudit, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutTypedGetTyped_RoundTripsViaMsgpack(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	job := &structs.Job{
		ID:       "j1",
		TenantID: "t1",
		Name:     "render",
		Priority: structs.PriorityHigh,
		Status:   structs.JobQueued,
	}
	require.NoError(t, PutTyped(ctx, b, NamespaceJobs, job.ID, job))

	var out structs.Job
	ok, err := GetTyped(ctx, b, NamespaceJobs, job.ID, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, out.ID)
	require.Equal(t, job.Priority, out.Priority)
	require.Equal(t, job.Status, out.Status)
}

func TestGetTyped_MissingReturnsFalse(t *testing.T) {
	b := NewMemoryBackend()
	var out structs.Job
	ok, err := GetTyped(context.Background(), b, NamespaceJobs, "nope", &out)
	require.NoError(t, err)
	require.False(t, ok)
}
