package status

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

func seed(t *testing.T, store *repository.MemoryStore, id string, ephemeral bool, wf *string) {
	t.Helper()
	require.NoError(t, store.CreateExecution(context.Background(), &models.Execution{
		ExecutionID: id,
		WorkflowID:  wf,
		Ephemeral:   ephemeral,
	}))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	durable, ephemeral := repository.NewMemoryStore(), repository.NewMemoryStore()
	svc := NewService(durable, ephemeral)

	seed(t, durable, "d1", false, nil)
	seed(t, ephemeral, "e1", true, nil)
	require.NoError(t, durable.FinishExecution(ctx, "d1", repository.Outcome{
		Status:     models.ExecutionCompleted,
		RawResult:  json.RawMessage(`{"final":"done"}`),
		ResultText: "done",
	}))

	t.Run("durable completed", func(t *testing.T) {
		v, err := svc.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, v.Status)
		assert.Equal(t, "done", v.ResultText)
		assert.Nil(t, v.Error)
		assert.False(t, v.Ephemeral)

		body, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"result":{"final":"done"}`)
	})

	t.Run("ephemeral processing", func(t *testing.T) {
		v, err := svc.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionProcessing, v.Status)
		assert.True(t, v.Ephemeral)
		assert.Nil(t, v.Result)

		body, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"result":null`)
		assert.Contains(t, string(body), `"error":null`)
	})

	t.Run("error carries message", func(t *testing.T) {
		seed(t, ephemeral, "e2", true, nil)
		require.NoError(t, ephemeral.FinishExecution(ctx, "e2", repository.Outcome{
			Status:       models.ExecutionError,
			ErrorMessage: "tool unreachable",
		}))
		v, err := svc.Get(ctx, "e2")
		require.NoError(t, err)
		require.NotNil(t, v.Error)
		assert.Equal(t, "tool unreachable", *v.Error)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := svc.Get(ctx, "nope")
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "nope", nf.ExecutionID)
	})

	t.Run("repeated reads are identical", func(t *testing.T) {
		a, err := svc.Get(ctx, "d1")
		require.NoError(t, err)
		b, err := svc.Get(ctx, "d1")
		require.NoError(t, err)
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		assert.JSONEq(t, string(ja), string(jb))
	})
}

func TestGetWithoutDurableStore(t *testing.T) {
	ephemeral := repository.NewMemoryStore()
	seed(t, ephemeral, "only", true, nil)
	svc := NewService(nil, ephemeral)

	v, err := svc.Get(context.Background(), "only")
	require.NoError(t, err)
	assert.Equal(t, "only", v.ExecutionID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(500))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	durable, ephemeral := repository.NewMemoryStore(), repository.NewMemoryStore()
	svc := NewService(durable, ephemeral)

	wf := "wf-1"
	for i := 0; i < 6; i++ {
		var w *string
		if i%2 == 0 {
			w = &wf
		}
		seed(t, durable, fmt.Sprintf("d%d", i), false, w)
		seed(t, ephemeral, fmt.Sprintf("e%d", i), true, nil)
	}

	t.Run("merged and limited", func(t *testing.T) {
		views, err := svc.List(ctx, 5, nil)
		require.NoError(t, err)
		require.Len(t, views, 5)
		for i := 1; i < len(views); i++ {
			assert.GreaterOrEqual(t, views[i-1].CreatedAt, views[i].CreatedAt)
		}
	})

	t.Run("default limit covers everything", func(t *testing.T) {
		views, err := svc.List(ctx, 0, nil)
		require.NoError(t, err)
		assert.Len(t, views, 12)
	})

	t.Run("workflow filter", func(t *testing.T) {
		views, err := svc.List(ctx, 0, &wf)
		require.NoError(t, err)
		require.Len(t, views, 3)
		for _, v := range views {
			require.NotNil(t, v.WorkflowID)
			assert.Equal(t, wf, *v.WorkflowID)
		}
	})

	t.Run("within one store newest first", func(t *testing.T) {
		views, err := NewService(durable, nil).List(ctx, 0, nil)
		require.NoError(t, err)
		require.Len(t, views, 6)
		assert.Equal(t, "d5", views[0].ExecutionID)
		assert.Equal(t, "d0", views[5].ExecutionID)
	})
}
