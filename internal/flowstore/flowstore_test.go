package flowstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

func makeFlow(id, host, path string, status int) *model.FlowRecord {
	return &model.FlowRecord{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Status:    model.FlowComplete,
		Request:   model.FlowRequest{Method: "GET", Host: host, Path: path},
		Response:  &model.FlowResponse{StatusCode: status},
	}
}

func TestAddAndGet(t *testing.T) {
	var s = New(8)
	s.Add(makeFlow("f1", "api.example.com", "/v1/user", 200))

	var got, ok = s.Get("f1")
	require.True(t, ok)
	require.Equal(t, "api.example.com", got.Request.Host)

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestPendingFlowUpdatedInPlace(t *testing.T) {
	var s = New(8)
	s.Add(&model.FlowRecord{
		ID:      "f1",
		Status:  model.FlowPending,
		Request: model.FlowRequest{Method: "GET", Host: "api.example.com", Path: "/slow"},
	})
	s.Add(makeFlow("f1", "api.example.com", "/slow", 200))

	require.Equal(t, 1, s.Len())
	var got, _ = s.Get("f1")
	require.Equal(t, model.FlowComplete, got.Status)
	require.Equal(t, 200, got.Response.StatusCode)
}

func TestEvictionDropsOldest(t *testing.T) {
	var s = New(3)
	for i := 1; i <= 5; i++ {
		s.Add(makeFlow(fmt.Sprintf("f%d", i), "api.example.com", "/", 200))
	}
	require.Equal(t, 3, s.Len())

	var _, ok = s.Get("f1")
	require.False(t, ok)
	_, ok = s.Get("f5")
	require.True(t, ok)
}

func TestQueryNewestFirstWithFilter(t *testing.T) {
	var s = New(16)
	s.Add(makeFlow("f1", "api.example.com", "/v1/user", 200))
	s.Add(makeFlow("f2", "cdn.example.com", "/img.png", 200))
	s.Add(makeFlow("f3", "api.example.com", "/v1/login", 401))

	var out, total = s.Query(Filter{Host: "API.example.com"}, 0, 0)
	require.Equal(t, 2, total)
	require.Equal(t, "f3", out[0].ID)
	require.Equal(t, "f1", out[1].ID)

	out, total = s.Query(Filter{StatusMin: 400}, 0, 0)
	require.Equal(t, 1, total)
	require.Equal(t, "f3", out[0].ID)
}

func TestFilterStatusRangeRequiresResponse(t *testing.T) {
	var pending = &model.FlowRecord{
		ID:      "p1",
		Status:  model.FlowPending,
		Request: model.FlowRequest{Method: "GET", Host: "api.example.com", Path: "/"},
	}
	require.False(t, Filter{StatusMin: 200}.Match(pending))
	require.True(t, Filter{}.Match(pending))
}

func TestFilterHasError(t *testing.T) {
	var failed = &model.FlowRecord{
		ID:        "f1",
		Timestamp: time.Now(),
		Status:    model.FlowFailed,
		Request:   model.FlowRequest{Method: "GET", Host: "api.example.com", Path: "/"},
		Error:     "connection reset",
	}
	var yes, no = true, false
	require.True(t, Filter{HasError: &yes}.Match(failed))
	require.False(t, Filter{HasError: &no}.Match(failed))
}

func TestWaitReturnsExistingFlowWithinHorizon(t *testing.T) {
	var s = New(8)
	s.Add(makeFlow("f1", "api.example.com", "/v1/user", 200))

	var got, ok = s.Wait(context.Background(), Filter{Host: "api.example.com"}, 50*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "f1", got.ID)
}

func TestWaitWakesOnMatchingArrival(t *testing.T) {
	var s = New(8)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Add(makeFlow("late", "api.example.com", "/v1/user", 200))
	}()

	var got, ok = s.Wait(context.Background(), Filter{Host: "api.example.com"}, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, "late", got.ID)
}

func TestWaitTimesOutWithoutMatch(t *testing.T) {
	var s = New(8)
	s.Add(makeFlow("f1", "other.example.com", "/", 200))

	var got, ok = s.Wait(context.Background(), Filter{Host: "api.example.com"}, 30*time.Millisecond)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	var s = New(8)
	var ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	var start = time.Now()
	var _, ok = s.Wait(ctx, Filter{Host: "api.example.com"}, 5*time.Second)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}

func TestClearDiscardsEverything(t *testing.T) {
	var s = New(8)
	s.Add(makeFlow("f1", "api.example.com", "/", 200))
	s.Clear()
	require.Equal(t, 0, s.Len())
	var _, ok = s.Get("f1")
	require.False(t, ok)
}
