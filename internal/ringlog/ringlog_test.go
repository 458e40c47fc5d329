package ringlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

func TestAppendAssignsIdentityAndSequence(t *testing.T) {
	var b = New(8)

	var e1 = b.Append(model.LogEntry{Message: "one", Source: model.SourceSyslog, Level: model.LevelInfo})
	var e2 = b.Append(model.LogEntry{ID: "fixed", Message: "two", Source: model.SourceSyslog, Level: model.LevelInfo})

	require.NotEmpty(t, e1.ID)
	require.Equal(t, "fixed", e2.ID) // a caller-assigned id is kept
	require.Equal(t, uint64(1), e1.Seq)
	require.Equal(t, uint64(2), e2.Seq)
	require.False(t, e1.Timestamp.IsZero())
}

func TestAppendNormalizesCRLF(t *testing.T) {
	var b = New(8)
	var e = b.Append(model.LogEntry{Message: "line one\r\nline two"})
	require.Equal(t, "line one\nline two", e.Message)
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	var b = New(3)
	for i := 1; i <= 5; i++ {
		b.Append(model.LogEntry{Message: fmt.Sprintf("entry %d", i)})
	}
	require.Equal(t, 3, b.Len())

	var res = b.Query(Filter{}, 0, 0)
	require.Len(t, res.Entries, 3)
	// Newest first: 5, 4, 3. Entries 1 and 2 were evicted.
	require.Equal(t, "entry 5", res.Entries[0].Message)
	require.Equal(t, "entry 3", res.Entries[2].Message)
}

func TestQueryLimitOffsetAndTotal(t *testing.T) {
	var b = New(16)
	for i := 1; i <= 6; i++ {
		b.Append(model.LogEntry{Message: fmt.Sprintf("entry %d", i)})
	}

	var res = b.Query(Filter{}, 2, 1)
	require.Equal(t, 6, res.Total)
	require.Len(t, res.Entries, 2)
	require.Equal(t, "entry 5", res.Entries[0].Message)
	require.Equal(t, "entry 4", res.Entries[1].Message)

	res = b.Query(Filter{}, 10, 100)
	require.Equal(t, 6, res.Total)
	require.Empty(t, res.Entries)
}

func TestCursorRoundTripSeesOnlyNewerEntries(t *testing.T) {
	var b = New(16)
	b.Append(model.LogEntry{Message: "before"})
	var head = b.Query(Filter{}, 0, 0).Cursor

	var token = head.Encode()
	var decoded, err = DecodeCursor(token)
	require.NoError(t, err)
	require.Equal(t, head.Seq, decoded.Seq)

	b.Append(model.LogEntry{Message: "after"})
	var res = b.Query(Filter{SinceCursor: decoded}, 0, 0)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "after", res.Entries[0].Message)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	var _, err = DecodeCursor("not-base64!!!")
	require.Error(t, err)

	c, err := DecodeCursor("")
	require.NoError(t, err)
	require.Zero(t, c.Seq)
}

func TestFilterLevelFloorAndSearch(t *testing.T) {
	var f = Filter{Level: model.LevelWarning, Search: "disk"}

	require.True(t, f.Match(model.LogEntry{Level: model.LevelError, Message: "Disk full"}))
	require.False(t, f.Match(model.LogEntry{Level: model.LevelInfo, Message: "disk ok"}))
	require.False(t, f.Match(model.LogEntry{Level: model.LevelError, Message: "network down"}))
}

func TestFilterExcludeAndSources(t *testing.T) {
	var f = Filter{
		Sources: []model.LogSource{model.SourceProxy, model.SourceCrash},
		Exclude: "heartbeat",
	}

	require.True(t, f.Match(model.LogEntry{Source: model.SourceProxy, Message: "GET example.com/ -> 200"}))
	require.False(t, f.Match(model.LogEntry{Source: model.SourceSyslog, Message: "GET example.com/ -> 200"}))
	require.False(t, f.Match(model.LogEntry{Source: model.SourceProxy, Message: "Heartbeat tick"}))
}

func TestFilterTimeWindow(t *testing.T) {
	var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var f = Filter{Since: base, Until: base.Add(time.Minute)}

	require.True(t, f.Match(model.LogEntry{Timestamp: base.Add(30 * time.Second)}))
	require.False(t, f.Match(model.LogEntry{Timestamp: base.Add(-time.Second)}))
	require.False(t, f.Match(model.LogEntry{Timestamp: base.Add(2 * time.Minute)}))
}

func TestSubscribeDeliversMatchingEntries(t *testing.T) {
	var b = New(16)
	var sub = b.Subscribe(Filter{Level: model.LevelError})
	defer sub.Close()

	b.Append(model.LogEntry{Level: model.LevelInfo, Message: "ignored"})
	b.Append(model.LogEntry{Level: model.LevelError, Message: "delivered"})

	select {
	case e := <-sub.C:
		require.Equal(t, "delivered", e.Message)
	case <-time.After(time.Second):
		t.Fatal("expected a delivered entry")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	var b = New(subscriberBuffer * 2)
	var sub = b.Subscribe(Filter{})

	// Never drain; overflow the channel by one.
	for i := 0; i <= subscriberBuffer; i++ {
		b.Append(model.LogEntry{Message: "flood"})
	}

	select {
	case <-sub.Dropped:
	case <-time.After(time.Second):
		t.Fatal("expected the subscriber to be dropped")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	var b = New(8)
	var sub = b.Subscribe(Filter{})
	sub.Close()
	sub.Close()

	// Appends after close must not panic.
	b.Append(model.LogEntry{Message: "after close"})
}
