package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewWithClient(client, Options{RetentionHours: 24, MaxLogsPerHour: 1000})
	t.Cleanup(func() { _ = st.Close() })

	return st, mr
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.NoError(t, s.AppendLog(ctx, StoredLog{ProjectID: "p1"}))
	logs, err := s.RecentLogs(ctx, "p1", 500)
	assert.NoError(t, err)
	assert.Empty(t, logs)
	assert.NoError(t, s.IncrUsage(ctx, "p1", time.Now().UnixMilli()))
	report, err := s.UsageReport(ctx, "p1")
	assert.NoError(t, err)
	assert.Zero(t, report.TotalRequests)
	assert.NoError(t, s.CompactExpired(ctx, "p1"))
	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
}

func TestAppendAndReadBack(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		err := st.AppendLog(ctx, StoredLog{
			ID:          fmt.Sprintf("log-%d", i),
			Timestamp:   now + int64(i),
			MessageType: "graphql_query",
			Direction:   "incoming",
			Envelope:    json.RawMessage(`{"type":"graphql_query"}`),
			ProjectID:   "proj-a",
		})
		require.NoError(t, err)
	}

	logs, err := st.RecentLogs(ctx, "proj-a", 500)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	// Newest first
	assert.Equal(t, "log-2", logs[0].ID)
	assert.Equal(t, "log-0", logs[2].ID)
	assert.Equal(t, "graphql_query", logs[0].MessageType)
	assert.JSONEq(t, `{"type":"graphql_query"}`, string(logs[0].Envelope))
}

func TestLogsAreScopedByProject(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, st.AppendLog(ctx, StoredLog{ID: "a", Timestamp: now, ProjectID: "proj-a"}))
	require.NoError(t, st.AppendLog(ctx, StoredLog{ID: "b", Timestamp: now, ProjectID: "proj-b"}))

	logs, err := st.RecentLogs(ctx, "proj-a", 500)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].ID)
}

func TestReplayLimit(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendLog(ctx, StoredLog{
			ID:        fmt.Sprintf("log-%d", i),
			Timestamp: now + int64(i),
			ProjectID: "proj-a",
		}))
	}

	logs, err := st.RecentLogs(ctx, "proj-a", 4)
	require.NoError(t, err)
	require.Len(t, logs, 4)
	assert.Equal(t, "log-9", logs[0].ID)
	assert.Equal(t, "log-6", logs[3].ID)
}

func TestHourBucketIsTrimmed(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewWithClient(client, Options{RetentionHours: 24, MaxLogsPerHour: 5})
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	now := time.Now().UnixMilli()
	for i := 0; i < 8; i++ {
		require.NoError(t, st.AppendLog(ctx, StoredLog{
			ID:        fmt.Sprintf("log-%d", i),
			Timestamp: now + int64(i),
			ProjectID: "proj-a",
		}))
	}

	logs, err := st.RecentLogs(ctx, "proj-a", 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	// Oldest entries fell off the tail.
	assert.Equal(t, "log-7", logs[0].ID)
	assert.Equal(t, "log-3", logs[4].ID)
}

func TestBucketCarriesTTL(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	require.NoError(t, st.AppendLog(ctx, StoredLog{ID: "a", Timestamp: now, ProjectID: "proj-a"}))

	key := fmt.Sprintf("logs:proj-a:%s", HourKey(now))
	require.True(t, mr.Exists(key))
	assert.Equal(t, 25*time.Hour, mr.TTL(key))
}

func TestUsageCounters(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.IncrUsage(ctx, "proj-a", now))
	}

	report, err := st.UsageReport(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, "proj-a", report.ProjectID)
	assert.Equal(t, int64(3), report.TotalRequests)
	require.Len(t, report.DailyRequests, 1)
	assert.Equal(t, DayKey(now), report.DailyRequests[0].Date)
	assert.Equal(t, int64(3), report.DailyRequests[0].Count)
}

func TestUsageReportEmptyProject(t *testing.T) {
	st, _ := newTestStore(t)

	report, err := st.UsageReport(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Zero(t, report.TotalRequests)
	assert.Empty(t, report.DailyRequests)
}

func TestCompactExpiredRemovesOldBuckets(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	// Seed a bucket well past the retention cutoff directly.
	old := time.Now().UTC().Add(-30 * time.Hour)
	staleKey := fmt.Sprintf("logs:proj-a:%s", old.Format("2006-01-02-15"))
	_, err := mr.Lpush(staleKey, `{"id":"stale"}`)
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	require.NoError(t, st.AppendLog(ctx, StoredLog{ID: "fresh", Timestamp: now, ProjectID: "proj-a"}))

	require.NoError(t, st.CompactExpired(ctx, "proj-a"))

	assert.False(t, mr.Exists(staleKey))
	logs, err := st.RecentLogs(ctx, "proj-a", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "fresh", logs[0].ID)
}

func TestPing(t *testing.T) {
	st, mr := newTestStore(t)

	assert.NoError(t, st.Ping(context.Background()))

	mr.Close()
	assert.Error(t, st.Ping(context.Background()))
}
