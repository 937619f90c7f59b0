// Package store is the durable collaborator of a room: hour-keyed log
// buckets and per-project usage counters, both in Redis. All methods are
// nil-safe so the bus keeps routing in single-instance mode without Redis:
// replay returns an empty batch and counters are no-ops.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/wirebus/wirebus/internal/v1/metrics"
)

// StoredLog is one archived envelope, as delivered to admin observers.
type StoredLog struct {
	ID           string          `json:"id"`
	Timestamp    int64           `json:"timestamp"`
	MessageType  string          `json:"messageType"`
	Direction    string          `json:"direction"` // "incoming" or "outgoing"
	Envelope     json.RawMessage `json:"envelope"`
	ClientID     string          `json:"clientId,omitempty"`
	ClientRole   string          `json:"clientRole,omitempty"`
	ProjectID    string          `json:"projectId"`
	FromClientID string          `json:"fromClientId,omitempty"`
}

// DailyUsage is one per-day counter bucket in a usage report.
type DailyUsage struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// UsageReport is the response body of GET /usage.
type UsageReport struct {
	ProjectID     string       `json:"projectId"`
	TotalRequests int64        `json:"totalRequests"`
	DailyRequests []DailyUsage `json:"dailyRequests"`
}

// Store handles all interaction with the Redis cluster.
type Store struct {
	client         *redis.Client
	cb             *gobreaker.CircuitBreaker
	retentionHours int
	maxLogsPerHour int
}

// Options bound the log bucket store.
type Options struct {
	RetentionHours int
	MaxLogsPerHour int
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// New creates a robust Redis connection with a circuit breaker.
func New(addr, password string, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis store", "addr", addr)
	return &Store{
		client:         rdb,
		cb:             gobreaker.NewCircuitBreaker(st),
		retentionHours: opts.RetentionHours,
		maxLogsPerHour: opts.MaxLogsPerHour,
	}, nil
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(client *redis.Client, opts Options) *Store {
	return &Store{
		client:         client,
		cb:             gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis"}),
		retentionHours: opts.RetentionHours,
		maxLogsPerHour: opts.MaxLogsPerHour,
	}
}

// HourKey is the UTC floor-to-hour bucket key component for a timestamp.
func HourKey(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02-15")
}

// DayKey is the UTC day bucket key component for a timestamp.
func DayKey(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}

func logBucketKey(projectID, hourKey string) string {
	// The log namespace is per project: Redis is shared across rooms.
	return fmt.Sprintf("logs:%s:%s", projectID, hourKey)
}

func usageTotalKey(projectID string) string {
	return fmt.Sprintf("usage:project:%s:total", projectID)
}

func usageDayKey(projectID, day string) string {
	return fmt.Sprintf("usage:project:%s:day:%s", projectID, day)
}

// AppendLog pushes one entry at the head of its hour bucket, trims the
// bucket to the per-hour cap, and refreshes the bucket TTL.
func (s *Store) AppendLog(ctx context.Context, entry StoredLog) error {
	if s == nil || s.client == nil {
		return nil // Store disabled, best-effort persistence
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal stored log: %w", err)
	}

	key := logBucketKey(entry.ProjectID, HourKey(entry.Timestamp))

	_, err = s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.maxLogsPerHour)-1)
		// TTL one hour past retention so the newest bucket lives its full window.
		pipe.Expire(ctx, key, time.Duration(s.retentionHours+1)*time.Hour)
		_, err := pipe.Exec(ctx)
		return nil, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping log append", "projectID", entry.ProjectID)
			return nil // Graceful degradation: routing does not depend on persistence
		}
		slog.Error("Redis log append failed", "projectID", entry.ProjectID, "key", key, "error", err)
		return err
	}

	return nil
}

// RecentLogs reads back the newest entries across the retention window,
// newest first, capped at limit.
func (s *Store) RecentLogs(ctx context.Context, projectID string, limit int) ([]StoredLog, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(s.retentionHours) * time.Hour).UnixMilli()

	res, err := s.cb.Execute(func() (interface{}, error) {
		var logs []StoredLog
		for h := 0; h < s.retentionHours; h++ {
			hour := now.Add(-time.Duration(h) * time.Hour)
			key := logBucketKey(projectID, hour.Format("2006-01-02-15"))
			raw, err := s.client.LRange(ctx, key, 0, int64(s.maxLogsPerHour)-1).Result()
			if err != nil && err != redis.Nil {
				return nil, err
			}
			for _, item := range raw {
				var entry StoredLog
				if err := json.Unmarshal([]byte(item), &entry); err != nil {
					slog.Warn("Skipping undecodable stored log", "key", key, "error", err)
					continue
				}
				if entry.Timestamp < cutoff {
					continue
				}
				logs = append(logs, entry)
			}
		}
		return logs, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty replay", "projectID", projectID)
			return nil, nil // Graceful degradation: admin gets an empty batch
		}
		slog.Error("Redis log read failed", "projectID", projectID, "error", err)
		return nil, fmt.Errorf("failed to read recent logs: %w", err)
	}

	logs := res.([]StoredLog)
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp > logs[j].Timestamp })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// CompactExpired deletes buckets past the retention window. TTLs already
// expire buckets; this pass is the explicit cleanup run from the idle alarm.
func (s *Store) CompactExpired(ctx context.Context, projectID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	now := time.Now().UTC()

	_, err := s.cb.Execute(func() (interface{}, error) {
		// Sweep one retention window past the cutoff.
		var keys []string
		for h := s.retentionHours; h < s.retentionHours*2; h++ {
			hour := now.Add(-time.Duration(h) * time.Hour)
			keys = append(keys, logBucketKey(projectID, hour.Format("2006-01-02-15")))
		}
		return nil, s.client.Del(ctx, keys...).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping compaction", "projectID", projectID)
			return nil
		}
		slog.Error("Redis log compaction failed", "projectID", projectID, "error", err)
		return fmt.Errorf("failed to compact logs: %w", err)
	}
	return nil
}

// IncrUsage bumps the monotonic total and the current UTC day bucket.
func (s *Store) IncrUsage(ctx context.Context, projectID string, ts int64) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.Incr(ctx, usageTotalKey(projectID))
		pipe.Incr(ctx, usageDayKey(projectID, DayKey(ts)))
		_, err := pipe.Exec(ctx)
		return nil, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping usage increment", "projectID", projectID)
			return nil
		}
		slog.Error("Redis usage increment failed", "projectID", projectID, "error", err)
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// maxUsageDays caps the dailyRequests list in a usage report.
const maxUsageDays = 30

// UsageReport reads the total and the last 30 day buckets, newest first.
// Days with no traffic are omitted.
func (s *Store) UsageReport(ctx context.Context, projectID string) (*UsageReport, error) {
	report := &UsageReport{ProjectID: projectID, DailyRequests: []DailyUsage{}}
	if s == nil || s.client == nil {
		return report, nil
	}

	now := time.Now().UTC()

	res, err := s.cb.Execute(func() (interface{}, error) {
		total, err := s.client.Get(ctx, usageTotalKey(projectID)).Int64()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		report.TotalRequests = total

		for d := 0; d < maxUsageDays; d++ {
			day := now.AddDate(0, 0, -d).Format("2006-01-02")
			count, err := s.client.Get(ctx, usageDayKey(projectID, day)).Int64()
			if err == redis.Nil || count == 0 {
				continue
			}
			if err != nil {
				return nil, err
			}
			report.DailyRequests = append(report.DailyRequests, DailyUsage{Date: day, Count: count})
		}
		return report, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty usage report", "projectID", projectID)
			return report, nil
		}
		slog.Error("Redis usage report failed", "projectID", projectID, "error", err)
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return res.(*UsageReport), nil
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
