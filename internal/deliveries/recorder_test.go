package deliveries

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

func TestKey(t *testing.T) {
	if got := Key("evt_1", []byte("{}")); got != "id:evt_1" {
		t.Fatalf("expected provider id key, got %q", got)
	}
	a := Key("", []byte(`{"status":"PAID"}`))
	b := Key("", []byte(`{"status":"PAID"}`))
	c := Key("", []byte(`{"status":"PAID" }`))
	if !strings.HasPrefix(a, "sha256:") || a != b || a == c {
		t.Fatalf("unexpected fingerprints %q %q %q", a, b, c)
	}
}

func TestDynamoRecorder_DuplicateOnlyAfterComplete(t *testing.T) {
	mock := newSimpleMock()
	r := NewDynamoRecorder(mock, "deliveries", 48*time.Hour)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	r.nowFunc = func() time.Time { return now }
	ctx := context.Background()
	payload := []byte(`{"checkoutSessionId":"sess_abc","status":"PAID"}`)

	dup, err := r.Begin(ctx, "id:evt_1", "webhook", payload)
	if err != nil || dup {
		t.Fatalf("first Begin: dup=%v err=%v", dup, err)
	}

	// A retry that lands before the first delivery finished is not a duplicate yet.
	now = t0.Add(time.Second)
	dup, err = r.Begin(ctx, "id:evt_1", "webhook", payload)
	if err != nil || dup {
		t.Fatalf("second Begin: dup=%v err=%v", dup, err)
	}

	if err := r.Complete(ctx, "id:evt_1", "completed"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	now = t0.Add(time.Minute)
	dup, err = r.Begin(ctx, "id:evt_1", "webhook", payload)
	if err != nil || !dup {
		t.Fatalf("third Begin: dup=%v err=%v", dup, err)
	}

	rec, err := r.Get(ctx, "id:evt_1")
	if err != nil || rec == nil {
		t.Fatalf("Get: %v %v", rec, err)
	}
	if rec.Status != StatusProcessed || rec.Outcome != "completed" || rec.Payload != string(payload) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.FirstSeenAt.Equal(t0) || !rec.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected timestamps first=%v last=%v", rec.FirstSeenAt, rec.LastSeenAt)
	}
	if rec.ExpiresAt != t0.Add(48*time.Hour).Unix() {
		t.Fatalf("unexpected ttl %d", rec.ExpiresAt)
	}
}

func TestDynamoRecorder_TruncatesLargePayloads(t *testing.T) {
	mock := newSimpleMock()
	r := NewDynamoRecorder(mock, "deliveries", time.Hour)
	big := []byte(strings.Repeat("x", maxPayloadBytes+10))
	if _, err := r.Begin(context.Background(), "k", "queue", big); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p := mock.table["k"]["payload"].(*types.AttributeValueMemberS).Value
	if len(p) != maxPayloadBytes {
		t.Fatalf("expected payload capped at %d, got %d", maxPayloadBytes, len(p))
	}
}

func TestMemoryRecorder(t *testing.T) {
	r := NewMemoryRecorder(time.Minute)
	ctx := context.Background()
	if dup, _ := r.Begin(ctx, "k", "webhook", nil); dup {
		t.Fatalf("first delivery must not be a duplicate")
	}
	if dup, _ := r.Begin(ctx, "k", "webhook", nil); dup {
		t.Fatalf("unfinished delivery must not be a duplicate")
	}
	_ = r.Complete(ctx, "k", "completed")
	if dup, _ := r.Begin(ctx, "k", "webhook", nil); !dup {
		t.Fatalf("expected duplicate after Complete")
	}
}

// fakeRedis answers like a Redis server holding plain string keys.
type fakeRedis struct {
	data map[string]string
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func TestRedisRecorder(t *testing.T) {
	fake := &fakeRedis{data: map[string]string{}}
	r := &RedisRecorder{client: fake, prefix: "checkout:delivery", ttl: time.Hour}
	ctx := context.Background()

	if dup, err := r.Begin(ctx, "id:evt_1", "webhook", nil); err != nil || dup {
		t.Fatalf("first Begin: %v %v", dup, err)
	}
	if fake.data["checkout:delivery:id:evt_1"] != StatusReceived {
		t.Fatalf("expected RECEIVED marker, got %v", fake.data)
	}
	if err := r.Complete(ctx, "id:evt_1", "completed"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if dup, err := r.Begin(ctx, "id:evt_1", "webhook", nil); err != nil || !dup {
		t.Fatalf("expected duplicate, got %v %v", dup, err)
	}
}

func TestNewRedisRecorder_FallsBackWithoutAddress(t *testing.T) {
	r, err := NewRedisRecorder("", "", 0, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if _, ok := r.(*memoryRecorder); !ok {
		t.Fatalf("expected in-memory fallback, got %T", r)
	}
}
