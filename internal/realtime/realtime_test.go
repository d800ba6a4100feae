package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type publishCall struct {
	channel string
	message []byte
}

type fakeRedis struct {
	calls []publishCall
	err   error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.calls = append(f.calls, publishCall{channel: channel, message: message.([]byte)})
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher_Envelope(t *testing.T) {
	fake := &fakeRedis{}
	p := NewRedisPublisher(fake)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	err := p.Publish(context.Background(), "tenant:t1", "conversation.unsnoozed", map[string]string{"conversationId": "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fake.calls) != 1 || fake.calls[0].channel != "tenant:t1" {
		t.Fatalf("calls = %+v", fake.calls)
	}

	var got struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
		At      time.Time         `json:"at"`
	}
	if err := json.Unmarshal(fake.calls[0].message, &got); err != nil {
		t.Fatal(err)
	}
	if got.Event != "conversation.unsnoozed" || got.Payload["conversationId"] != "c1" || !got.At.Equal(at) {
		t.Fatalf("envelope = %+v", got)
	}
}

func TestRedisPublisher_ErrorIsReturned(t *testing.T) {
	p := NewRedisPublisher(&fakeRedis{err: errors.New("connection refused")})
	err := p.Publish(context.Background(), "conversation:c1", "message.sent", nil)
	if err == nil || !strings.Contains(err.Error(), "conversation:c1") {
		t.Fatalf("err = %v", err)
	}
}

func TestLogPublisher_LogsEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	if err := p.Publish(context.Background(), "tenant:t1", "conversation.unsnoozed", map[string]string{"id": "c1"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"channel":"tenant:t1"`) || !strings.Contains(out, `"event":"conversation.unsnoozed"`) {
		t.Fatalf("log = %s", out)
	}
}
