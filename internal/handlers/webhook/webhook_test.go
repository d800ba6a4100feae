package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tenantflow/internal/domain"
)

type captured struct {
	path      string
	signature string
	body      map[string]any
}

func newServer(t *testing.T, status int) (*httptest.Server, *[]captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, signature: r.Header.Get("X-Tenantflow-Signature"), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("upstream says no"))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestClient_PostsActions(t *testing.T) {
	srv, got := newServer(t, http.StatusAccepted)
	c := New(srv.URL+"/", time.Second)
	ctx := context.Background()

	calls := []func() error{
		func() error {
			return c.RunSyncForTenant(ctx, "t1", domain.SyncOptions{Incremental: true, TaskTypes: []string{"orders"}})
		},
		func() error { return c.CheckInboundMessages(ctx, "m1") },
		func() error { return c.Deliver(ctx, domain.ScheduledMessage{ID: "s1", Channel: domain.ChannelSMS}) },
		func() error { return c.NotifyAbandonedCart(ctx, domain.CartSession{ID: "cart1", TenantID: "t1"}) },
		func() error { return c.CheckAdAlerts(ctx, "t1") },
		func() error { return c.SendLowStockAlerts(ctx, "t1") },
		func() error {
			return c.AggregateAnalytics(ctx, "t1", time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC))
		},
		func() error { return c.RefreshPrices(ctx, "t1") },
		func() error { return c.SendReport(ctx, domain.ReportSchedule{ID: "r1", AccountID: "a1"}) },
	}
	for i, call := range calls {
		if err := call(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	wantPaths := []string{
		"/sync/run", "/mail/check", "/messages/deliver", "/carts/abandoned", "/ads/alerts",
		"/inventory/low-stock", "/analytics/aggregate", "/pricing/refresh", "/reports/send",
	}
	if len(*got) != len(wantPaths) {
		t.Fatalf("requests = %d, want %d", len(*got), len(wantPaths))
	}
	for i, p := range wantPaths {
		if (*got)[i].path != p {
			t.Errorf("request %d path = %s, want %s", i, (*got)[i].path, p)
		}
	}
	if (*got)[0].body["incremental"] != true || (*got)[0].body["tenant_id"] != "t1" {
		t.Errorf("sync body = %v", (*got)[0].body)
	}
	if (*got)[6].body["day"] != "2024-01-14" {
		t.Errorf("analytics body = %v", (*got)[6].body)
	}
}

func TestClient_NonSuccessIsError(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadGateway)
	c := New(srv.URL, time.Second)

	err := c.SendLowStockAlerts(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP 502") || !strings.Contains(err.Error(), "upstream says no") {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_SignsBody(t *testing.T) {
	srv, got := newServer(t, http.StatusOK)
	c := New(srv.URL, time.Second, WithSecret("s3cret"))

	if err := c.RefreshPrices(context.Background(), "t9"); err != nil {
		t.Fatal(err)
	}
	want := Sign("s3cret", []byte(`{"tenant_id":"t9"}`))
	if (*got)[0].signature != want {
		t.Fatalf("signature = %q, want %q", (*got)[0].signature, want)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := New(srv.URL, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.CheckAdAlerts(ctx, "t1"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
