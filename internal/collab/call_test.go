package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{Timeout: 50 * time.Millisecond, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestCallRetriesTransient(t *testing.T) {
	t.Parallel()
	var calls int32
	got, err := Call(context.Background(), fastPolicy(), func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", &Error{Service: "x", Op: "y", Transient: true, Err: errors.New("flaky")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestCallStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	var calls int32
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Errorf("x", "y", "bad request")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err = %v after %d calls, want error after 1", err, calls)
	}
}

func TestCallTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	var calls int32
	err := Do(context.Background(), fastPolicy(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
}

func TestJSONClientClassifiesStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			_, _ = w.Write([]byte(`{"name":"planbot"}`))
		}
	}))
	defer srv.Close()

	c := JSONClient{Service: "test", BaseURL: srv.URL, HTTP: srv.Client()}
	ctx := context.Background()

	var out struct{ Name string }
	if err := c.Do(ctx, "get", http.MethodGet, "/ok", nil, nil, &out); err != nil || out.Name != "planbot" {
		t.Fatalf("Do(/ok) = %v, name %q", err, out.Name)
	}

	err := c.Do(ctx, "get", http.MethodGet, "/busy", nil, nil, nil)
	var ce *Error
	if !errors.As(err, &ce) || !ce.Transient || ce.RetryIn != time.Second {
		t.Fatalf("Do(/busy) = %#v, want transient with 1s hint", err)
	}
	if err := c.Do(ctx, "get", http.MethodGet, "/missing", nil, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Do(/missing) = %v, want ErrNotFound", err)
	}
	if err := c.Do(ctx, "get", http.MethodGet, "/bad", nil, nil, nil); IsTransient(err) {
		t.Fatalf("Do(/bad) transient, want permanent: %v", err)
	}
}
