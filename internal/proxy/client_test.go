package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeProxy upgrades one connection and answers invocations by tool name.
func fakeProxy(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		writeJSON := func(v any) {
			mu.Lock()
			defer mu.Unlock()
			_ = conn.WriteJSON(v)
		}

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			go func(req Request) {
				ok := true
				switch req.Tool {
				case "echo":
					writeJSON(map[string]any{"id": req.ID, "ok": ok, "data": json.RawMessage(req.Args)})
				case "busy":
					writeJSON(map[string]any{"id": req.ID, "ok": false, "error": &Error{Code: CodeBusy, Message: "at capacity"}})
				case "crash":
					writeJSON(map[string]any{"id": req.ID, "ok": false, "error": &Error{Code: CodeCmd, Message: "exit status 2"}})
				case "stream":
					writeJSON(map[string]any{"id": req.ID, "event": EventStarted})
					for i := 0; i < 3; i++ {
						writeJSON(map[string]any{"id": req.ID, "event": EventStdout, "chunk": fmt.Sprintf("line %d\n", i)})
					}
					writeJSON(map[string]any{"id": req.ID, "event": EventFinished})
					writeJSON(map[string]any{"id": req.ID, "ok": true, "data": json.RawMessage(`{"exit":0}`)})
				case "hang":
					// Never answer.
				}
			}(req)
		}
	}))
}

func dialTestProxy(t *testing.T, srv *httptest.Server, timeout time.Duration) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url, timeout, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInvokeCorrelatesByID(t *testing.T) {
	t.Parallel()

	srv := fakeProxy(t)
	defer srv.Close()
	c := dialTestProxy(t, srv, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args := fmt.Sprintf(`{"n":%d}`, i)
			data, err := c.Invoke(context.Background(), Request{
				ID:   fmt.Sprintf("inv_%d", i),
				Tool: "echo",
				Args: json.RawMessage(args),
			}, nil)
			if err != nil {
				t.Errorf("Invoke %d: %v", i, err)
				return
			}
			if string(data) != args {
				t.Errorf("Invoke %d: data=%s, want %s", i, data, args)
			}
		}(i)
	}
	wg.Wait()
}

func TestInvokeSurfacesCodedFailure(t *testing.T) {
	t.Parallel()

	srv := fakeProxy(t)
	defer srv.Close()
	c := dialTestProxy(t, srv, 5*time.Second)

	_, err := c.Invoke(context.Background(), Request{ID: "inv_crash", Tool: "crash"}, nil)
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("err=%v, want *proxy.Error", err)
	}
	if pe.Code != CodeCmd {
		t.Fatalf("Code=%s, want %s", pe.Code, CodeCmd)
	}
	if IsBusy(err) {
		t.Fatalf("E_CMD must not classify as busy")
	}
}

func TestBusyIsTheOnlyRetryableCode(t *testing.T) {
	t.Parallel()

	srv := fakeProxy(t)
	defer srv.Close()
	c := dialTestProxy(t, srv, 5*time.Second)

	_, err := c.Invoke(context.Background(), Request{ID: "inv_busy", Tool: "busy"}, nil)
	if !IsBusy(err) {
		t.Fatalf("err=%v, want busy", err)
	}
}

func TestStreamFramesForwardedAndDroppable(t *testing.T) {
	t.Parallel()

	srv := fakeProxy(t)
	defer srv.Close()
	c := dialTestProxy(t, srv, 5*time.Second)

	// Buffered consumer sees frames.
	stream := make(chan StreamFrame, 16)
	data, err := c.Invoke(context.Background(), Request{ID: "inv_stream", Tool: "stream"}, stream)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(data) != `{"exit":0}` {
		t.Fatalf("data=%s", data)
	}
	close(stream)
	var stdout int
	for f := range stream {
		if f.ID != "inv_stream" {
			t.Fatalf("frame for wrong invocation: %+v", f)
		}
		if f.Event == EventStdout {
			stdout++
		}
	}
	if stdout != 3 {
		t.Fatalf("stdout frames=%d, want 3", stdout)
	}

	// A full (unread) stream must not block the invocation.
	full := make(chan StreamFrame) // unbuffered, nobody reading
	if _, err := c.Invoke(context.Background(), Request{ID: "inv_stream2", Tool: "stream"}, full); err != nil {
		t.Fatalf("Invoke with saturated stream: %v", err)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	t.Parallel()

	srv := fakeProxy(t)
	defer srv.Close()
	c := dialTestProxy(t, srv, 100*time.Millisecond)

	_, err := c.Invoke(context.Background(), Request{ID: "inv_hang", Tool: "hang"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	if err := ValidateRequest(Request{Tool: "echo"}); err == nil {
		t.Fatalf("missing id must fail")
	}
	err := ValidateRequest(Request{ID: "x"})
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeTool {
		t.Fatalf("err=%v, want E_TOOL", err)
	}
	if err := ValidateRequest(Request{ID: "x", Tool: "echo"}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}
