package proxy

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

const streamChatBody = `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`

func sseChunk(data string) string { return "data: " + data + "\n\n" }

func TestStream_FirstChunkBeforeUpstreamCompletes(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, []string{"c1"}, map[string]upstreamBehavior{
		"c1": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, sseChunk(`{"n":1}`))
			w.(http.Flusher).Flush()
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			_, _ = io.WriteString(w, sseChunk(`{"n":2}`))
			_, _ = io.WriteString(w, sseChunk("[DONE]"))
		},
	}, GatewayOptions{})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	resp := doChat(t, fx.client, "Bearer "+testToken, streamChatBody)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	br := bufio.NewReader(resp.Body)
	lineCh := make(chan string, 1)
	go func() {
		line, _ := br.ReadString('\n')
		lineCh <- line
	}()

	select {
	case line := <-lineCh:
		if line != `data: {"n":1}`+"\n" {
			t.Fatalf("first line = %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first chunk not relayed while upstream was still open")
	}

	close(release)
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	want := "\n" + sseChunk(`{"n":2}`) + sseChunk("[DONE]")
	if string(rest) != want {
		t.Errorf("rest = %q, want %q", rest, want)
	}
}

func TestStream_FailoverBeforeFirstByte(t *testing.T) {
	fx := newFixture(t, []string{"A", "B"}, map[string]upstreamBehavior{
		"A": replyStatus(http.StatusServiceUnavailable, `{"error":"busy"}`),
		"B": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, sseChunk(`{"from":"B"}`)+sseChunk("[DONE]"))
		},
	}, GatewayOptions{})

	resp := doChat(t, fx.client, "Bearer "+testToken, streamChatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if want := sseChunk(`{"from":"B"}`) + sseChunk("[DONE]"); string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if got := fx.upstream.Calls(); !equalCalls(got, []string{"A", "B"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestStream_AllFailIsJSONError(t *testing.T) {
	fx := newFixture(t, []string{"A"}, map[string]upstreamBehavior{
		"A": replyStatus(http.StatusInternalServerError, `{}`),
	}, GatewayOptions{})

	resp := doChat(t, fx.client, "Bearer "+testToken, streamChatBody)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	if code := errorCode(t, body); code != "upstream_unavailable" {
		t.Errorf("code = %q", code)
	}
}

func TestStream_UpstreamDropEndsRelay(t *testing.T) {
	fx := newFixture(t, []string{"c1"}, map[string]upstreamBehavior{
		"c1": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, sseChunk(`{"n":1}`))
			w.(http.Flusher).Flush()
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
		},
	}, GatewayOptions{})

	resp := doChat(t, fx.client, "Bearer "+testToken, streamChatBody)

	done := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		done <- b
	}()

	select {
	case b := <-done:
		if !strings.HasPrefix(string(b), sseChunk(`{"n":1}`)) {
			t.Errorf("partial stream = %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not end after upstream dropped")
	}
}

func TestStream_ClientDisconnectClosesUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	fx := newFixture(t, []string{"c1"}, map[string]upstreamBehavior{
		"c1": func(w http.ResponseWriter, r *http.Request) {
			defer close(upstreamDone)
			w.Header().Set("Content-Type", "text/event-stream")
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					if _, err := io.WriteString(w, sseChunk(`{"tick":true}`)); err != nil {
						return
					}
					w.(http.Flusher).Flush()
				}
			}
		},
	}, GatewayOptions{})

	resp := doChat(t, fx.client, "Bearer "+testToken, streamChatBody)
	br := bufio.NewReader(resp.Body)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream body was not closed after the caller went away")
	}
}
