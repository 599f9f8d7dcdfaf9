package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
	"github.com/zhouzirui/z-copilot/backend/internal/storage/kv"
)

type fixture struct {
	server   *httptest.Server
	chatSvc  *chatservice.Service
	registry *copilot.Registry
	session  chat.Session
}

func setup(t *testing.T, upstream http.HandlerFunc) *fixture {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	chatSvc := chatservice.NewService(kv.NewMemoryStore())
	require.NoError(t, chatSvc.Load(context.Background()))
	session, ok := chatSvc.Current(context.Background())
	require.True(t, ok)

	registry := copilot.NewRegistry(copilot.NewClient(up.URL, 0), chatSvc, chat.ModeChat)

	r := chi.NewRouter()
	New(chatSvc, registry).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &fixture{server: server, chatSvc: chatSvc, registry: registry, session: session}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// events collects the event names of an SSE response in order.
func events(t *testing.T, body io.Reader) ([]string, string) {
	t.Helper()
	var names []string
	var raw strings.Builder
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line + "\n")
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	require.NoError(t, scanner.Err())
	return names, raw.String()
}

func TestSubmitRelaysTurn(t *testing.T) {
	f := setup(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ai/chat/reasoning" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "data: {\"type\":\"reasoning\",\"content\":\"thinking\"}\n\n")
		fmt.Fprint(w, "data: Hi\n\ndata:  there\n\n")
	})

	resp := f.post(t, "/sessions/"+f.session.ID+"/turns", `{"prompt":"hello","mode":"reasoning"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names, raw := events(t, resp.Body)
	require.Equal(t, []string{"start", "reasoning", "answer", "answer", "end"}, names)
	require.Contains(t, raw, `"outcome":"completed"`)

	messages, err := f.chatSvc.LoadTranscript(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "hello", messages[0].Content)
	require.Equal(t, "thinking", messages[1].Content)
	require.Equal(t, "Hi there", messages[2].Content)

	session, err := f.chatSvc.GetSession(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", session.Label)
}

func TestSubmitValidation(t *testing.T) {
	f := setup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})

	resp := f.post(t, "/sessions/"+f.session.ID+"/turns", `{"prompt":"   "}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/sessions/"+f.session.ID+"/turns", `{"prompt":"hi","mode":"loud"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/sessions/missing/turns", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.post(t, "/sessions/missing/cancel", ``)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConcurrentSubmitAndCancel(t *testing.T) {
	sent := make(chan struct{})
	f := setup(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: Hi\n\n")
		w.(http.Flusher).Flush()
		close(sent)
		<-r.Context().Done()
	})

	type result struct {
		names []string
		raw   string
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(f.server.URL+"/sessions/"+f.session.ID+"/turns", "application/json", strings.NewReader(`{"prompt":"first"}`))
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		var names []string
		var raw strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			raw.WriteString(scanner.Text() + "\n")
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				names = append(names, name)
			}
		}
		done <- result{names: names, raw: raw.String()}
	}()

	<-sent
	require.True(t, f.registry.For(f.session.ID).InFlight())

	resp := f.post(t, "/sessions/"+f.session.ID+"/turns", `{"prompt":"second"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.post(t, "/sessions/"+f.session.ID+"/cancel", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"cancelled":true}`, string(body))

	res := <-done
	require.Equal(t, "end", res.names[len(res.names)-1])
	require.Contains(t, res.raw, `"outcome":"cancelled"`)

	messages, err := f.chatSvc.LoadTranscript(context.Background(), f.session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "first", messages[0].Content)
	require.Equal(t, "Hi"+copilot.InterruptedMarker, messages[1].Content)
}
