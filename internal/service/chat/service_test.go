package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/storage/kv"
)

func newLoadedService(t *testing.T, store kv.Store) *chatservice.Service {
	t.Helper()
	svc := chatservice.NewService(store)
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load err: %v", err)
	}
	return svc
}

func TestServiceLoadEmptyCreatesCurrentSession(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())

	current, ok := svc.Current(context.Background())
	if !ok {
		t.Fatal("expected a current session")
	}
	if current.Label != chat.PlaceholderLabel {
		t.Fatalf("unexpected label: %q", current.Label)
	}
	if len(svc.ListSessions(context.Background())) != 1 {
		t.Fatal("expected exactly one session")
	}
}

func TestServiceGetSession(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID, session.ID)
	}
	if got.Group != chat.DefaultGroup {
		t.Fatalf("unexpected group: %s", got.Group)
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())

	if _, err := svc.GetSession(context.Background(), "missing"); !errors.Is(err, chatservice.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestServiceSessionIDsAreUniqueAndNewestFirst(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())
	ctx := context.Background()

	first, _ := svc.CreateSession(ctx)
	second, _ := svc.CreateSession(ctx)
	if first.ID == second.ID {
		t.Fatalf("duplicate session id %s", first.ID)
	}

	list := svc.ListSessions(ctx)
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", list)
	}

	current, _ := svc.Current(ctx)
	if current.ID != second.ID {
		t.Fatalf("new session should become current, got %s", current.ID)
	}
}

func TestServiceSetLabelOnce(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())
	ctx := context.Background()
	session, _ := svc.Current(ctx)

	changed, err := svc.SetLabelOnce(ctx, session.ID, "hello world this is ")
	if err != nil || !changed {
		t.Fatalf("first SetLabelOnce: changed=%v err=%v", changed, err)
	}

	changed, err = svc.SetLabelOnce(ctx, session.ID, "second prompt")
	if err != nil || changed {
		t.Fatalf("second SetLabelOnce: changed=%v err=%v", changed, err)
	}

	got, _ := svc.GetSession(ctx, session.ID)
	if got.Label != "hello world this is " {
		t.Fatalf("unexpected label %q", got.Label)
	}
}

func TestServiceSetLabelOnceAcceptsWhitespaceLabel(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())
	ctx := context.Background()

	for _, first := range []string{strings.Repeat(" ", 20) + "hello", chat.PlaceholderLabel} {
		session, err := svc.CreateSession(ctx)
		if err != nil {
			t.Fatalf("CreateSession err: %v", err)
		}

		label := chat.LabelFromPrompt(first)
		changed, err := svc.SetLabelOnce(ctx, session.ID, label)
		if err != nil || !changed {
			t.Fatalf("first SetLabelOnce(%q): changed=%v err=%v", label, changed, err)
		}

		changed, err = svc.SetLabelOnce(ctx, session.ID, chat.LabelFromPrompt("second prompt"))
		if err != nil || changed {
			t.Fatalf("second SetLabelOnce after %q: changed=%v err=%v", label, changed, err)
		}

		got, _ := svc.GetSession(ctx, session.ID)
		if got.Label != label {
			t.Fatalf("label = %q, want %q", got.Label, label)
		}
	}
}

func TestServiceDeleteCurrentReselects(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())
	ctx := context.Background()

	older, _ := svc.Current(ctx)
	newer, _ := svc.CreateSession(ctx)

	if err := svc.DeleteSession(ctx, newer.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	current, _ := svc.Current(ctx)
	if current.ID != older.ID {
		t.Fatalf("expected %s to become current, got %s", older.ID, current.ID)
	}

	if err := svc.DeleteSession(ctx, older.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	current, ok := svc.Current(ctx)
	if !ok || current.ID == older.ID {
		t.Fatal("deleting the last session should leave a fresh current session")
	}
	if _, err := svc.LoadTranscript(ctx, older.ID); !errors.Is(err, chatservice.ErrSessionNotFound) {
		t.Fatalf("transcript should be gone, got %v", err)
	}
}

func TestServicePersistsAcrossReload(t *testing.T) {
	store := kv.NewMemoryStore()
	svc := newLoadedService(t, store)
	ctx := context.Background()
	session, _ := svc.Current(ctx)

	_, err := svc.AppendMessages(ctx, session.ID,
		chat.Message{Role: chat.RoleUser, Content: "hi"},
		chat.Message{Role: chat.RoleAssistant, Content: "hello", Kind: chat.KindAnswer},
	)
	if err != nil {
		t.Fatalf("AppendMessages err: %v", err)
	}
	if _, err := svc.SetLabelOnce(ctx, session.ID, "hi"); err != nil {
		t.Fatalf("SetLabelOnce err: %v", err)
	}
	if err := svc.SetUpstreamSessionID(ctx, session.ID, "remote-1"); err != nil {
		t.Fatalf("SetUpstreamSessionID err: %v", err)
	}

	reloaded := newLoadedService(t, store)
	got, err := reloaded.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if got.Label != "hi" || got.UpstreamSessionID != "remote-1" {
		t.Fatalf("unexpected reloaded session: %+v", got)
	}

	transcript, err := reloaded.LoadTranscript(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadTranscript err: %v", err)
	}
	if len(transcript) != 2 || transcript[0].Content != "hi" || transcript[1].Kind != chat.KindAnswer {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	if transcript[0].ID == "" {
		t.Fatal("expected message ids to be assigned")
	}

	// New ids must stay ahead of the reloaded ones even with a stale clock.
	next, err := reloaded.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if next.ID == session.ID {
		t.Fatal("session id reused after reload")
	}
}

func TestServiceAppendUnknownSession(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())

	_, err := svc.AppendMessages(context.Background(), "missing", chat.Message{Role: chat.RoleUser, Content: "x"})
	if !errors.Is(err, chatservice.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

type failingStore struct{ kv.Store }

func (failingStore) Set(context.Context, string, []byte) error { return errors.New("disk full") }

// flakyStore fails writes while broken is set.
type flakyStore struct {
	kv.Store
	broken bool
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if s.broken {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value)
}

func TestServiceFailedWriteLeavesMemoryUntouched(t *testing.T) {
	store := &flakyStore{Store: kv.NewMemoryStore()}
	svc := newLoadedService(t, store)
	ctx := context.Background()
	session, _ := svc.Current(ctx)

	if _, err := svc.AppendMessages(ctx, session.ID, chat.Message{Role: chat.RoleUser, Content: "kept"}); err != nil {
		t.Fatalf("AppendMessages err: %v", err)
	}

	store.broken = true
	if _, err := svc.AppendMessages(ctx, session.ID, chat.Message{Role: chat.RoleUser, Content: "lost"}); err == nil {
		t.Fatal("expected persist error")
	}
	if changed, err := svc.SetLabelOnce(ctx, session.ID, "lost"); err == nil || changed {
		t.Fatalf("SetLabelOnce: changed=%v err=%v", changed, err)
	}
	if err := svc.SetUpstreamSessionID(ctx, session.ID, "remote-lost"); err == nil {
		t.Fatal("expected persist error")
	}

	transcript, _ := svc.LoadTranscript(ctx, session.ID)
	if len(transcript) != 1 || transcript[0].Content != "kept" {
		t.Fatalf("unexpected transcript after failed write: %+v", transcript)
	}
	got, _ := svc.GetSession(ctx, session.ID)
	if got.Labeled() || got.UpstreamSessionID != "" {
		t.Fatalf("unexpected session after failed write: %+v", got)
	}

	store.broken = false
	reloaded := newLoadedService(t, store.Store)
	persisted, _ := reloaded.LoadTranscript(ctx, session.ID)
	if len(persisted) != len(transcript) {
		t.Fatalf("memory and store disagree: %d vs %d", len(transcript), len(persisted))
	}
}

func TestServiceSurfacesPersistFailure(t *testing.T) {
	svc := chatservice.NewService(failingStore{kv.NewMemoryStore()})
	if err := svc.Load(context.Background()); err == nil {
		t.Fatal("expected persist error from Load bootstrap")
	}
}

func TestSwitchReturnsTranscriptCopy(t *testing.T) {
	svc := newLoadedService(t, kv.NewMemoryStore())
	ctx := context.Background()
	session, _ := svc.Current(ctx)
	svc.AppendMessages(ctx, session.ID, chat.Message{Role: chat.RoleUser, Content: "a", CreatedAt: time.Unix(1, 0)})

	_, transcript, err := svc.Switch(ctx, session.ID)
	if err != nil {
		t.Fatalf("Switch err: %v", err)
	}
	transcript[0].Content = "mutated"

	stored, _ := svc.LoadTranscript(ctx, session.ID)
	if stored[0].Content != "a" {
		t.Fatal("Switch must not expose internal transcript storage")
	}
}
