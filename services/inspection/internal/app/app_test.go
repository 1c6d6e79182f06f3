package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"lemmacheck/pkg/auth"
	"lemmacheck/pkg/domain"
	"lemmacheck/pkg/realtime"
	"lemmacheck/pkg/storage"
	"lemmacheck/pkg/store"
)

var (
	fixedNow = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	dbSeq    atomic.Int64
)

type recorder struct {
	mu   sync.Mutex
	msgs []realtime.Message
	err  error
}

func (r *recorder) Broadcast(_ context.Context, msg realtime.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	dsn := "file:app_" + t.Name() + "_" + strconv.FormatInt(dbSeq.Add(1), 10) + "?mode=memory&cache=shared"
	s, err := store.NewGormStore(dsn, store.WithDriver(store.DriverSQLite))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestApp(t *testing.T, b realtime.Broadcaster, mutate ...func(*Config)) (*App, *store.GormStore) {
	t.Helper()
	s := newTestStore(t)
	cfg := Config{
		Store:       s,
		Broadcaster: b,
		Now:         func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, s
}

func TestCreateEventIssuesUniqueTokens(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	ctx := context.Background()
	seen := map[string]bool{}
	for range 20 {
		e, err := a.CreateEvent(ctx)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if len(e.URL) != 22 || strings.ContainsAny(e.URL, "+/=") {
			t.Fatalf("unexpected token %q", e.URL)
		}
		if seen[e.URL] {
			t.Fatalf("duplicate token %q", e.URL)
		}
		seen[e.URL] = true
	}
}

func TestGetEventNotFound(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	if _, err := a.GetEvent(context.Background(), "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestUpdateEventRejectsUnknownHouse(t *testing.T) {
	rec := &recorder{}
	a, _ := newTestApp(t, rec)
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	flat := "12A"
	bad := int64(999)
	_, err := a.UpdateEvent(ctx, e.URL, domain.EventPatch{HouseID: &bad, Flat: &flat})
	if !errors.Is(err, ErrInvalidHouse) {
		t.Fatalf("expected ErrInvalidHouse, got %v", err)
	}
	got, _ := a.GetEvent(ctx, e.URL)
	if got.Flat != nil {
		t.Fatalf("flat applied despite invalid house: %v", *got.Flat)
	}
	if len(rec.kinds()) != 0 {
		t.Fatalf("failed update must not notify, got %v", rec.kinds())
	}
}

func TestUpdateEventAssignsHouseAndNotifies(t *testing.T) {
	rec := &recorder{}
	a, s := newTestApp(t, rec)
	ctx := context.Background()
	if _, err := s.InsertMissingHouses(ctx, []domain.House{{Name: "彩虹邨", CanBuy: true}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	houses, _ := a.ListHouses(ctx)
	e, _ := a.CreateEvent(ctx)
	id := houses[0].ID
	problems := []domain.Problem{{Description: "crack"}, {Description: "leak", Important: true}}
	got, err := a.UpdateEvent(ctx, e.URL, domain.EventPatch{HouseID: &id, Problems: &problems})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.HouseName() != "彩虹邨" || len(got.Problems) != 2 {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Problems[0].Category != domain.DefaultCategory {
		t.Fatalf("expected default category, got %q", got.Problems[0].Category)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != realtime.KindUpdate {
		t.Fatalf("expected one update, got %v", kinds)
	}
}

func TestAddProblemPublishesNoteThenUpdate(t *testing.T) {
	hub := realtime.NewHub()
	defer hub.Close()
	a, _ := newTestApp(t, hub)
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	sub := hub.Subscribe(e.URL)

	p, note, err := a.AddProblem(ctx, e.URL, ProblemInput{Description: "leak in bathroom", Important: true, Category: "浴室"})
	if err != nil {
		t.Fatalf("add problem: %v", err)
	}
	if p.ID == 0 || note.Message != `A new problem "leak in bathroom" was added` || note.User != domain.SystemAuthor || !note.System {
		t.Fatalf("unexpected result: %+v %+v", p, note)
	}

	first := <-sub.C()
	if first.Type != realtime.KindChat {
		t.Fatalf("expected chat first, got %s", first.Type)
	}
	var payload domain.ChatMessage
	if err := json.Unmarshal(first.Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.EventURL != e.URL || payload.ID != note.ID {
		t.Fatalf("unexpected chat payload %+v", payload)
	}
	if second := <-sub.C(); second.Type != realtime.KindUpdate {
		t.Fatalf("expected update second, got %s", second.Type)
	}

	msgs, _ := a.ListMessages(ctx, e.URL)
	if len(msgs) != 1 || msgs[0].ID != note.ID {
		t.Fatalf("expected persisted note, got %+v", msgs)
	}
}

func TestAddProblemUnknownEvent(t *testing.T) {
	rec := &recorder{}
	a, _ := newTestApp(t, rec)
	if _, _, err := a.AddProblem(context.Background(), "nope", ProblemInput{Description: "x"}); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if len(rec.kinds()) != 0 {
		t.Fatalf("unexpected publish")
	}
}

func TestBroadcastFailureDoesNotFailWrite(t *testing.T) {
	rec := &recorder{err: errors.New("redis down")}
	a, _ := newTestApp(t, rec)
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	if _, err := a.SendMessage(ctx, e.URL, "amy", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs, _ := a.ListMessages(ctx, e.URL)
	if len(msgs) != 1 {
		t.Fatalf("message not persisted")
	}
}

func TestDeleteProblem(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	other, _ := a.CreateEvent(ctx)
	p, _, err := a.AddProblem(ctx, e.URL, ProblemInput{Description: "crack"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.DeleteProblem(ctx, other.URL, p.ID); !errors.Is(err, ErrProblemNotFound) {
		t.Fatalf("expected ErrProblemNotFound across events, got %v", err)
	}
	if err := a.DeleteProblem(ctx, e.URL, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.DeleteProblem(ctx, e.URL, p.ID); !errors.Is(err, ErrProblemNotFound) {
		t.Fatalf("expected ErrProblemNotFound on second delete, got %v", err)
	}
}

func TestSendMessageDefaultsAndValidation(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	msg, err := a.SendMessage(ctx, e.URL, "  ", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.User != AnonymousAuthor || msg.EventURL != e.URL || msg.System {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := a.SendMessage(ctx, e.URL, "amy", "   "); !errors.Is(err, ErrMessageRequired) {
		t.Fatalf("expected ErrMessageRequired, got %v", err)
	}
	if _, err := a.SendMessage(ctx, "missing", "amy", "hi"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestConcurrentMessagesDeliveredInCommitOrder(t *testing.T) {
	hub := realtime.NewHub(realtime.WithBuffer(128))
	defer hub.Close()
	a, _ := newTestApp(t, hub)
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	sub := hub.Subscribe(e.URL)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.SendMessage(ctx, e.URL, "u", strings.Repeat("x", i+1)); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _ := a.ListMessages(ctx, e.URL)
	for i, want := range stored {
		got := <-sub.C()
		var m domain.ChatMessage
		if err := json.Unmarshal(got.Data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.ID != want.ID {
			t.Fatalf("delivery %d: got id %d want %d", i, m.ID, want.ID)
		}
	}
	if a.events.size() != 0 {
		t.Fatalf("event locks leaked: %d", a.events.size())
	}
}

func TestDeleteEventCascades(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	if _, _, err := a.AddProblem(ctx, e.URL, ProblemInput{Description: "crack"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.DeleteEvent(ctx, e.URL); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.ListMessages(ctx, e.URL); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if err := a.DeleteEvent(ctx, e.URL); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestReportAndRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, _ := newTestApp(t, &recorder{}, func(c *Config) { c.Registerer = reg })
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	if _, _, err := a.AddProblem(ctx, e.URL, ProblemInput{Description: "leak"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	rep, err := a.Report(ctx, e.URL)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Filename != "查驗報告_"+e.URL+"_20240305_143000.docx" || len(rep.Data) == 0 {
		t.Fatalf("unexpected report %q (%d bytes)", rep.Filename, len(rep.Data))
	}
	xl, err := a.ProblemRegister(ctx, e.URL)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasSuffix(xl.Filename, ".xlsx") {
		t.Fatalf("unexpected register filename %q", xl.Filename)
	}
	if n := testutil.CollectAndCount(a.reportSeconds); n != 2 {
		t.Fatalf("expected two histogram series, got %d", n)
	}
	if _, err := a.Report(ctx, "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestArchiveReport(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	if _, err := a.ArchiveReport(ctx, e.URL); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled, got %v", err)
	}

	objects := storage.NewMemoryStore("http://objects.local")
	a, _ = newTestApp(t, &recorder{}, func(c *Config) { c.Objects = objects })
	e, _ = a.CreateEvent(ctx)
	arc, err := a.ArchiveReport(ctx, e.URL)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(arc.Key, "reports/"+e.URL+"/") || arc.URL == "" {
		t.Fatalf("unexpected archive %+v", arc)
	}
	if _, ok := objects.Get(arc.Key); !ok {
		t.Fatalf("object not stored")
	}
	if !arc.ExpiresAt.Equal(fixedNow.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", arc.ExpiresAt)
	}
}

func TestImportHouses(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	ctx := context.Background()
	listing := []byte(`[{"Estate Name":{"zh-Hant":"彩虹邨","en":"Choi Hung Estate"}},{"Estate Name":{"en":"Lok Fu"}},{"Estate Name":{}}]`)
	n, err := a.ImportHouses(ctx, listing)
	if err != nil || n != 2 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}
	n, err = a.ImportHouses(ctx, listing)
	if err != nil || n != 0 {
		t.Fatalf("reimport: n=%d err=%v", n, err)
	}
	houses, _ := a.ListHouses(ctx)
	if len(houses) != 2 || !houses[0].CanBuy {
		t.Fatalf("unexpected houses %+v", houses)
	}
	if _, err := a.ImportHouses(ctx, []byte(`{"not":"a list"}`)); !errors.Is(err, ErrInvalidListing) {
		t.Fatalf("expected ErrInvalidListing, got %v", err)
	}
}

func TestAdminLogin(t *testing.T) {
	tokens, err := auth.NewTokenIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	a, _ := newTestApp(t, &recorder{}, func(c *Config) { c.Tokens = tokens })
	ctx := context.Background()
	if err := a.BootstrapAdmin(ctx, "admin", "short"); err == nil {
		t.Fatalf("expected weak password to be rejected")
	}
	const password = "Str0ng!Passw0rd"
	if err := a.BootstrapAdmin(ctx, "admin", password); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := a.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := a.Login(ctx, "ghost", password); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	token, err := a.Login(ctx, "admin", password)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	user, err := a.VerifyAdmin(token)
	if err != nil || user != "admin" {
		t.Fatalf("verify: user=%q err=%v", user, err)
	}
	if _, err := a.VerifyAdmin("garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	userToken, _ := tokens.Issue("viewer", false)
	if _, err := a.VerifyAdmin(userToken); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAdminDisabledWithoutTokens(t *testing.T) {
	a, _ := newTestApp(t, &recorder{})
	if _, err := a.Login(context.Background(), "admin", "x"); !errors.Is(err, ErrAdminDisabled) {
		t.Fatalf("expected ErrAdminDisabled, got %v", err)
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	other := k.Lock("b")
	other()
	unlock()
	<-done
	if k.size() != 0 {
		t.Fatalf("expected no retained keys, got %d", k.size())
	}
}

type unsignedStore struct {
	*storage.MemoryStore
}

func (unsignedStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("presign unavailable")
}

func TestArchiveReportRemovesUploadWhenPresignFails(t *testing.T) {
	objects := unsignedStore{storage.NewMemoryStore("http://objects.local")}
	a, _ := newTestApp(t, &recorder{}, func(c *Config) { c.Objects = objects })
	ctx := context.Background()
	e, _ := a.CreateEvent(ctx)
	if _, err := a.ArchiveReport(ctx, e.URL); err == nil {
		t.Fatalf("expected presign failure")
	}
	key := storage.ReportKey(e.URL, "查驗報告_"+e.URL+"_20240305_143000.docx")
	if _, ok := objects.Get(key); ok {
		t.Fatalf("orphaned upload left at %s", key)
	}
}
