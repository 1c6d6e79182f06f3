package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lemmacheck/internal/util"
	"lemmacheck/pkg/auth"
	"lemmacheck/pkg/domain"
	"lemmacheck/pkg/realtime"
	"lemmacheck/pkg/report"
	"lemmacheck/pkg/storage"
	"lemmacheck/pkg/store"
)

const (
	// AnonymousAuthor is used for chat messages sent without a user name.
	AnonymousAuthor = "Anonymous"

	tokenAttempts = 3
)

// Config wires the application dependencies.
type Config struct {
	Store       store.Store
	Broadcaster realtime.Broadcaster
	// Objects is optional; without it ArchiveReport returns ErrArchiveDisabled.
	Objects        storage.ObjectStore
	ArchiveLinkTTL time.Duration
	Fonts          report.Fonts
	// Tokens is optional; without it admin login is disabled.
	Tokens     *auth.TokenIssuer
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// App holds the inspection use-cases.
type App struct {
	store       store.Store
	broadcaster realtime.Broadcaster
	objects     storage.ObjectStore
	linkTTL     time.Duration
	fonts       report.Fonts
	tokens      *auth.TokenIssuer
	now         func() time.Time
	events      *keyedMutex

	reportSeconds *prometheus.HistogramVec
}

// ProblemInput is the client-supplied part of a new problem.
type ProblemInput struct {
	Description string
	Category    string
	Important   bool
	Images      []string
}

// Report is a generated document ready for download.
type Report struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Archive describes an uploaded report.
type Archive struct {
	Key       string    `json:"key"`
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New constructs the application service.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ArchiveLinkTTL <= 0 {
		cfg.ArchiveLinkTTL = 24 * time.Hour
	}
	a := &App{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		objects:     cfg.Objects,
		linkTTL:     cfg.ArchiveLinkTTL,
		fonts:       cfg.Fonts,
		tokens:      cfg.Tokens,
		now:         cfg.Now,
		events:      newKeyedMutex(),
		reportSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lemma",
			Subsystem: "report",
			Name:      "generation_seconds",
			Help:      "Time spent rendering inspection documents.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format"}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(a.reportSeconds); err != nil {
			return nil, fmt.Errorf("register report metrics: %w", err)
		}
	}
	return a, nil
}

// CreateEvent opens a new inspection session under a fresh URL token.
func (a *App) CreateEvent(ctx context.Context) (domain.Event, error) {
	var lastErr error
	for range tokenAttempts {
		token, err := util.NewEventToken()
		if err != nil {
			return domain.Event{}, err
		}
		event, err := a.store.CreateEvent(ctx, domain.Event{URL: token, CreatedAt: a.now().UTC()})
		if err == nil {
			util.LoggerFromContext(ctx).Info("event_created", "event_id", event.ID)
			return event, nil
		}
		lastErr = err
	}
	return domain.Event{}, fmt.Errorf("create event: %w", lastErr)
}

// GetEvent returns the event with its house and problems.
func (a *App) GetEvent(ctx context.Context, url string) (domain.Event, error) {
	event, ok, err := a.store.GetEventByURL(ctx, url)
	if err != nil {
		return domain.Event{}, fmt.Errorf("get event: %w", err)
	}
	if !ok {
		return domain.Event{}, ErrEventNotFound
	}
	return event, nil
}

// UpdateEvent applies patch atomically and notifies listeners.
func (a *App) UpdateEvent(ctx context.Context, url string, patch domain.EventPatch) (domain.Event, error) {
	unlock := a.events.Lock(url)
	defer unlock()

	event, err := a.store.UpdateEvent(ctx, url, patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Event{}, ErrEventNotFound
	case errors.Is(err, store.ErrInvalidHouse):
		return domain.Event{}, ErrInvalidHouse
	case err != nil:
		return domain.Event{}, fmt.Errorf("update event: %w", err)
	}
	a.publish(ctx, realtime.Update(url))
	return event, nil
}

// DeleteEvent removes the event together with its problems and chat history.
func (a *App) DeleteEvent(ctx context.Context, url string) error {
	unlock := a.events.Lock(url)
	defer unlock()

	if err := a.store.DeleteEvent(ctx, url); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrEventNotFound
		}
		return fmt.Errorf("delete event: %w", err)
	}
	util.LoggerFromContext(ctx).Info("event_deleted", "event", url)
	a.publish(ctx, realtime.Update(url))
	return nil
}

// AddProblem stores a problem with its system chat note in one transaction,
// then publishes the note and a refetch signal.
func (a *App) AddProblem(ctx context.Context, url string, in ProblemInput) (domain.Problem, domain.ChatMessage, error) {
	unlock := a.events.Lock(url)
	defer unlock()

	event, err := a.GetEvent(ctx, url)
	if err != nil {
		return domain.Problem{}, domain.ChatMessage{}, err
	}
	now := a.now().UTC()
	problem := domain.Problem{
		Description: in.Description,
		Category:    strings.TrimSpace(in.Category),
		Important:   in.Important,
		Images:      in.Images,
		CreatedAt:   now,
	}
	note := domain.ChatMessage{
		User:      domain.SystemAuthor,
		Message:   SystemNote(in.Description),
		System:    true,
		Timestamp: now,
	}
	problem, note, err = a.store.AddProblem(ctx, event.ID, problem, note)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Problem{}, domain.ChatMessage{}, ErrEventNotFound
		}
		return domain.Problem{}, domain.ChatMessage{}, fmt.Errorf("add problem: %w", err)
	}
	note.EventURL = url
	a.publishChat(ctx, note)
	a.publish(ctx, realtime.Update(url))
	return problem, note, nil
}

// DeleteProblem removes a problem that belongs to the event.
func (a *App) DeleteProblem(ctx context.Context, url string, problemID int64) error {
	unlock := a.events.Lock(url)
	defer unlock()

	event, err := a.GetEvent(ctx, url)
	if err != nil {
		return err
	}
	if err := a.store.DeleteProblem(ctx, event.ID, problemID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrProblemNotFound
		}
		return fmt.Errorf("delete problem: %w", err)
	}
	a.publish(ctx, realtime.Update(url))
	return nil
}

// ListMessages returns the chat history of the event.
func (a *App) ListMessages(ctx context.Context, url string) ([]domain.ChatMessage, error) {
	event, err := a.GetEvent(ctx, url)
	if err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessages(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := range msgs {
		msgs[i].EventURL = url
	}
	return msgs, nil
}

// SendMessage persists a chat message and publishes it to the event's listeners.
func (a *App) SendMessage(ctx context.Context, url, user, text string) (domain.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ChatMessage{}, ErrMessageRequired
	}
	user = strings.TrimSpace(user)
	if user == "" {
		user = AnonymousAuthor
	}

	unlock := a.events.Lock(url)
	defer unlock()

	event, err := a.GetEvent(ctx, url)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg, err := a.store.AppendMessage(ctx, domain.ChatMessage{
		EventID:   event.ID,
		User:      user,
		Message:   text,
		Timestamp: a.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ChatMessage{}, ErrEventNotFound
		}
		return domain.ChatMessage{}, fmt.Errorf("send message: %w", err)
	}
	msg.EventURL = url
	a.publishChat(ctx, msg)
	return msg, nil
}

// Report renders the inspection report of the event.
func (a *App) Report(ctx context.Context, url string) (Report, error) {
	event, err := a.GetEvent(ctx, url)
	if err != nil {
		return Report{}, err
	}
	now := a.now()
	start := time.Now()
	data, err := report.Generate(event, now, a.fonts)
	a.reportSeconds.WithLabelValues("docx").Observe(time.Since(start).Seconds())
	if err != nil {
		return Report{}, fmt.Errorf("generate report: %w", err)
	}
	return Report{
		Filename:    report.Filename(url, now),
		ContentType: report.ContentTypeDocx,
		Data:        data,
	}, nil
}

// ProblemRegister renders the spreadsheet register of the event's problems.
func (a *App) ProblemRegister(ctx context.Context, url string) (Report, error) {
	event, err := a.GetEvent(ctx, url)
	if err != nil {
		return Report{}, err
	}
	now := a.now()
	start := time.Now()
	data, err := report.Register(event)
	a.reportSeconds.WithLabelValues("xlsx").Observe(time.Since(start).Seconds())
	if err != nil {
		return Report{}, fmt.Errorf("generate register: %w", err)
	}
	return Report{
		Filename:    report.RegisterFilename(url, now),
		ContentType: report.ContentTypeXlsx,
		Data:        data,
	}, nil
}

// ArchiveReport uploads a freshly generated report and returns a pre-signed link to it.
func (a *App) ArchiveReport(ctx context.Context, url string) (Archive, error) {
	if a.objects == nil {
		return Archive{}, ErrArchiveDisabled
	}
	rep, err := a.Report(ctx, url)
	if err != nil {
		return Archive{}, err
	}
	key := storage.ReportKey(url, rep.Filename)
	if err := a.objects.Put(ctx, key, bytes.NewReader(rep.Data), int64(len(rep.Data)), rep.ContentType); err != nil {
		return Archive{}, fmt.Errorf("upload report: %w", err)
	}
	link, err := a.objects.PresignGet(ctx, key, a.linkTTL)
	if err != nil {
		if delErr := a.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("archive_cleanup_failed", "key", key, "err", delErr)
		}
		return Archive{}, fmt.Errorf("presign report: %w", err)
	}
	util.LoggerFromContext(ctx).Info("report_archived", "event", url, "key", key, "bytes", len(rep.Data))
	return Archive{
		Key:       key,
		Filename:  rep.Filename,
		URL:       link,
		ExpiresAt: a.now().UTC().Add(a.linkTTL),
	}, nil
}

// SystemNote is the chat text announcing a new problem.
func SystemNote(description string) string {
	return `A new problem "` + description + `" was added`
}

func (a *App) publishChat(ctx context.Context, msg domain.ChatMessage) {
	out, err := realtime.Chat(msg.EventURL, msg)
	if err != nil {
		util.LoggerFromContext(ctx).Error("chat_encode_failed", "event", msg.EventURL, "err", err)
		return
	}
	a.publish(ctx, out)
}

// publish runs after commit; a client disconnect must not drop the notification.
func (a *App) publish(ctx context.Context, msg realtime.Message) {
	if err := a.broadcaster.Broadcast(context.WithoutCancel(ctx), msg); err != nil {
		util.LoggerFromContext(ctx).Warn("broadcast_failed", "event", msg.Event, "type", msg.Type, "err", err)
	}
}
