package store

import (
	"context"
	"errors"

	"lemmacheck/pkg/domain"
)

var (
	// ErrNotFound indicates the referenced event or problem does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidHouse indicates a house_id that does not resolve to a house.
	ErrInvalidHouse = errors.New("invalid house_id")
)

// Store defines persistence operations for users, houses, events, problems and chat messages.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)

	// houses
	ListHouses(ctx context.Context) ([]domain.House, error)
	InsertMissingHouses(ctx context.Context, houses []domain.House) (int, error)

	// events
	CreateEvent(ctx context.Context, e domain.Event) (domain.Event, error)
	GetEventByURL(ctx context.Context, url string) (domain.Event, bool, error)
	UpdateEvent(ctx context.Context, url string, patch domain.EventPatch) (domain.Event, error)
	DeleteEvent(ctx context.Context, url string) error

	// problems
	AddProblem(ctx context.Context, eventID int64, p domain.Problem, note domain.ChatMessage) (domain.Problem, domain.ChatMessage, error)
	DeleteProblem(ctx context.Context, eventID, problemID int64) error

	// chat
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, eventID int64) ([]domain.ChatMessage, error)

	Close() error
}
