package domain

import "time"

// DefaultCategory is assigned to problems submitted without a category.
const DefaultCategory = "其它問題"

// SystemAuthor is the chat author used for server-generated messages.
const SystemAuthor = "System"

type House struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	CanBuy bool   `json:"can_buy"`
}

type Event struct {
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	HouseID      *int64    `json:"house_id"`
	OldHouseID   *string   `json:"old_house_id"`
	Flat         *string   `json:"flat"`
	CustomerName *string   `json:"customer_name"`
	House        *House    `json:"house"`
	Problems     []Problem `json:"problems"`
	CreatedAt    time.Time `json:"created_at"`
}

type Problem struct {
	ID          int64     `json:"id"`
	EventID     int64     `json:"event_id"`
	Images      []string  `json:"image"`
	Description string    `json:"description"`
	Important   bool      `json:"important"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	EventURL  string    `json:"event_url,omitempty"`
	User      string    `json:"user"`
	Message   string    `json:"message"`
	System    bool      `json:"system"`
	Timestamp time.Time `json:"timestamp"`
}

type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"is_admin"`
}

// EventPatch carries the optional fields of an event update. Nil fields are
// left untouched; a pointer to "" clears a text field.
type EventPatch struct {
	HouseID      *int64
	OldHouseID   *string
	Flat         *string
	CustomerName *string
	Problems     *[]Problem
}

// HouseName returns the name of the linked house or "" when none is linked.
func (e Event) HouseName() string {
	if e.House == nil {
		return ""
	}
	return e.House.Name
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
