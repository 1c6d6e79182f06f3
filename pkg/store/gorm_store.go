package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"lemmacheck/pkg/domain"
)

const migrateLockID int64 = 51740515

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type GormStoreOptions struct {
	Driver string
}

type GormStoreOption func(*GormStoreOptions)

// WithDriver selects the SQL dialect ("postgres" or "sqlite").
func WithDriver(driver string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Driver = driver
	}
}

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Driver: DriverPostgres}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		driver = DriverPostgres
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLog,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &HouseModel{}, &EventModel{}, &ProblemModel{}, &ChatMessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if driver == DriverPostgres {
			return ensurePostgresForeignKeys(tx)
		}
		return nil
	}
	if driver == DriverPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, driver: driver}, nil
}

func sqliteDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "lemma_check_house.db"
	}
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// orphanTables lists the child tables cleaned before foreign keys are added.
var orphanTables = []string{"problems", "chat_messages"}

// removeOrphans deletes rows whose event no longer exists and reports how
// many rows each table lost. Every removal is logged.
func removeOrphans(tx *gorm.DB) (map[string]int64, error) {
	removed := make(map[string]int64, len(orphanTables))
	for _, table := range orphanTables {
		res := tx.Exec("DELETE FROM " + table + " WHERE NOT EXISTS (SELECT 1 FROM events WHERE events.id = " + table + ".event_id)")
		if res.Error != nil {
			return nil, fmt.Errorf("remove orphaned %s: %w", table, res.Error)
		}
		if res.RowsAffected > 0 {
			slog.Warn("orphaned_rows_removed", "table", table, "rows", res.RowsAffected)
		}
		removed[table] = res.RowsAffected
	}
	return removed, nil
}

func ensurePostgresForeignKeys(tx *gorm.DB) error {
	if _, err := removeOrphans(tx); err != nil {
		return err
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'problems'
				AND constraint_name = 'problems_event_id_fkey'
			) THEN
				ALTER TABLE problems
				ADD CONSTRAINT problems_event_id_fkey
				FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'chat_messages'
				AND constraint_name = 'chat_messages_event_id_fkey'
			) THEN
				ALTER TABLE chat_messages
				ADD CONSTRAINT chat_messages_event_id_fkey
				FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'events'
				AND constraint_name = 'events_house_id_fkey'
			) THEN
				ALTER TABLE events
				ADD CONSTRAINT events_house_id_fkey
				FOREIGN KEY (house_id) REFERENCES houses(id) ON DELETE RESTRICT;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure event foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser inserts a user or updates the hash and admin flag of an existing username.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "is_admin"}),
	}).Create(&model).Error
	if err != nil {
		return domain.User{}, err
	}
	saved, ok, err := s.GetUserByUsername(ctx, u.Username)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return saved, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListHouses returns the house catalog ordered by id.
func (s *GormStore) ListHouses(ctx context.Context) ([]domain.House, error) {
	var models []HouseModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.House, 0, len(models))
	for _, m := range models {
		res = append(res, houseFromModel(m))
	}
	return res, nil
}

// InsertMissingHouses adds houses whose name is not yet in the catalog and
// returns how many rows were inserted.
func (s *GormStore) InsertMissingHouses(ctx context.Context, houses []domain.House) (int, error) {
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := make(map[string]struct{}, len(houses))
		for _, h := range houses {
			name := strings.TrimSpace(h.Name)
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			var count int64
			if err := tx.Model(&HouseModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			model := HouseModel{Name: name, CanBuy: h.CanBuy}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// CreateEvent inserts an event row. Problems on the input are ignored.
func (s *GormStore) CreateEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	model := eventToModel(e)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error; err != nil {
		return domain.Event{}, err
	}
	return eventFromModel(model), nil
}

// GetEventByURL returns the event with its house and problems (id order).
func (s *GormStore) GetEventByURL(ctx context.Context, url string) (domain.Event, bool, error) {
	model, err := s.loadEvent(s.db.WithContext(ctx), url)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Event{}, false, nil
		}
		return domain.Event{}, false, err
	}
	return eventFromModel(model), true, nil
}

func (s *GormStore) loadEvent(db *gorm.DB, url string) (EventModel, error) {
	var model EventModel
	err := db.
		Preload("House").
		Preload("Problems", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("url = ?", url).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EventModel{}, ErrNotFound
		}
		return EventModel{}, err
	}
	return model, nil
}

// UpdateEvent applies patch in one transaction. A house_id that does not
// exist aborts the whole update with ErrInvalidHouse.
func (s *GormStore) UpdateEvent(ctx context.Context, url string, patch domain.EventPatch) (domain.Event, error) {
	var updated EventModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model EventModel
		if err := tx.Where("url = ?", url).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		updates := map[string]any{}
		if patch.HouseID != nil {
			var count int64
			if err := tx.Model(&HouseModel{}).Where("id = ?", *patch.HouseID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrInvalidHouse
			}
			updates["house_id"] = *patch.HouseID
		}
		if patch.OldHouseID != nil {
			updates["old_house_id"] = nullIfEmpty(*patch.OldHouseID)
		}
		if patch.Flat != nil {
			updates["flat"] = nullIfEmpty(*patch.Flat)
		}
		if patch.CustomerName != nil {
			updates["customer_name"] = nullIfEmpty(*patch.CustomerName)
		}
		if len(updates) > 0 {
			if err := tx.Model(&EventModel{}).Where("id = ?", model.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		if patch.Problems != nil {
			if err := tx.Where("event_id = ?", model.ID).Delete(&ProblemModel{}).Error; err != nil {
				return err
			}
			if len(*patch.Problems) > 0 {
				now := time.Now().UTC()
				models := make([]ProblemModel, 0, len(*patch.Problems))
				for _, p := range *patch.Problems {
					pm := problemToModel(p)
					pm.ID = 0
					pm.EventID = model.ID
					if pm.CreatedAt.IsZero() {
						pm.CreatedAt = now
					}
					models = append(models, pm)
				}
				if err := tx.CreateInBatches(&models, 100).Error; err != nil {
					return err
				}
			}
		}
		loaded, err := s.loadEvent(tx, url)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return eventFromModel(updated), nil
}

// DeleteEvent removes an event with its problems and chat messages.
func (s *GormStore) DeleteEvent(ctx context.Context, url string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model EventModel
		if err := tx.Where("url = ?", url).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&ChatMessageModel{}, "event_id = ?", model.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ProblemModel{}, "event_id = ?", model.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&EventModel{}, "id = ?", model.ID).Error
	})
}

// AddProblem records a problem and its accompanying chat note atomically.
func (s *GormStore) AddProblem(ctx context.Context, eventID int64, p domain.Problem, note domain.ChatMessage) (domain.Problem, domain.ChatMessage, error) {
	problem := problemToModel(p)
	problem.ID = 0
	problem.EventID = eventID
	if problem.CreatedAt.IsZero() {
		problem.CreatedAt = time.Now().UTC()
	}
	msg := messageToModel(note)
	msg.ID = 0
	msg.EventID = eventID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = problem.CreatedAt
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEvent(tx, eventID); err != nil {
			return err
		}
		if err := tx.Create(&problem).Error; err != nil {
			return err
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		return domain.Problem{}, domain.ChatMessage{}, err
	}
	return problemFromModel(problem), messageFromModel(msg), nil
}

// DeleteProblem removes one problem of an event.
func (s *GormStore) DeleteProblem(ctx context.Context, eventID, problemID int64) error {
	res := s.db.WithContext(ctx).Where("id = ? AND event_id = ?", problemID, eventID).Delete(&ProblemModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage records a chat message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	model := messageToModel(msg)
	model.ID = 0
	if model.Timestamp.IsZero() {
		model.Timestamp = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireEvent(tx, model.EventID); err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return messageFromModel(model), nil
}

// ListMessages returns the chat history of an event in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, eventID int64) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// nullIfEmpty clears nullable text columns when given "".
func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func requireEvent(tx *gorm.DB, eventID int64) error {
	var count int64
	if err := tx.Model(&EventModel{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		IsAdmin:      u.IsAdmin,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		IsAdmin:      m.IsAdmin,
	}
}

func houseFromModel(m HouseModel) domain.House {
	return domain.House{ID: m.ID, Name: m.Name, CanBuy: m.CanBuy}
}

func eventToModel(e domain.Event) EventModel {
	return EventModel{
		ID:           e.ID,
		URL:          e.URL,
		HouseID:      e.HouseID,
		OldHouseID:   e.OldHouseID,
		Flat:         e.Flat,
		CustomerName: e.CustomerName,
		CreatedAt:    e.CreatedAt,
	}
}

func eventFromModel(m EventModel) domain.Event {
	e := domain.Event{
		ID:           m.ID,
		URL:          m.URL,
		HouseID:      m.HouseID,
		OldHouseID:   m.OldHouseID,
		Flat:         m.Flat,
		CustomerName: m.CustomerName,
		CreatedAt:    m.CreatedAt,
		Problems:     make([]domain.Problem, 0, len(m.Problems)),
	}
	if m.House != nil {
		house := houseFromModel(*m.House)
		e.House = &house
	}
	for _, p := range m.Problems {
		e.Problems = append(e.Problems, problemFromModel(p))
	}
	return e
}

func problemToModel(p domain.Problem) ProblemModel {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	raw, _ := json.Marshal(images)
	category := strings.TrimSpace(p.Category)
	if category == "" {
		category = domain.DefaultCategory
	}
	return ProblemModel{
		ID:          p.ID,
		EventID:     p.EventID,
		Image:       raw,
		Description: p.Description,
		Important:   p.Important,
		Category:    category,
		CreatedAt:   p.CreatedAt,
	}
}

func problemFromModel(m ProblemModel) domain.Problem {
	images := decodeImages(m.Image)
	return domain.Problem{
		ID:          m.ID,
		EventID:     m.EventID,
		Images:      images,
		Description: m.Description,
		Important:   m.Important,
		Category:    m.Category,
		CreatedAt:   m.CreatedAt,
	}
}

// decodeImages accepts the JSON list written by this store as well as the
// legacy forms where the column held a single string.
func decodeImages(raw []byte) []string {
	images := []string{}
	if len(raw) == 0 {
		return images
	}
	if err := json.Unmarshal(raw, &images); err == nil {
		if images == nil {
			images = []string{}
		}
		return images
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return []string{}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		EventID:   msg.EventID,
		User:      msg.User,
		Message:   msg.Message,
		System:    msg.System,
		Timestamp: msg.Timestamp,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		EventID:   m.EventID,
		User:      m.User,
		Message:   m.Message,
		System:    m.System,
		Timestamp: m.Timestamp,
	}
}
