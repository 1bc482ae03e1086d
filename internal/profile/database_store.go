package profile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("profile_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("profile_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("profile_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("profile_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("profile_store.unsupported_no_scheme")
)

// DatabaseStore persists user profiles using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type profileRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	Email         string `gorm:"column:email;not null"`
	Username      string `gorm:"column:username;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (profileRecord) TableName() string {
	return "user_profiles"
}

// NewDatabaseStore constructs a GORM-backed store from a database URL
// (postgres:// or sqlite://).
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("profile_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("profile_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&profileRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("profile_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Get returns the profile for id.
func (store *DatabaseStore) Get(ctx context.Context, id string) (*Profile, error) {
	var record profileRecord
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("profile_store.get.%s: %w", store.driverLabel, ErrProfileNotFound)
		}
		return nil, fmt.Errorf("profile_store.get.%s: %w", store.driverLabel, err)
	}
	return recordToProfile(&record), nil
}

// Insert creates a new profile row, failing on an existing id.
func (store *DatabaseStore) Insert(ctx context.Context, profileValue Profile) (*Profile, error) {
	record := profileToRecord(&profileValue)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("profile_store.insert.%s: %w", store.driverLabel, classifyWriteError(err))
	}
	return recordToProfile(&record), nil
}

// Upsert writes the profile with id as the conflict key, overwriting
// email and username while keeping the original created_at.
func (store *DatabaseStore) Upsert(ctx context.Context, profileValue Profile) (*Profile, error) {
	record := profileToRecord(&profileValue)
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "username"}),
	}).Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("profile_store.upsert.%s: %w", store.driverLabel, classifyWriteError(err))
	}
	// Re-read so the caller observes the preserved created_at.
	return store.Get(ctx, profileValue.ID)
}

// classifyWriteError maps driver failures onto the store's sentinel
// errors so callers can discriminate policy rejections from races.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrProfileConflict
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key"):
		return ErrProfileConflict
	case strings.Contains(message, "permission denied") || strings.Contains(message, "row-level security") || strings.Contains(message, "42501"):
		return ErrProfilePermissionDenied
	default:
		return err
	}
}

func profileToRecord(profileValue *Profile) profileRecord {
	createdAt := profileValue.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return profileRecord{
		ID:            profileValue.ID,
		Email:         profileValue.Email,
		Username:      profileValue.Username,
		CreatedAtUnix: createdAt.Unix(),
	}
}

func recordToProfile(record *profileRecord) *Profile {
	return &Profile{
		ID:        record.ID,
		Email:     record.Email,
		Username:  record.Username,
		CreatedAt: time.Unix(record.CreatedAtUnix, 0).UTC(),
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("profile_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("profile_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("profile_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("profile_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
