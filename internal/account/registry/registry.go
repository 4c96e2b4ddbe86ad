package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Unique-index violations reported by Create and MarkUpgraded.
var (
	ErrKeyTaken     = errors.New("license key already exists")
	ErrEmailTaken   = errors.New("a license already exists for this email")
	ErrSessionTaken = errors.New("payment session already attached to a license")
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config selects and locates the registry backend.
type Config struct {
	Driver  string // "sqlite" (default) or "postgres"
	DataDir string // sqlite only
	DSN     string // postgres only
}

// LicenseRegistry stores license records in SQLite or Postgres.
type LicenseRegistry struct {
	db *sqlx.DB
}

// Open opens the backend named by cfg and ensures the schema exists.
func Open(cfg Config) (*LicenseRegistry, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return NewSQLiteRegistry(cfg.DataDir)
	case DriverPostgres, "pgx":
		return NewPostgresRegistry(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewSQLiteRegistry opens (or creates) the license database in dir.
func NewSQLiteRegistry(dir string) (*LicenseRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "licenses.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open license registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &LicenseRegistry{db: db}
	if err := r.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRegistry connects to Postgres through the pgx stdlib driver.
func NewPostgresRegistry(dsn string) (*LicenseRegistry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license registry db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping license registry db: %w", err)
	}

	r := &LicenseRegistry{db: db}
	if err := r.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(db *sql.DB, driverName string) *LicenseRegistry {
	return &LicenseRegistry{db: sqlx.NewDb(db, driverName)}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS licenses (
		id                           TEXT PRIMARY KEY,
		license_key                  TEXT NOT NULL,
		email                        TEXT NOT NULL,
		status                       TEXT NOT NULL DEFAULT 'trial',
		trial_started_at             BIGINT NOT NULL,
		trial_ends_at                BIGINT NOT NULL,
		bound_device_id              TEXT,
		device_bound_at              BIGINT,
		last_device_reset            BIGINT,
		platform                     TEXT,
		app_version                  TEXT,
		preferences                  TEXT,
		payment_session_id           TEXT,
		payment_customer_id          TEXT,
		payment_subscription_id      TEXT,
		subscription_started_at      BIGINT,
		subscription_state           TEXT,
		subscription_event_at        BIGINT,
		deactivated_at               BIGINT,
		reminder_day3_sent           INTEGER NOT NULL DEFAULT 0,
		reminder_day3_sent_at        BIGINT,
		reminder_post_expiry_sent    INTEGER NOT NULL DEFAULT 0,
		reminder_post_expiry_sent_at BIGINT,
		update_nudge_sent_at         BIGINT,
		created_at                   BIGINT NOT NULL,
		updated_at                   BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_key ON licenses(license_key)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_email ON licenses(email)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_payment_session ON licenses(payment_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,
	`CREATE INDEX IF NOT EXISTS idx_licenses_subscription ON licenses(payment_subscription_id)`,
}

func (r *LicenseRegistry) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init license registry schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *LicenseRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *LicenseRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const licenseColumns = `id, license_key, email, status, trial_started_at, trial_ends_at,
	bound_device_id, device_bound_at, last_device_reset, platform, app_version, preferences,
	payment_session_id, payment_customer_id, payment_subscription_id,
	subscription_started_at, subscription_state, subscription_event_at, deactivated_at,
	reminder_day3_sent, reminder_day3_sent_at, reminder_post_expiry_sent, reminder_post_expiry_sent_at,
	update_nudge_sent_at, created_at, updated_at`

// Create inserts a new license record. Unique-index collisions come back as
// ErrKeyTaken, ErrEmailTaken or ErrSessionTaken.
func (r *LicenseRegistry) Create(ctx context.Context, l *License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	if l.ID == "" {
		l.ID = GenerateRecordID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.Key, l.Email, string(l.Status), l.TrialStartedAt.Unix(), l.TrialEndsAt.Unix(),
		nullString(l.BoundDeviceID), nullableTimeUnix(l.DeviceBoundAt), nullableTimeUnix(l.LastDeviceReset),
		nullString(l.Platform), nullString(l.AppVersion), nullString(string(l.Preferences)),
		nullString(l.PaymentSessionID), nullString(l.PaymentCustomerID), nullString(l.PaymentSubscriptionID),
		nullableTimeUnix(l.SubscriptionStartedAt), nullString(string(l.SubscriptionState)),
		nullableTimeUnix(l.SubscriptionEventAt), nullableTimeUnix(l.DeactivatedAt),
		boolToInt(l.ReminderDay3Sent), nullableTimeUnix(l.ReminderDay3SentAt),
		boolToInt(l.ReminderPostExpirySent), nullableTimeUnix(l.ReminderPostExpirySentAt),
		nullableTimeUnix(l.UpdateNudgeSentAt), l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
	)
	if err != nil {
		if taken := classifyUniqueViolation(err); taken != nil {
			return taken
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetByKey retrieves a license by its key.
func (r *LicenseRegistry) GetByKey(ctx context.Context, key string) (*License, error) {
	return r.getOne(ctx, "license_key = ?", key)
}

// GetByEmail retrieves the license owned by email.
func (r *LicenseRegistry) GetByEmail(ctx context.Context, email string) (*License, error) {
	return r.getOne(ctx, "email = ?", email)
}

// GetByPaymentSessionID retrieves the license upgraded by a checkout session.
func (r *LicenseRegistry) GetByPaymentSessionID(ctx context.Context, sessionID string) (*License, error) {
	return r.getOne(ctx, "payment_session_id = ?", sessionID)
}

// GetBySubscriptionID retrieves the license paid for by a subscription.
func (r *LicenseRegistry) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*License, error) {
	return r.getOne(ctx, "payment_subscription_id = ?", subscriptionID)
}

func (r *LicenseRegistry) getOne(ctx context.Context, where string, arg any) (*License, error) {
	var row licenseRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+licenseColumns+` FROM licenses WHERE `+where), arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return row.toLicense(), nil
}

// List returns all licenses, newest first.
func (r *LicenseRegistry) List(ctx context.Context) ([]*License, error) {
	return r.selectMany(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at DESC`)
}

// ListByStatus returns all licenses in the given stored status.
func (r *LicenseRegistry) ListByStatus(ctx context.Context, status Status) ([]*License, error) {
	return r.selectMany(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE status = ? ORDER BY created_at DESC`, string(status))
}

// CountByStatus returns a map of status -> count.
func (r *LicenseRegistry) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM licenses GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count licenses by status: %w", err)
	}
	counts := make(map[Status]int, len(rows))
	for _, row := range rows {
		counts[Status(row.Status)] = row.Count
	}
	return counts, nil
}

// BindDevice binds deviceID to the license only if no device is bound yet.
// It reports whether this call performed the binding.
func (r *LicenseRegistry) BindDevice(ctx context.Context, key, deviceID, platform, appVersion string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET
			bound_device_id = ?, device_bound_at = ?,
			platform = COALESCE(?, platform), app_version = COALESCE(?, app_version),
			updated_at = ?
		WHERE license_key = ? AND bound_device_id IS NULL`),
		deviceID, at.Unix(), nullString(platform), nullString(appVersion), at.Unix(), key,
	)
	if err != nil {
		return false, fmt.Errorf("bind device: %w", err)
	}
	return affectedOne(res)
}

// UpdateAppVersion records the app version reported by the bound device.
func (r *LicenseRegistry) UpdateAppVersion(ctx context.Context, key, deviceID, appVersion string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET app_version = ?, updated_at = ?
		WHERE license_key = ? AND bound_device_id = ?`),
		appVersion, at.Unix(), key, deviceID,
	)
	if err != nil {
		return fmt.Errorf("update app version: %w", err)
	}
	return nil
}

// ResetDevice clears the device binding. It returns false when key is unknown.
func (r *LicenseRegistry) ResetDevice(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET
			bound_device_id = NULL, device_bound_at = NULL,
			last_device_reset = ?, updated_at = ?
		WHERE license_key = ?`),
		at.Unix(), at.Unix(), key,
	)
	if err != nil {
		return false, fmt.Errorf("reset device: %w", err)
	}
	return affectedOne(res)
}

// MarkUpgraded promotes the license to active and attaches the payment refs.
// It reports false when the key is unknown or already carries refs.SessionID.
// A new subscription starts in SubStateActive with a fresh event watermark.
func (r *LicenseRegistry) MarkUpgraded(ctx context.Context, key string, refs PaymentRefs, at time.Time) (bool, error) {
	var subState, eventAt any
	if refs.SubscriptionID != "" {
		subState = string(SubStateActive)
		if !refs.SessionCreatedAt.IsZero() {
			eventAt = refs.SessionCreatedAt.Unix()
		}
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET
			status = ?, subscription_started_at = ?, deactivated_at = NULL,
			payment_session_id = ?,
			payment_customer_id = COALESCE(?, payment_customer_id),
			payment_subscription_id = COALESCE(?, payment_subscription_id),
			subscription_state = COALESCE(?, subscription_state),
			subscription_event_at = ?,
			updated_at = ?
		WHERE license_key = ? AND (payment_session_id IS NULL OR payment_session_id <> ?)`),
		string(StatusActive), at.Unix(),
		refs.SessionID, nullString(refs.CustomerID), nullString(refs.SubscriptionID),
		subState, eventAt,
		at.Unix(), key, refs.SessionID,
	)
	if err != nil {
		if taken := classifyUniqueViolation(err); taken != nil {
			return false, taken
		}
		return false, fmt.Errorf("mark license upgraded: %w", err)
	}
	return affectedOne(res)
}

// TransitionSubscription applies c to the paid license on c.SubscriptionID
// as one conditional write. It reports false when the stored state is no
// longer c.From or a newer subscription event has already been applied.
func (r *LicenseRegistry) TransitionSubscription(ctx context.Context, c SubscriptionChange, at time.Time) (bool, error) {
	status := c.To.LicenseStatus()
	deactivated := `deactivated_at = NULL`
	args := []any{string(c.To), c.EventAt.Unix(), string(status)}
	if status == StatusInactive {
		deactivated = `deactivated_at = COALESCE(deactivated_at, ?)`
		args = append(args, at.Unix())
	}
	args = append(args, at.Unix(),
		c.SubscriptionID, string(StatusTrial), string(c.From), c.EventAt.Unix())

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET
			subscription_state = ?, subscription_event_at = ?, status = ?,
			`+deactivated+`, updated_at = ?
		WHERE payment_subscription_id = ? AND status <> ?
			AND COALESCE(subscription_state, '') = ?
			AND (subscription_event_at IS NULL OR subscription_event_at <= ?)`),
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition subscription %s: %w", c.SubscriptionID, err)
	}
	return affectedOne(res)
}

// ListTrialReminderCandidates returns trial licenses whose reminder guard for
// kind is unset and whose trial ends in (endsAfter, endsBy].
func (r *LicenseRegistry) ListTrialReminderCandidates(ctx context.Context, kind ReminderKind, endsAfter, endsBy time.Time) ([]*License, error) {
	flag, _, err := reminderColumns(kind)
	if err != nil {
		return nil, err
	}
	return r.selectMany(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE status = ? AND `+flag+` = 0 AND trial_ends_at > ? AND trial_ends_at <= ?
		ORDER BY trial_ends_at`,
		string(StatusTrial), endsAfter.Unix(), endsBy.Unix(),
	)
}

// MarkReminderSent sets the guard for kind. It reports false when the guard
// was already set or the key is unknown.
func (r *LicenseRegistry) MarkReminderSent(ctx context.Context, key string, kind ReminderKind, at time.Time) (bool, error) {
	flag, stamp, err := reminderColumns(kind)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET `+flag+` = 1, `+stamp+` = ?, updated_at = ?
		WHERE license_key = ? AND `+flag+` = 0`),
		at.Unix(), at.Unix(), key,
	)
	if err != nil {
		return false, fmt.Errorf("mark %s reminder sent: %w", kind, err)
	}
	return affectedOne(res)
}

// ListUpdateNudgeCandidates returns trial or active licenses that never
// reported an app version and have not been nudged.
func (r *LicenseRegistry) ListUpdateNudgeCandidates(ctx context.Context, limit int) ([]*License, error) {
	return r.selectMany(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE status IN (?, ?) AND app_version IS NULL AND update_nudge_sent_at IS NULL
		ORDER BY created_at LIMIT ?`,
		string(StatusTrial), string(StatusActive), limit,
	)
}

// MarkUpdateNudgeSent stamps the nudge time once.
func (r *LicenseRegistry) MarkUpdateNudgeSent(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE licenses SET update_nudge_sent_at = ?, updated_at = ?
		WHERE license_key = ? AND update_nudge_sent_at IS NULL`),
		at.Unix(), at.Unix(), key,
	)
	if err != nil {
		return false, fmt.Errorf("mark update nudge sent: %w", err)
	}
	return affectedOne(res)
}

func (r *LicenseRegistry) selectMany(ctx context.Context, query string, args ...any) ([]*License, error) {
	var rows []licenseRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	out := make([]*License, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toLicense())
	}
	return out, nil
}

func reminderColumns(kind ReminderKind) (flag, stamp string, err error) {
	switch kind {
	case ReminderDay3:
		return "reminder_day3_sent", "reminder_day3_sent_at", nil
	case ReminderPostExpiry:
		return "reminder_post_expiry_sent", "reminder_post_expiry_sent_at", nil
	default:
		return "", "", fmt.Errorf("unknown reminder kind %q", kind)
	}
}

type licenseRow struct {
	ID                       string         `db:"id"`
	Key                      string         `db:"license_key"`
	Email                    string         `db:"email"`
	Status                   string         `db:"status"`
	TrialStartedAt           int64          `db:"trial_started_at"`
	TrialEndsAt              int64          `db:"trial_ends_at"`
	BoundDeviceID            sql.NullString `db:"bound_device_id"`
	DeviceBoundAt            sql.NullInt64  `db:"device_bound_at"`
	LastDeviceReset          sql.NullInt64  `db:"last_device_reset"`
	Platform                 sql.NullString `db:"platform"`
	AppVersion               sql.NullString `db:"app_version"`
	Preferences              sql.NullString `db:"preferences"`
	PaymentSessionID         sql.NullString `db:"payment_session_id"`
	PaymentCustomerID        sql.NullString `db:"payment_customer_id"`
	PaymentSubscriptionID    sql.NullString `db:"payment_subscription_id"`
	SubscriptionStartedAt    sql.NullInt64  `db:"subscription_started_at"`
	SubscriptionState        sql.NullString `db:"subscription_state"`
	SubscriptionEventAt      sql.NullInt64  `db:"subscription_event_at"`
	DeactivatedAt            sql.NullInt64  `db:"deactivated_at"`
	ReminderDay3Sent         int64          `db:"reminder_day3_sent"`
	ReminderDay3SentAt       sql.NullInt64  `db:"reminder_day3_sent_at"`
	ReminderPostExpirySent   int64          `db:"reminder_post_expiry_sent"`
	ReminderPostExpirySentAt sql.NullInt64  `db:"reminder_post_expiry_sent_at"`
	UpdateNudgeSentAt        sql.NullInt64  `db:"update_nudge_sent_at"`
	CreatedAt                int64          `db:"created_at"`
	UpdatedAt                int64          `db:"updated_at"`
}

func (row *licenseRow) toLicense() *License {
	l := &License{
		ID:                       row.ID,
		Key:                      row.Key,
		Email:                    row.Email,
		Status:                   Status(row.Status),
		TrialStartedAt:           time.Unix(row.TrialStartedAt, 0).UTC(),
		TrialEndsAt:              time.Unix(row.TrialEndsAt, 0).UTC(),
		BoundDeviceID:            row.BoundDeviceID.String,
		DeviceBoundAt:            timeFromNull(row.DeviceBoundAt),
		LastDeviceReset:          timeFromNull(row.LastDeviceReset),
		Platform:                 row.Platform.String,
		AppVersion:               row.AppVersion.String,
		PaymentSessionID:         row.PaymentSessionID.String,
		PaymentCustomerID:        row.PaymentCustomerID.String,
		PaymentSubscriptionID:    row.PaymentSubscriptionID.String,
		SubscriptionStartedAt:    timeFromNull(row.SubscriptionStartedAt),
		SubscriptionState:        SubscriptionState(row.SubscriptionState.String),
		SubscriptionEventAt:      timeFromNull(row.SubscriptionEventAt),
		DeactivatedAt:            timeFromNull(row.DeactivatedAt),
		ReminderDay3Sent:         row.ReminderDay3Sent != 0,
		ReminderDay3SentAt:       timeFromNull(row.ReminderDay3SentAt),
		ReminderPostExpirySent:   row.ReminderPostExpirySent != 0,
		ReminderPostExpirySentAt: timeFromNull(row.ReminderPostExpirySentAt),
		UpdateNudgeSentAt:        timeFromNull(row.UpdateNudgeSentAt),
		CreatedAt:                time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt:                time.Unix(row.UpdatedAt, 0).UTC(),
	}
	if row.Preferences.Valid && row.Preferences.String != "" {
		l.Preferences = json.RawMessage(row.Preferences.String)
	}
	return l
}

// classifyUniqueViolation maps a unique-index failure from either driver onto
// the matching sentinel, or returns nil for any other error.
func classifyUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != "23505" {
			return nil
		}
		switch pgErr.ConstraintName {
		case "idx_licenses_key":
			return ErrKeyTaken
		case "idx_licenses_email":
			return ErrEmailTaken
		case "idx_licenses_payment_session":
			return ErrSessionTaken
		}
		return nil
	}

	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil
	}
	switch {
	case strings.Contains(msg, "licenses.license_key"):
		return ErrKeyTaken
	case strings.Contains(msg, "licenses.email"):
		return ErrEmailTaken
	case strings.Contains(msg, "licenses.payment_session_id"):
		return ErrSessionTaken
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
