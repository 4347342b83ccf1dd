package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"time"

	"peepal-go/internal/models"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

const subscriberColumns = `endpoint, subscription, frequency_minutes, language, next_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &PostgresStore{db: db}, nil
}

// RunMigrations creates the subscriber table if it doesn't exist.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner, extra ...any) (models.Subscriber, error) {
	var (
		rec      models.Subscriber
		endpoint string
		raw      []byte
		lang     string
	)
	dest := append([]any{&endpoint, &raw, &rec.FrequencyMinutes, &lang, &rec.NextAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Subscriber{}, err
	}
	if err := json.Unmarshal(raw, &rec.Subscription); err != nil {
		return models.Subscriber{}, errors.Wrapf(err, "decode subscription for %s", endpoint)
	}
	rec.Subscription.Endpoint = endpoint
	rec.Language = models.NormalizeLanguage(lang)
	return rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	return upsertSubscriber(ctx, s.db, sub, now)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertSubscriber(ctx context.Context, q queryer, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "encode subscription")
	}
	def := models.NewSubscriber(sub, now)

	var inserted bool
	rec, err := scanSubscriber(q.QueryRowContext(ctx,
		`INSERT INTO push_subscribers (endpoint, subscription, frequency_minutes, language, next_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint) DO UPDATE SET subscription = EXCLUDED.subscription, updated_at = NOW()
		 RETURNING `+subscriberColumns+`, (xmax = 0) AS inserted`,
		sub.Endpoint, string(data), def.FrequencyMinutes, string(def.Language), def.NextAt,
	), &inserted)
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "upsert subscriber")
	}
	return rec, inserted, nil
}

func (s *PostgresStore) SetPreferences(ctx context.Context, endpoint string, frequencyMinutes int, language models.Language, now time.Time) (models.Subscriber, error) {
	var want models.Subscriber
	applyPreferences(&want, frequencyMinutes, language, now)

	rec, err := scanSubscriber(s.db.QueryRowContext(ctx,
		`UPDATE push_subscribers
		 SET frequency_minutes = $2, language = $3, next_at = $4, updated_at = NOW()
		 WHERE endpoint = $1
		 RETURNING `+subscriberColumns,
		endpoint, want.FrequencyMinutes, string(want.Language), want.NextAt,
	))
	if err == sql.ErrNoRows {
		return models.Subscriber{}, ErrNotFound
	}
	if err != nil {
		return models.Subscriber{}, errors.Wrap(err, "set preferences")
	}
	return rec, nil
}

func (s *PostgresStore) Rotate(ctx context.Context, oldEndpoint string, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	if oldEndpoint == "" {
		rec, _, err := s.Upsert(ctx, sub, now)
		return rec, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "begin rotate")
	}
	defer tx.Rollback()

	old, err := scanSubscriber(tx.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM push_subscribers WHERE endpoint = $1 FOR UPDATE`,
		oldEndpoint,
	))
	if err == sql.ErrNoRows {
		rec, _, err := upsertSubscriber(ctx, tx, sub, now)
		if err != nil {
			return models.Subscriber{}, false, err
		}
		return rec, false, errors.Wrap(tx.Commit(), "commit rotate")
	}
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "load old subscriber")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM push_subscribers WHERE endpoint = $1`, oldEndpoint); err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "delete old subscriber")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "encode subscription")
	}
	rec, err := scanSubscriber(tx.QueryRowContext(ctx,
		`INSERT INTO push_subscribers (endpoint, subscription, frequency_minutes, language, next_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint) DO UPDATE SET
		   subscription = EXCLUDED.subscription,
		   frequency_minutes = EXCLUDED.frequency_minutes,
		   language = EXCLUDED.language,
		   next_at = EXCLUDED.next_at,
		   updated_at = NOW()
		 RETURNING `+subscriberColumns,
		sub.Endpoint, string(data), old.FrequencyMinutes, string(old.Language), old.NextAt,
	))
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "insert rotated subscriber")
	}
	if err := tx.Commit(); err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "commit rotate")
	}
	return rec, true, nil
}

func (s *PostgresStore) Remove(ctx context.Context, endpoint string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM push_subscribers WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, errors.Wrap(err, "remove subscriber")
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, endpoint string) (models.Subscriber, error) {
	rec, err := scanSubscriber(s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM push_subscribers WHERE endpoint = $1`,
		endpoint,
	))
	if err == sql.ErrNoRows {
		return models.Subscriber{}, ErrNotFound
	}
	if err != nil {
		return models.Subscriber{}, errors.Wrap(err, "get subscriber")
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.Subscriber, error) {
	return s.query(ctx,
		`SELECT `+subscriberColumns+` FROM push_subscribers ORDER BY next_at, endpoint`)
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	return s.query(ctx,
		`SELECT `+subscriberColumns+` FROM push_subscribers WHERE next_at <= $1 ORDER BY next_at, endpoint`,
		now)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query subscribers")
	}
	defer rows.Close()

	list := []models.Subscriber{}
	for rows.Next() {
		rec, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, errors.Wrap(rows.Err(), "iterate subscribers")
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_subscribers`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count subscribers")
	}
	return n, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, endpoint string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE push_subscribers
		 SET next_at = $2::timestamptz + make_interval(mins => frequency_minutes), updated_at = NOW()
		 WHERE endpoint = $1`,
		endpoint, now,
	)
	if err != nil {
		return false, errors.Wrap(err, "mark delivered")
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
