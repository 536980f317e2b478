package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadloader/internal/db"
	"github.com/sells-group/leadloader/internal/lead"
	"github.com/sells-group/leadloader/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	retry   resilience.RetryConfig
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// phoneQueueStartStep is the processing step new phonequeue entries begin at.
const phoneQueueStartStep = 11

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, retry resilience.RetryConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, retry: retry, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool, retry resilience.RetryConfig) *PostgresStore {
	return &PostgresStore{pool: pool, retry: retry}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS emoji (
	id         BIGSERIAL PRIMARY KEY,
	e          TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id              BIGSERIAL PRIMARY KEY,
	"campaignName"  TEXT NOT NULL,
	vertical        INTEGER NOT NULL DEFAULT 1,
	"textingActive" BOOLEAN NOT NULL DEFAULT false,
	flag            BIGINT NOT NULL,
	emoji           TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS address (
	id               BIGSERIAL PRIMARY KEY,
	street           TEXT NOT NULL DEFAULT '',
	unit_type        TEXT NOT NULL DEFAULT '',
	unit_num         TEXT NOT NULL DEFAULT '',
	mail_city        TEXT NOT NULL DEFAULT '',
	zip              TEXT NOT NULL DEFAULT '',
	latitude         TEXT NOT NULL DEFAULT '',
	longitude        TEXT NOT NULL DEFAULT '',
	fullname         TEXT NOT NULL DEFAULT '',
	fname            TEXT NOT NULL DEFAULT '',
	lname            TEXT NOT NULL DEFAULT '',
	"mailingAddress" TEXT NOT NULL DEFAULT '',
	"mailingCity"    TEXT NOT NULL DEFAULT '',
	"mailingState"   TEXT NOT NULL DEFAULT '',
	"mailingZip"     TEXT NOT NULL DEFAULT '',
	flag             BIGINT NOT NULL DEFAULT 0,
	"DMID"           TEXT NOT NULL UNIQUE,
	via              BIGINT NOT NULL DEFAULT 0,
	map_image_url    TEXT NOT NULL DEFAULT '0',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS phonequeue (
	id         BIGSERIAL PRIMARY KEY,
	aid        BIGINT NOT NULL REFERENCES address(id) ON DELETE CASCADE,
	phone1     TEXT,
	phone2     TEXT,
	phone3     TEXT,
	step       INTEGER NOT NULL DEFAULT 11,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_campaigns_key ON campaigns("campaignName", vertical, flag);
CREATE INDEX IF NOT EXISTS idx_phonequeue_aid ON phonequeue(aid);
CREATE INDEX IF NOT EXISTS idx_phonequeue_phone1 ON phonequeue(phone1);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) PhoneExists(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM phonequeue WHERE phone1 = $1 OR phone2 = $1 OR phone3 = $1)`,
		phone,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: phone exists")
	}
	return exists, nil
}

func (s *PostgresStore) AddressExists(ctx context.Context, dmid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM address WHERE "DMID" = $1)`,
		dmid,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: address exists")
	}
	return exists, nil
}

func (s *PostgresStore) LookupOrCreateCampaign(ctx context.Context, meta lead.CampaignMeta) (*Campaign, error) {
	retry := s.retry
	retry.OnRetry = resilience.RetryLogger("lookup_or_create_campaign")
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Campaign, error) {
		return s.lookupOrCreateCampaignTx(ctx, meta)
	})
}

func (s *PostgresStore) lookupOrCreateCampaignTx(ctx context.Context, meta lead.CampaignMeta) (*Campaign, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin campaign tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialize concurrent creation of the same key through the database
	// itself. The schema carries no unique constraint on the tuple, so a
	// transaction-scoped advisory lock guards the lookup-then-insert window.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, campaignLockKey(meta)); err != nil {
		return nil, eris.Wrap(err, "postgres: campaign advisory lock")
	}

	c, err := findCampaign(ctx, tx, meta)
	if err != nil {
		return nil, err
	}
	if c != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "postgres: commit campaign lookup")
		}
		return c, nil
	}

	flag := int64(0)
	if meta.Flag != nil {
		flag = *meta.Flag
	} else {
		// Unassigned flag: allocate the next one, as the legacy importer did.
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(flag), 0) + 1 FROM campaigns`).Scan(&flag); err != nil {
			return nil, eris.Wrap(err, "postgres: next campaign flag")
		}
	}

	emoji, err := resolveEmoji(ctx, tx, meta.Emoji)
	if err != nil {
		return nil, err
	}

	c = &Campaign{
		Name:          meta.Name,
		Vertical:      meta.Vertical,
		TextingActive: meta.TextingActive,
		Flag:          flag,
		Emoji:         emoji,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO campaigns ("campaignName", vertical, "textingActive", flag, emoji)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		c.Name, c.Vertical, c.TextingActive, c.Flag, c.Emoji,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert campaign %s", c.Name)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit campaign insert")
	}
	return c, nil
}

func findCampaign(ctx context.Context, tx pgx.Tx, meta lead.CampaignMeta) (*Campaign, error) {
	query := `SELECT id, "campaignName", vertical, "textingActive", flag, COALESCE(emoji, ''), created_at
	          FROM campaigns WHERE "campaignName" = $1 AND vertical = $2`
	args := []any{meta.Name, meta.Vertical}
	if meta.Flag != nil {
		query += ` AND flag = $3`
		args = append(args, *meta.Flag)
	}
	query += ` ORDER BY id LIMIT 1`

	var c Campaign
	err := tx.QueryRow(ctx, query, args...).
		Scan(&c.ID, &c.Name, &c.Vertical, &c.TextingActive, &c.Flag, &c.Emoji, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find campaign %s", meta.Name)
	}
	return &c, nil
}

// resolveEmoji returns the emoji to attach to a new campaign: the supplied
// token (registered in the emoji table if new), or a random existing one.
func resolveEmoji(ctx context.Context, tx pgx.Tx, token string) (string, error) {
	if token != "" {
		_, err := tx.Exec(ctx,
			`INSERT INTO emoji (e) SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM emoji WHERE e = $1)`,
			token,
		)
		if err != nil {
			return "", eris.Wrap(err, "postgres: register emoji")
		}
		return token, nil
	}

	var e string
	err := tx.QueryRow(ctx, `SELECT e FROM emoji ORDER BY random() LIMIT 1`).Scan(&e)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: random emoji")
	}
	return e, nil
}

// campaignLockKey hashes the campaign identity to an advisory lock key.
func campaignLockKey(meta lead.CampaignMeta) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d", meta.Name, meta.Vertical)
	if meta.Flag != nil {
		fmt.Fprintf(h, "|%d", *meta.Flag)
	}
	return int64(h.Sum64())
}

var addressColumns = []string{
	"street", "unit_type", "unit_num", "mail_city", "zip",
	"latitude", "longitude", "fullname", "fname", "lname",
	`"mailingAddress"`, `"mailingCity"`, `"mailingState"`, `"mailingZip"`,
	"flag", `"DMID"`, "via", "map_image_url",
}

var phoneQueueColumns = []string{"aid", "phone1", "phone2", "phone3", "step"}

func (s *PostgresStore) InsertLeadBatch(ctx context.Context, leads []*lead.ParsedLead) (*BatchResult, error) {
	if len(leads) == 0 {
		return &BatchResult{}, nil
	}

	retry := s.retry
	retry.OnRetry = resilience.RetryLogger("insert_lead_batch")
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*BatchResult, error) {
		return s.insertLeadBatchTx(ctx, leads)
	})
}

func (s *PostgresStore) insertLeadBatchTx(ctx context.Context, leads []*lead.ParsedLead) (*BatchResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin batch tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// ON CONFLICT DO NOTHING excludes rows that lose the DMID uniqueness
	// race while the rest of the batch commits; RETURNING tells us which
	// addresses actually landed.
	rows, err := tx.Query(ctx, addressInsertSQL(len(leads)), addressInsertArgs(leads)...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert address batch")
	}

	idByDMID := make(map[string]int64, len(leads))
	for rows.Next() {
		var id int64
		var dmid string
		if err := rows.Scan(&id, &dmid); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan inserted address")
		}
		idByDMID[dmid] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate inserted addresses")
	}

	// One phonequeue entry per committed address, linked by the generated
	// id. Within the same transaction: no address without its phone entry.
	var phoneRows [][]any
	var skipped []string
	for _, l := range leads {
		aid, ok := idByDMID[l.DMID]
		if !ok {
			skipped = append(skipped, l.DMID)
			continue
		}
		phoneRows = append(phoneRows, []any{
			aid, nullIfEmpty(l.Phone1), nullIfEmpty(l.Phone2), nullIfEmpty(l.Phone3), phoneQueueStartStep,
		})
	}

	if _, err := db.CopyFrom(ctx, tx, "phonequeue", phoneQueueColumns, phoneRows); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit batch tx")
	}

	return &BatchResult{Inserted: len(idByDMID), SkippedDMIDs: skipped}, nil
}

func addressInsertSQL(n int) string {
	var b strings.Builder
	b.WriteString(`INSERT INTO address (`)
	b.WriteString(strings.Join(addressColumns, ", "))
	b.WriteString(`) VALUES `)

	cols := len(addressColumns)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+j+1)
		}
		b.WriteString(")")
	}

	b.WriteString(` ON CONFLICT ("DMID") DO NOTHING RETURNING id, "DMID"`)
	return b.String()
}

func addressInsertArgs(leads []*lead.ParsedLead) []any {
	args := make([]any, 0, len(leads)*len(addressColumns))
	for _, l := range leads {
		args = append(args,
			l.Street, l.UnitType, l.UnitNum, l.MailCity, l.Zip,
			l.Latitude, l.Longitude, l.FullName, l.FirstName, l.LastName,
			l.MailingAddress, l.MailingCity, l.MailingState, l.MailingZip,
			l.Flag, l.DMID, l.Via, l.MapImageURL,
		)
	}
	return args
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
