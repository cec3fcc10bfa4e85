package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"nostr-bridge/internal/store/migrations"
	"nostr-bridge/internal/types"
)

// Postgres implements Store on PostgreSQL through database/sql and pgx.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("db error: %w", err)
}

const userColumns = `id, username, display_name, about, avatar_url, lightning_address, nostr_sync_enabled`

func scanUser(row interface{ Scan(...any) error }) (types.User, error) {
	var u types.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.About, &u.AvatarURL, &u.LightningAddress, &u.SyncEnabled)
	return u, err
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (types.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return types.User{}, notFound(err)
	}
	return u, nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (types.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return types.User{}, notFound(err)
	}
	return u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, u types.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, about, avatar_url, lightning_address)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   username = EXCLUDED.username,
		   display_name = EXCLUDED.display_name,
		   about = EXCLUDED.about,
		   avatar_url = EXCLUDED.avatar_url,
		   lightning_address = EXCLUDED.lightning_address`,
		u.ID, u.Username, u.DisplayName, u.About, u.AvatarURL, u.LightningAddress)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) ListSyncedUsers(ctx context.Context) ([]types.User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE nostr_sync_enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) SetSyncEnabled(ctx context.Context, userID int64, enabled bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET nostr_sync_enabled = $2 WHERE id = $1`, userID, enabled)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetIdentity(ctx context.Context, userID int64) (types.Identity, error) {
	var id types.Identity
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, pubkey, encrypted_private_key, iv, key_version, created_at
		 FROM nostr_identities WHERE user_id = $1`, userID).
		Scan(&id.UserID, &id.PubKey, &id.EncryptedPrivateKey, &id.IV, &id.KeyVersion, &id.CreatedAt)
	if err != nil {
		return types.Identity{}, notFound(err)
	}
	return id, nil
}

func (p *Postgres) CreateIdentity(ctx context.Context, id types.Identity) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO nostr_identities (user_id, pubkey, encrypted_private_key, iv, key_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		id.UserID, id.PubKey, id.EncryptedPrivateKey, id.IV, id.KeyVersion, id.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *Postgres) ListFollows(ctx context.Context, userID int64) ([]types.Follow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id, target, target_user_id, relay_hint, created_at
		 FROM follows WHERE user_id = $1 ORDER BY created_at, follow_key`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []types.Follow
	for rows.Next() {
		var f types.Follow
		if err := rows.Scan(&f.UserID, &f.Target, &f.TargetUserID, &f.RelayHint, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) AddFollow(ctx context.Context, f types.Follow) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO follows (user_id, follow_key, target, target_user_id, relay_hint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, follow_key) DO UPDATE SET relay_hint = EXCLUDED.relay_hint`,
		f.UserID, f.Key(), f.Target, f.TargetUserID, f.RelayHint, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveFollow(ctx context.Context, userID int64, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM follows WHERE user_id = $1 AND follow_key = $2`, userID, key)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) RecordUnfollow(ctx context.Context, userID int64, pubkey string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO nostr_unfollows (user_id, pubkey, unfollowed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, pubkey) DO UPDATE
		   SET unfollowed_at = GREATEST(nostr_unfollows.unfollowed_at, EXCLUDED.unfollowed_at)`,
		userID, pubkey, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) ListUnfollows(ctx context.Context, userID int64) (map[string]time.Time, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT pubkey, unfollowed_at FROM nostr_unfollows WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var pk string
		var at time.Time
		if err := rows.Scan(&pk, &at); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out[pk] = at
	}
	return out, rows.Err()
}

const postColumns = `id, user_id, body, url, created_at, nostr_event_id, community_identifier, community_owner_pubkey, community_relay_hint`

func scanPost(row interface{ Scan(...any) error }) (types.Post, error) {
	var (
		post                  types.Post
		ident, owner, relayHt string
	)
	err := row.Scan(&post.ID, &post.UserID, &post.Body, &post.URL, &post.CreatedAt, &post.SyncedEventID,
		&ident, &owner, &relayHt)
	if err != nil {
		return types.Post{}, err
	}
	if ident != "" && owner != "" {
		post.Community = &types.Community{Identifier: ident, OwnerPubKey: owner, RelayHint: relayHt}
	}
	return post, nil
}

func (p *Postgres) GetPost(ctx context.Context, id int64) (types.Post, error) {
	post, err := scanPost(p.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return types.Post{}, notFound(err)
	}
	return post, nil
}

func (p *Postgres) UpsertPost(ctx context.Context, post types.Post) error {
	var ident, owner, hint string
	if c := post.Community; c != nil {
		ident, owner, hint = c.Identifier, c.OwnerPubKey, c.RelayHint
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, body, url, created_at,
		   community_identifier, community_owner_pubkey, community_relay_hint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   body = EXCLUDED.body,
		   url = EXCLUDED.url,
		   community_identifier = EXCLUDED.community_identifier,
		   community_owner_pubkey = EXCLUDED.community_owner_pubkey,
		   community_relay_hint = EXCLUDED.community_relay_hint`,
		post.ID, post.UserID, post.Body, post.URL, post.CreatedAt, ident, owner, hint)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) ListPosts(ctx context.Context, userID int64) ([]types.Post, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []types.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, post)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkPostSynced(ctx context.Context, postID int64, eventID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE posts SET nostr_event_id = $2 WHERE id = $1 AND nostr_event_id = ''`, postID, eventID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n > 0 {
		return nil
	}

	var existing string
	err = p.db.QueryRowContext(ctx, `SELECT nostr_event_id FROM posts WHERE id = $1`, postID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return ErrAlreadySynced
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
