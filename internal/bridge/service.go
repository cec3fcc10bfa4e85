// Package bridge turns application events (sync toggles, profile edits,
// new posts, follows) into signed events on the dispatch queue.
//
// Every operation reports a Status. StatusNotConfigured means the process
// has no master key, so nothing can be signed; StatusSkipped means the user
// has not enabled sync or there was nothing to publish. Relay distribution,
// contact-list sync and backfill run as background tasks and their failures
// only show up in logs.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-bridge/internal/backfill"
	"nostr-bridge/internal/builder"
	"nostr-bridge/internal/cache"
	"nostr-bridge/internal/contacts"
	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/vault"
)

// Status is the outcome reported for an application event.
type Status string

const (
	StatusOK            Status = "ok"
	StatusNotConfigured Status = "not_configured"
	StatusSkipped       Status = "skipped"
)

// Enqueuer hands signed events to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, events []types.Event) error
}

// Options configures a Service.
type Options struct {
	ClientName   string
	NIP05Domain  string
	Relays       []string
	FetchTimeout time.Duration
	Backfill     backfill.Options
}

// Service orchestrates the bridge components for one process.
type Service struct {
	store    store.Store
	vault    *vault.Vault
	builder  *builder.Builder
	queue    Enqueuer
	contacts *contacts.Synchronizer
	backfill *backfill.Pipeline
	tasks    *Tasks
	// backfills joins concurrent backfill runs for the same user.
	backfills singleflight.Group

	nip05Domain string
	relays      []string
	now         func() time.Time
}

// New wires a service. v may be nil when no master key is configured.
// Background tasks run under ctx.
func New(ctx context.Context, st store.Store, v *vault.Vault, q Enqueuer, f contacts.Fetcher, snapshots *cache.ContactSnapshots, opts Options) *Service {
	b := builder.New(v, opts.ClientName)
	return &Service{
		store:       st,
		vault:       v,
		builder:     b,
		queue:       q,
		contacts:    contacts.NewSynchronizer(st, b, f, q, snapshots, opts.FetchTimeout),
		backfill:    backfill.NewPipeline(st, b, q, opts.Backfill),
		tasks:       NewTasks(ctx),
		nip05Domain: strings.ToLower(opts.NIP05Domain),
		relays:      append([]string(nil), opts.Relays...),
		now:         time.Now,
	}
}

// Configured reports whether a master key is available.
func (s *Service) Configured() bool {
	return s.vault != nil
}

// Wait blocks until running background tasks finish.
func (s *Service) Wait() {
	s.tasks.Wait()
}

// Shutdown waits for background tasks, cancelling them after timeout.
func (s *Service) Shutdown(timeout time.Duration) {
	s.tasks.Shutdown(timeout)
}

// EnableSync records the user, creates their identity if needed and turns
// sync on. Identity failures are returned; the profile, contact list and
// backfill are published in the background.
func (s *Service) EnableSync(ctx context.Context, user types.User) (Status, types.Identity, error) {
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return "", types.Identity{}, fmt.Errorf("save user: %w", err)
	}
	if !s.Configured() {
		return StatusNotConfigured, types.Identity{}, nil
	}

	identity, err := s.ensureIdentity(ctx, user.ID)
	if err != nil {
		return "", types.Identity{}, err
	}
	if err := s.store.SetSyncEnabled(ctx, user.ID, true); err != nil {
		return "", types.Identity{}, fmt.Errorf("enable sync: %w", err)
	}

	userID := user.ID
	s.tasks.Go(fmt.Sprintf("enable-sync:%d", userID), func(ctx context.Context) error {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.publishProfile(ctx, u, identity); err != nil {
			slog.Error("initial profile publish failed", "user_id", userID, "error", err)
		}
		if _, err := s.contacts.Sync(ctx, userID); err != nil {
			slog.Error("initial contact sync failed", "user_id", userID, "error", err)
		}
		return s.runBackfill(ctx, identity)
	})

	slog.Info("sync enabled", "user_id", userID, "pubkey", nostr.ShortID(identity.PubKey))
	return StatusOK, identity, nil
}

// DisableSync turns sync off. Already published events stay on relays.
func (s *Service) DisableSync(ctx context.Context, userID int64) (Status, error) {
	if err := s.store.SetSyncEnabled(ctx, userID, false); err != nil {
		return "", err
	}
	slog.Info("sync disabled", "user_id", userID)
	return StatusOK, nil
}

func (s *Service) ensureIdentity(ctx context.Context, userID int64) (types.Identity, error) {
	identity, err := s.store.GetIdentity(ctx, userID)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.Identity{}, fmt.Errorf("load identity: %w", err)
	}

	identity, err = s.vault.GenerateKeypair(userID)
	if err != nil {
		return types.Identity{}, err
	}
	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with a concurrent enable; use the stored one.
			return s.store.GetIdentity(ctx, userID)
		}
		return types.Identity{}, fmt.Errorf("save identity: %w", err)
	}
	slog.Info("identity created", "user_id", userID, "pubkey", nostr.ShortID(identity.PubKey))
	return identity, nil
}

// syncedIdentity returns the identity of a sync-enabled user. The status is
// non-empty when the caller should stop.
func (s *Service) syncedIdentity(ctx context.Context, userID int64) (types.User, types.Identity, Status, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return types.User{}, types.Identity{}, "", err
	}
	if !user.SyncEnabled {
		return user, types.Identity{}, StatusSkipped, nil
	}
	if !s.Configured() {
		return user, types.Identity{}, StatusNotConfigured, nil
	}
	identity, err := s.store.GetIdentity(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return user, types.Identity{}, StatusSkipped, nil
	}
	if err != nil {
		return user, types.Identity{}, "", fmt.Errorf("load identity: %w", err)
	}
	return user, identity, "", nil
}

// UpdateProfile records the user's profile fields and publishes kind 0.
func (s *Service) UpdateProfile(ctx context.Context, user types.User) (Status, error) {
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return "", fmt.Errorf("save user: %w", err)
	}
	stored, identity, status, err := s.syncedIdentity(ctx, user.ID)
	if err != nil || status != "" {
		return status, err
	}
	if err := s.publishProfile(ctx, stored, identity); err != nil {
		return "", err
	}
	return StatusOK, nil
}

// ProfileMetadata returns the kind 0 content for a user.
func (s *Service) ProfileMetadata(user types.User) types.ProfileMetadata {
	meta := types.ProfileMetadata{
		Name:    user.DisplayName,
		About:   user.About,
		Picture: user.AvatarURL,
		Lud16:   user.LightningAddress,
		Relays:  s.relays,
	}
	if meta.Name == "" {
		meta.Name = user.Username
	}
	if s.nip05Domain != "" && user.Username != "" {
		meta.Nip05 = strings.ToLower(user.Username) + "@" + s.nip05Domain
	}
	return meta
}

func (s *Service) publishProfile(ctx context.Context, user types.User, identity types.Identity) error {
	evt, err := s.builder.Profile(identity, s.ProfileMetadata(user))
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, []types.Event{evt}); err != nil {
		return fmt.Errorf("enqueue profile: %w", err)
	}
	slog.Info("profile published", "user_id", user.ID, "event_id", nostr.ShortID(evt.ID))
	return nil
}

// PublishPost records the post and publishes it as a kind 1 note unless it
// was published before.
func (s *Service) PublishPost(ctx context.Context, post types.Post) (Status, error) {
	if err := s.store.UpsertPost(ctx, post); err != nil {
		return "", fmt.Errorf("save post: %w", err)
	}
	_, identity, status, err := s.syncedIdentity(ctx, post.UserID)
	if err != nil || status != "" {
		return status, err
	}

	stored, err := s.store.GetPost(ctx, post.ID)
	if err != nil {
		return "", fmt.Errorf("load post: %w", err)
	}
	evt, published, err := s.backfill.SyncItem(ctx, identity, stored)
	if err != nil {
		return "", err
	}
	if !published {
		return StatusSkipped, nil
	}
	slog.Info("post published", "user_id", post.UserID, "post_id", post.ID, "event_id", nostr.ShortID(evt.ID))
	return StatusOK, nil
}

// FollowRequest names a follow target: either a raw target (hex pubkey,
// npub or ActivityPub handle) or a local user id.
type FollowRequest struct {
	Target       string
	TargetUserID int64
	RelayHint    string
}

func (r FollowRequest) follow(userID int64) (types.Follow, error) {
	f := types.Follow{UserID: userID, TargetUserID: r.TargetUserID, RelayHint: r.RelayHint}
	if r.Target == "" {
		if r.TargetUserID == 0 {
			return f, fmt.Errorf("%w: empty", contacts.ErrInvalidTarget)
		}
		return f, nil
	}
	target, err := contacts.ParseFollowTarget(r.Target)
	if err != nil {
		return f, err
	}
	f.Target = target.String()
	f.TargetUserID = 0
	return f, nil
}

// Follow records a follow and republishes the contact list.
func (s *Service) Follow(ctx context.Context, userID int64, req FollowRequest) (Status, error) {
	f, err := req.follow(userID)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return "", err
	}
	f.CreatedAt = s.now()
	if err := s.store.AddFollow(ctx, f); err != nil {
		return "", fmt.Errorf("save follow: %w", err)
	}
	return s.scheduleContactSync(ctx, userID)
}

// Unfollow removes a follow and republishes the contact list. The unfollow
// time is kept so the entry is not restored from an older relay snapshot.
func (s *Service) Unfollow(ctx context.Context, userID int64, req FollowRequest) (Status, error) {
	f, err := req.follow(userID)
	if err != nil {
		return "", err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return "", err
	}
	if err := s.store.RemoveFollow(ctx, userID, f.Key()); err != nil {
		return "", fmt.Errorf("remove follow: %w", err)
	}

	pubkey, ok, err := s.contacts.ResolvePubkey(ctx, f)
	if err != nil {
		return "", err
	}
	if ok {
		if err := s.store.RecordUnfollow(ctx, userID, pubkey, s.now()); err != nil {
			return "", fmt.Errorf("record unfollow: %w", err)
		}
	}
	return s.scheduleContactSync(ctx, userID)
}

func (s *Service) scheduleContactSync(ctx context.Context, userID int64) (Status, error) {
	_, _, status, err := s.syncedIdentity(ctx, userID)
	if err != nil || status != "" {
		return status, err
	}
	s.tasks.Go(fmt.Sprintf("contact-sync:%d", userID), func(ctx context.Context) error {
		_, err := s.contacts.Sync(ctx, userID)
		return err
	})
	return StatusOK, nil
}

// Backfill publishes the user's unsynced posts in the background.
func (s *Service) Backfill(ctx context.Context, userID int64) (Status, error) {
	_, identity, status, err := s.syncedIdentity(ctx, userID)
	if err != nil || status != "" {
		return status, err
	}
	s.tasks.Go(fmt.Sprintf("backfill:%d", userID), func(ctx context.Context) error {
		return s.runBackfill(ctx, identity)
	})
	return StatusOK, nil
}

func (s *Service) runBackfill(ctx context.Context, identity types.Identity) error {
	_, err, shared := s.backfills.Do(strconv.FormatInt(identity.UserID, 10), func() (interface{}, error) {
		posts, err := s.store.ListPosts(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		return s.backfill.Backfill(ctx, identity, posts)
	})
	if shared {
		slog.Debug("singleflight: joined running backfill", "user_id", identity.UserID)
	}
	return err
}

// Sweep backfills every sync-enabled user in turn. A failure for one user
// does not stop the others.
func (s *Service) Sweep(ctx context.Context) {
	if !s.Configured() {
		return
	}
	users, err := s.store.ListSyncedUsers(ctx)
	if err != nil {
		slog.Error("backfill sweep: list users failed", "error", err)
		return
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		identity, err := s.store.GetIdentity(ctx, u.ID)
		if err != nil {
			slog.Warn("backfill sweep: no identity", "user_id", u.ID, "error", err)
			continue
		}
		if err := s.runBackfill(ctx, identity); err != nil {
			slog.Error("backfill sweep failed", "user_id", u.ID, "error", err)
		}
	}
	slog.Info("backfill sweep finished", "users", len(users))
}

// NIP05 resolves a local name to the pubkey of a sync-enabled user.
func (s *Service) NIP05(ctx context.Context, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "_" {
		return "", false, nil
	}
	user, err := s.store.GetUserByUsername(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !user.SyncEnabled {
		return "", false, nil
	}
	identity, err := s.store.GetIdentity(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return identity.PubKey, true, nil
}
