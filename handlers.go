package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"nostr-bridge/internal/bridge"
	"nostr-bridge/internal/cache"
	"nostr-bridge/internal/contacts"
	"nostr-bridge/internal/dispatch"
	"nostr-bridge/internal/nips"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/types"
	"nostr-bridge/internal/util"
	"nostr-bridge/internal/vault"
)

// Request body size limits
const (
	maxBodySize      = 32 * 1024
	maxBroadcastBody = 1 << 20
)

// Broadcaster is implemented by *broadcast.Broadcaster.
type Broadcaster interface {
	Broadcast(ctx context.Context, events []types.Event) ([]types.BroadcastResult, error)
}

// RelayStatus is implemented by *relaypool.Pool.
type RelayStatus interface {
	Status() map[string]types.RelayState
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	authToken   string
	broadcaster Broadcaster
	relays      RelayStatus
	service     *bridge.Service
	relayURLs   []string
	nip05TTL    time.Duration
}

// NewServer returns the HTTP surface. service may be nil, in which case the
// application-event routes are not registered.
func NewServer(authToken string, b Broadcaster, relays RelayStatus, service *bridge.Service, relayURLs []string) *Server {
	return &Server{
		authToken:   authToken,
		broadcaster: b,
		relays:      relays,
		service:     service,
		relayURLs:   relayURLs,
		nip05TTL:    cache.DefaultConfig().NIP05TTL,
	}
}

// Routes builds the request multiplexer wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /broadcast", limitBody(s.requireAuth(s.handleBroadcast), maxBroadcastBody))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.service != nil {
		nip05 := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet},
		})
		mux.Handle("/.well-known/nostr.json", nip05.Handler(http.HandlerFunc(s.handleNIP05)))

		mux.HandleFunc("POST /users/{id}/sync", limitBody(s.requireAuth(s.handleEnableSync), maxBodySize))
		mux.HandleFunc("DELETE /users/{id}/sync", s.requireAuth(s.handleDisableSync))
		mux.HandleFunc("PUT /users/{id}/profile", limitBody(s.requireAuth(s.handleUpdateProfile), maxBodySize))
		mux.HandleFunc("POST /users/{id}/follows", limitBody(s.requireAuth(s.handleFollow), maxBodySize))
		mux.HandleFunc("DELETE /users/{id}/follows", limitBody(s.requireAuth(s.handleUnfollow), maxBodySize))
		mux.HandleFunc("POST /users/{id}/backfill", s.requireAuth(s.handleBackfill))
		mux.HandleFunc("POST /posts/{id}/publish", limitBody(s.requireAuth(s.handlePublishPost), maxBodySize))
	}

	return RequestLoggingMiddleware(mux)
}

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// requireAuth rejects requests without the configured bearer token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.authToken)) != 1 {
			util.RespondUnauthorized(w, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

type broadcastRequest struct {
	Events json.RawMessage `json:"events"`
}

type broadcastResponse struct {
	Results []types.BroadcastResult `json:"results"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return
	}

	var raw []json.RawMessage
	if len(req.Events) == 0 || json.Unmarshal(req.Events, &raw) != nil || raw == nil {
		util.RespondBadRequest(w, "events must be an array")
		return
	}
	if len(raw) == 0 {
		util.RespondBadRequest(w, "events must not be empty")
		return
	}

	events := make([]types.Event, len(raw))
	for i, item := range raw {
		if err := json.Unmarshal(item, &events[i]); err != nil {
			util.RespondBadRequest(w, "event "+strconv.Itoa(i)+": malformed")
			return
		}
	}

	results, err := s.broadcaster.Broadcast(r.Context(), events)
	if err != nil {
		util.RespondBadRequest(w, err.Error())
		return
	}
	util.WriteJSON(w, http.StatusOK, broadcastResponse{Results: results})
}

type healthResponse struct {
	Status         string            `json:"status"`
	Relays         map[string]string `json:"relays"`
	ConnectedCount int               `json:"connectedCount"`
	TotalCount     int               `json:"totalCount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.relays.Status()
	resp := healthResponse{
		Status:     "ok",
		Relays:     make(map[string]string, len(status)),
		TotalCount: len(status),
	}
	for url, st := range status {
		if st == types.RelayConnected {
			resp.Relays[url] = string(types.RelayConnected)
			resp.ConnectedCount++
		} else {
			resp.Relays[url] = string(types.RelayDisconnected)
		}
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

type nip05Response struct {
	Names  map[string]string   `json:"names"`
	Relays map[string][]string `json:"relays,omitempty"`
}

func (s *Server) handleNIP05(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.ToLower(r.URL.Query().Get("name"))
	resp := nip05Response{Names: map[string]string{}}

	pubkey, ok, err := s.service.NIP05(r.Context(), name)
	if err != nil {
		LoggerFromContext(r.Context()).Error("nip05 lookup failed", "name", name, "error", err)
		util.RespondInternalError(w, "lookup failed")
		return
	}
	if ok {
		resp.Names[name] = pubkey
		if len(s.relayURLs) > 0 {
			resp.Relays = map[string][]string{pubkey: s.relayURLs}
		}
	}
	w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(s.nip05TTL.Seconds())))
	util.WriteJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Application events
// =============================================================================

type statusResponse struct {
	Status bridge.Status `json:"status"`
	PubKey string        `json:"pubkey,omitempty"`
	Npub   string        `json:"npub,omitempty"`
}

type userPayload struct {
	Username         string `json:"username"`
	DisplayName      string `json:"displayName"`
	About            string `json:"about"`
	AvatarURL        string `json:"avatarUrl"`
	LightningAddress string `json:"lightningAddress"`
}

func (p userPayload) user(id int64) types.User {
	return types.User{
		ID:               id,
		Username:         p.Username,
		DisplayName:      p.DisplayName,
		About:            p.About,
		AvatarURL:        p.AvatarURL,
		LightningAddress: p.LightningAddress,
	}
}

type followPayload struct {
	Target       string `json:"target"`
	TargetUserID int64  `json:"targetUserId"`
	RelayHint    string `json:"relayHint"`
}

type communityPayload struct {
	Identifier  string `json:"identifier"`
	OwnerPubKey string `json:"ownerPubkey"`
	RelayHint   string `json:"relayHint"`
}

type postPayload struct {
	UserID    int64             `json:"userId"`
	Body      string            `json:"body"`
	URL       string            `json:"url"`
	CreatedAt time.Time         `json:"createdAt"`
	Community *communityPayload `json:"community"`
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		util.RespondBadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func accepted(w http.ResponseWriter, resp statusResponse) {
	util.WriteJSON(w, http.StatusAccepted, resp)
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var vaultErr *vault.VaultError
	switch {
	case errors.Is(err, store.ErrNotFound):
		util.RespondNotFound(w, "not found")
	case errors.Is(err, contacts.ErrInvalidTarget):
		util.RespondBadRequest(w, err.Error())
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrQueueClosed):
		util.RespondServiceUnavailable(w, "dispatch queue unavailable")
	case errors.As(err, &vaultErr):
		LoggerFromContext(r.Context()).Error("identity error", "op", vaultErr.Op, "error", err)
		util.RespondInternalError(w, "identity error")
	default:
		LoggerFromContext(r.Context()).Error("application event failed", "path", r.URL.Path, "error", err)
		util.RespondInternalError(w, "internal error")
	}
}

func (s *Server) handleEnableSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p userPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if strings.TrimSpace(p.Username) == "" {
		util.RespondBadRequest(w, "username is required")
		return
	}

	status, identity, err := s.service.EnableSync(r.Context(), p.user(id))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	resp := statusResponse{Status: status, PubKey: identity.PubKey}
	if identity.PubKey != "" {
		resp.Npub, _ = nips.EncodePubkey(identity.PubKey)
	}
	accepted(w, resp)
}

func (s *Server) handleDisableSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := s.service.DisableSync(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	accepted(w, statusResponse{Status: status})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p userPayload
	if !decodeBody(w, r, &p) {
		return
	}
	status, err := s.service.UpdateProfile(r.Context(), p.user(id))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	accepted(w, statusResponse{Status: status})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	s.handleFollowChange(w, r, s.service.Follow)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	s.handleFollowChange(w, r, s.service.Unfollow)
}

func (s *Server) handleFollowChange(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, bridge.FollowRequest) (bridge.Status, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p followPayload
	if !decodeBody(w, r, &p) {
		return
	}
	status, err := op(r.Context(), id, bridge.FollowRequest{
		Target:       p.Target,
		TargetUserID: p.TargetUserID,
		RelayHint:    p.RelayHint,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	accepted(w, statusResponse{Status: status})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := s.service.Backfill(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	accepted(w, statusResponse{Status: status})
}

func (s *Server) handlePublishPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p postPayload
	if !decodeBody(w, r, &p) {
		return
	}
	if p.UserID <= 0 {
		util.RespondBadRequest(w, "userId is required")
		return
	}

	post := types.Post{ID: id, UserID: p.UserID, Body: p.Body, URL: p.URL, CreatedAt: p.CreatedAt}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	if p.Community != nil {
		post.Community = &types.Community{
			Identifier:  p.Community.Identifier,
			OwnerPubKey: p.Community.OwnerPubKey,
			RelayHint:   p.Community.RelayHint,
		}
	}

	status, err := s.service.PublishPost(r.Context(), post)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	accepted(w, statusResponse{Status: status})
}
