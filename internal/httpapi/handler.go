package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"branchchat/backend/internal/auth"
	"branchchat/backend/internal/config"
	"branchchat/backend/internal/conversation"
	"branchchat/backend/internal/session"
	"branchchat/backend/internal/tree"

	"github.com/rs/zerolog"
)

type identityVerifier interface {
	Verify(ctx context.Context, idToken string) (auth.GoogleIdentity, error)
}

// requestObserver is satisfied by *metrics.Metrics.
type requestObserver interface {
	ObserveRequest(route, method string, status int, duration time.Duration)
	RateLimited()
}

type Handler struct {
	cfg           config.Config
	sessions      session.Store
	conversations conversation.Store
	tree          tree.Manager
	verifier      identityVerifier
	completer     completer
	limiter       *limiterPool
	observer      requestObserver
	log           zerolog.Logger
}

func NewHandler(
	cfg config.Config,
	db *sql.DB,
	manager tree.Manager,
	verifier identityVerifier,
	completer completer,
	observer requestObserver,
	logger zerolog.Logger,
) Handler {
	return Handler{
		cfg:           cfg,
		sessions:      session.NewStore(db),
		conversations: conversation.NewStore(db),
		tree:          manager,
		verifier:      verifier,
		completer:     completer,
		limiter:       newLimiterPool(cfg.MutationRatePerSecond, cfg.MutationBurst),
		observer:      observer,
		log:           logger,
	}
}

type contextKey string

const sessionUserContextKey contextKey = "session_user"

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authGoogleRequest struct {
	IDToken string `json:"idToken"`
}

func (h Handler) AuthGoogle(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthRequired {
		writeJSON(w, http.StatusOK, map[string]any{"user": anonymousUser()})
		return
	}

	var req authGoogleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	identity, err := h.identityFromRequest(r.Context(), r, req.IDToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_google_token", err.Error())
		return
	}
	if _, ok := h.cfg.AllowedGoogleEmails[strings.ToLower(identity.Email)]; !ok {
		writeError(w, http.StatusForbidden, "email_not_allowlisted", "email is not allowed")
		return
	}

	user, err := h.sessions.SignIn(r.Context(), session.Profile{
		GoogleSub: identity.GoogleSubject,
		Email:     identity.Email,
		Name:      identity.Name,
		AvatarURL: identity.AvatarURL,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("sign in failed")
		writeError(w, http.StatusInternalServerError, "db_error", "failed to upsert user")
		return
	}

	issued, err := h.sessions.Issue(r.Context(), user.ID, h.cfg.SessionTTL)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("issue session failed")
		writeError(w, http.StatusInternalServerError, "db_error", "failed to create session")
		return
	}

	h.setSessionCookie(w, issued.Token, issued.ExpiresAt)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
	if err == nil {
		if err := h.sessions.Revoke(r.Context(), rawToken); err != nil {
			h.log.Warn().Err(err).Msg("revoke session failed")
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RequireSession resolves the session cookie into a user. With auth disabled
// every request runs as the persisted anonymous user.
func (h Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.AuthRequired {
			user, err := h.sessions.EnsureUser(r.Context(), anonymousUser())
			if err != nil {
				h.log.Error().Err(err).Msg("persist anonymous user failed")
				writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve session")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionUserContextKey, user)))
			return
		}

		rawToken, err := readSessionCookie(r, h.cfg.SessionCookieName)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid session")
			return
		}

		user, err := h.sessions.Resolve(r.Context(), rawToken)
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "session expired or invalid")
			return
		}
		if err != nil {
			h.log.Error().Err(err).Msg("resolve session failed")
			writeError(w, http.StatusInternalServerError, "db_error", "failed to resolve session")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionUserContextKey, user)))
	})
}

func (h Handler) identityFromRequest(ctx context.Context, r *http.Request, idToken string) (auth.GoogleIdentity, error) {
	if !h.cfg.InsecureSkipGoogleVerify {
		return h.verifier.Verify(ctx, idToken)
	}

	email := strings.TrimSpace(r.Header.Get("X-Test-Email"))
	sub := strings.TrimSpace(r.Header.Get("X-Test-Google-Sub"))
	if email == "" || sub == "" {
		return auth.GoogleIdentity{}, errors.New("insecure auth mode requires X-Test-Email and X-Test-Google-Sub headers")
	}
	return auth.GoogleIdentity{GoogleSubject: sub, Email: strings.ToLower(email), Name: strings.TrimSpace(r.Header.Get("X-Test-Name"))}, nil
}

func (h Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (h Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func readSessionCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cookie.Value) == "" {
		return "", errors.New("empty session cookie")
	}
	return cookie.Value, nil
}

func sessionUserFromContext(ctx context.Context) (session.User, bool) {
	user, ok := ctx.Value(sessionUserContextKey).(session.User)
	return user, ok
}

// currentUser writes a 401 and returns false when no session user is set.
func currentUser(w http.ResponseWriter, r *http.Request) (session.User, bool) {
	user, ok := sessionUserFromContext(r.Context())
	if !ok || strings.TrimSpace(user.ID) == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return session.User{}, false
	}
	return user, true
}

func anonymousUser() session.User {
	return session.User{
		ID:        "anonymous-user",
		Email:     "anonymous@chat.local",
		Name:      "Anonymous",
		GoogleSub: "anonymous",
	}
}
