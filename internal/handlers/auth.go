package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"chatbridge/internal/authn"
	"chatbridge/internal/models"
	"chatbridge/internal/store"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

// UserContextKey is the key used to store the user object in the request context.
const UserContextKey = ContextKey("user")

// AuthHandler issues and validates the JWTs the socket hub's auth frame
// expects as its credential (component A's REST-side front door).
type AuthHandler struct {
	Users          store.Users
	AuthService    *authn.Service
	GoogleClientID string
}

type authRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type googleAuthRequest struct {
	IDToken string `json:"idToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	User         userResponse `json:"user"`
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func toUserResponse(u models.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

// AuthMiddleware validates the bearer access token and injects the user
// into the request context.
func (h *AuthHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			RespondWithError(w, http.StatusUnauthorized, "authorization token is missing")
			return
		}

		identity, err := h.AuthService.VerifyAccessToken(tokenString)
		if err != nil {
			RespondWithError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		user, err := h.Users.GetUserByID(r.Context(), identity.UserID)
		if err != nil {
			RespondWithError(w, http.StatusUnauthorized, "user from token not found")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Login handles user login with an email and password.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if req.Email == "" || req.Password == "" {
		RespondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.Users.GetByEmail(r.Context(), req.Email)
	if err != nil || !authn.CheckPasswordHash(req.Password, user.PasswordHash) {
		log.Printf("login failed for %q from %s", req.Email, getClientIP(r))
		RespondWithError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	h.issueTokens(w, user)
}

// GoogleLogin exchanges a validated Google ID token for an access/refresh
// pair, creating the account on first sign-in.
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var req googleAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IDToken == "" {
		RespondWithError(w, http.StatusBadRequest, "idToken is required")
		return
	}

	payload, err := h.AuthService.ValidateGoogleJWT(r.Context(), req.IDToken, h.GoogleClientID)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "invalid google token")
		return
	}

	user, err := h.Users.GetByGoogleSub(r.Context(), payload.Subject)
	if err != nil {
		user, err = h.Users.CreateUser(r.Context(), models.User{
			Email:       payload.Email,
			DisplayName: payload.Email,
			GoogleSub:   payload.Subject,
		})
		if err != nil {
			RespondWithError(w, http.StatusInternalServerError, "failed to create user")
			return
		}
	}

	h.issueTokens(w, user)
}

// Register handles the creation of a new password-based account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if req.Email == "" || req.Password == "" {
		RespondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if _, err := h.Users.GetByEmail(r.Context(), req.Email); err == nil {
		RespondWithError(w, http.StatusConflict, "a user with this email already exists")
		return
	}

	hashed, err := authn.HashPassword(req.Password)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Email
	}
	user, err := h.Users.CreateUser(r.Context(), models.User{
		Email:        req.Email,
		DisplayName:  displayName,
		PasswordHash: hashed,
	})
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	log.Printf("new user registered: %s", user.Email)
	RespondWithJSON(w, http.StatusCreated, toUserResponse(user))
}

// Refresh issues a new access token using a valid refresh token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		RespondWithError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	userID, err := h.AuthService.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	user, err := h.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		RespondWithError(w, http.StatusUnauthorized, "user from token not found")
		return
	}

	accessToken, err := h.AuthService.CreateAccessToken(user.ID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to create access token")
		return
	}
	RespondWithJSON(w, http.StatusOK, tokenResponse{AccessToken: accessToken, User: toUserResponse(user)})
}

// Me returns the details of the currently authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "could not retrieve user from context")
		return
	}
	RespondWithJSON(w, http.StatusOK, toUserResponse(user))
}

// issueTokens generates and returns an access/refresh pair for user.
func (h *AuthHandler) issueTokens(w http.ResponseWriter, user models.User) {
	accessToken, err := h.AuthService.CreateAccessToken(user.ID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to create access token")
		return
	}
	refreshToken, err := h.AuthService.CreateRefreshToken(user.ID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "failed to create refresh token")
		return
	}
	RespondWithJSON(w, http.StatusOK, tokenResponse{AccessToken: accessToken, RefreshToken: refreshToken, User: toUserResponse(user)})
}

var errUserNotInContext = errors.New("user not found in request context")

func userFromContext(ctx context.Context) (models.User, error) {
	user, ok := ctx.Value(UserContextKey).(models.User)
	if !ok {
		return models.User{}, errUserNotInContext
	}
	return user, nil
}
