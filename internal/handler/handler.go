package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"credentials_service/internal/auth"
	"credentials_service/internal/lib/logger"
	"credentials_service/internal/models"
	"credentials_service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

type AuthService interface {
	RegisterUser(ctx context.Context, in service.RegisterInput) (models.User, error)
	Authenticate(ctx context.Context, email, password string) (service.LoginResult, error)
	Logout(ctx context.Context, accessToken, sessionToken string) error
	VerifyAccess(ctx context.Context, accessToken string) (*auth.Claims, error)
	Profile(ctx context.Context, userID uuid.UUID) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type CookieOptions struct {
	Enabled bool
	Secure  bool
	Domain  string
}

type Handler struct {
	serviceLayer AuthService
	log          *slog.Logger
	cookies      CookieOptions
}

func NewHandler(srvc AuthService, lgr *slog.Logger, cookies CookieOptions) *Handler {
	return &Handler{
		serviceLayer: srvc,
		log:          lgr,
		cookies:      cookies,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/", h.OptionalAuth(), h.Welcome)

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		// Logout verifies the token itself so that a repeated logout with an
		// already revoked token still succeeds.
		authGroup.POST("/logout", h.Logout)
		authGroup.GET("/profile", h.RequireAuth(), h.GetProfile)
	}

	admin := router.Group("/admin")
	admin.Use(h.RequireAuth(), RequireRole(models.RoleAdmin))
	{
		admin.GET("/users", h.GetAllUsers)
	}

	return router
}

type registerRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type logoutRequest struct {
	SessionToken string `json:"sessionToken"`
}

// GET /
func (h *Handler) Welcome(c *gin.Context) {
	claims, ok := ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to our API! Please login at /auth/login"})

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Welcome back!",
		"user":    gin.H{"id": claims.UserID, "email": claims.Email, "role": claims.Role},
	})
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("invalid register request", logger.Err(err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request")

		return
	}

	user, err := h.serviceLayer.RegisterUser(c.Request.Context(), service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			log.Info("registration with existing email")
		} else {
			log.Error("failed to create user", logger.Err(err))
		}

		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "registration successful",
		"user":    user,
	})
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("invalid login request", logger.Err(err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request")

		return
	}

	res, err := h.serviceLayer.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			log.Info("failed login attempt")
		} else {
			log.Error("failed to login", logger.Err(err))
		}

		respondError(c, err)

		return
	}

	h.setCookie(c, accessCookie, res.AccessToken, res.AccessExpiresAt)
	h.setCookie(c, sessionCookie, res.SessionToken, res.SessionExpiresAt)

	c.JSON(http.StatusOK, res)
}

// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	token, present, err := extractToken(c)
	if !present || err != nil {
		newErrorResponse(c, http.StatusUnauthorized, auth.ErrAuthenticationRequired.Error())

		return
	}

	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("invalid logout request", logger.Err(err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request")

		return
	}

	sessionToken := req.SessionToken
	if sessionToken == "" {
		sessionToken, _ = c.Cookie(sessionCookie)
	}

	if err := h.serviceLayer.Logout(c.Request.Context(), token, sessionToken); err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			log.Error("failed to logout", logger.Err(err))
		}

		respondError(c, err)

		return
	}

	h.clearCookie(c, accessCookie)
	h.clearCookie(c, sessionCookie)

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// GET /auth/profile
func (h *Handler) GetProfile(c *gin.Context) {
	const op = "handler.GetProfile"

	log := h.log.With(slog.String("op", op))

	claims, ok := ClaimsFromContext(c)
	if !ok {
		log.Error("failed to get claims from context")

		newErrorResponse(c, http.StatusUnauthorized, auth.ErrAuthenticationRequired.Error())

		return
	}

	user, err := h.serviceLayer.Profile(c.Request.Context(), claims.UserID)
	if err != nil {
		log.Error("failed to get user by id", slog.String("user_id", claims.UserID.String()), logger.Err(err))

		respondError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "You're logged in!",
		"user":    user,
	})
}

// GET /admin/users
func (h *Handler) GetAllUsers(c *gin.Context) {
	const op = "handler.GetAllUsers"

	log := h.log.With(slog.String("op", op))

	users, err := h.serviceLayer.ListUsers(c.Request.Context())
	if err != nil {
		log.Error("failed to get all users", logger.Err(err))

		respondError(c, err)

		return
	}

	if users == nil {
		users = []models.User{}
	}

	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) setCookie(c *gin.Context, name, value string, expiresAt time.Time) {
	if !h.cookies.Enabled {
		return
	}

	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, "/", h.cookies.Domain, h.cookies.Secure, true)
}

func (h *Handler) clearCookie(c *gin.Context, name string) {
	if !h.cookies.Enabled {
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
}
