package devserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/auth"
	"github.com/satriahrh/candra/internal/state"
)

// Catalog is the built-in character catalog.
var Catalog = []state.Character{
	{Name: "hana", DisplayName: "Hana", Description: "Cheerful and curious", Voice: "f1", ModelSet: "hana_v2"},
	{Name: "ren", DisplayName: "Ren", Description: "Calm and thoughtful", Voice: "m1", ModelSet: "ren_v1"},
	{Name: "momo", DisplayName: "Momo", Description: "Playful and energetic", Voice: "f2", ModelSet: "momo_v1"},
}

// FindCharacter returns the catalog entry with the given name, or nil.
func FindCharacter(name string) *state.Character {
	for i := range Catalog {
		if Catalog[i].Name == name {
			return &Catalog[i]
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// AuthRequest is the token issuance request body.
type AuthRequest struct {
	UserID string `json:"user_id"`
}

// AuthResponse carries the issued session token.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// InitRoutes registers all routes on the echo instance.
func InitRoutes(e *echo.Echo, issuer *auth.Issuer, replier Replier, recognizer Recognizer, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "candra-devserver",
		})
	})

	v1 := e.Group("/api/v1")

	v1.POST("/auth", func(c echo.Context) error {
		var req AuthRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid request format",
			})
		}
		if req.UserID == "" {
			req.UserID = "dev-user"
		}

		token, err := issuer.IssueToken(req.UserID)
		if err != nil {
			logger.Error("Failed to issue token", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "token_generation_failed",
				Message: "Failed to generate session token",
			})
		}

		return c.JSON(http.StatusOK, AuthResponse{
			Token:     token,
			ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
		})
	})

	v1.GET("/characters", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"characters": Catalog,
		})
	})

	e.GET("/ws", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.Error("WebSocket upgrade failed", zap.Error(err))
			return err
		}
		session := NewSession(conn, issuer, replier, recognizer, logger)
		go session.Run()
		return nil
	})
}
