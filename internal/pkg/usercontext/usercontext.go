package usercontext

import "github.com/gofiber/fiber/v2"

// Shared Locals keys used across handlers and middlewares
const (
	ContextKey = "USER_CONTEXT"
	KeyUserID  = "user_id"
	KeyIsAdmin = "isAdmin"
)

// UserContext represents the authenticated caller for a request
type UserContext struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(ContextKey); ctx != nil {
		return ctx.(UserContext)
	}
	return UserContext{}
}

// IsAdmin checks if the current caller carries the admin role
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetUserID returns the current caller's account ID, or 0 if unauthenticated
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
