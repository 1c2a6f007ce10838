package usercontext

// Locals keys set by the authentication middlewares.
const (
	KeyUserContext = "USER_CONTEXT"
	KeyUserID      = "user_id"
)
