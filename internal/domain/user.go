package domain

// Identity is the authenticated principal the engine runs as.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
