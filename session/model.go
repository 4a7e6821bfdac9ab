package session

// Session is one session row. UserID zero means the session is anonymous;
// attaching a user converts the row in place, the identifier never changes.
type Session struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Anonymous reports whether no user is attached to the session.
func (s *Session) Anonymous() bool {
	return s == nil || s.UserID == 0
}
