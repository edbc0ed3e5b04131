package domain

// UserID identifies a participant. It is the username carried by the
// caller's access token.
type UserID string
