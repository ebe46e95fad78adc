// Package session carries the identity of the caller explicitly through the
// domain services.
package session

// Session identifies the authenticated account behind one request.
type Session struct {
	AccountID int64
	TraceID   string
	IP        string
}

// New returns a Session for the given account.
func New(accountID int64) Session {
	return Session{AccountID: accountID}
}

// Valid reports whether the session names an account.
func (s Session) Valid() bool {
	return s.AccountID > 0
}
