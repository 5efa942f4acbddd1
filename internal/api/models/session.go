package models

// OwnerSession is the body of GET and PUT /v1/owners/me.
type OwnerSession struct {
	Token string `json:"token"`
}

// ExpiredSessions is the body of GET /v1/sessions/expired.
type ExpiredSessions struct {
	Tokens []string `json:"tokens"`
}
