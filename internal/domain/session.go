package domain

// ChatSession is one conversation in the client's session list.
// CreatedAt is a Unix timestamp in milliseconds.
type ChatSession struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
}
