// Package prompt turns stored history into ordered completion requests.
package prompt

// HistoryProvider retrieves conversation history from a persistent store.
type HistoryProvider interface {
	Retrieve(chatID int64, limit int) ([]Message, error)
}
