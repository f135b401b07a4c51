package prompt

import "fmt"

// DefaultHistoryLimit is the number of stored messages replayed into a
// conversational prompt.
const DefaultHistoryLimit = 10

// Assembler combines a system prompt with stored history into a single
// ordered message list.
type Assembler struct {
	History HistoryProvider
}

// NewAssembler creates an assembler reading from history.
func NewAssembler(history HistoryProvider) *Assembler {
	return &Assembler{History: history}
}

// Build returns the system message followed by the last limit stored
// messages of chatID. The result reflects the store at call time, so two
// calls may differ if messages were appended in between.
func (a *Assembler) Build(chatID int64, systemPrompt string, limit int) ([]Message, error) {
	history, err := a.History.Retrieve(chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history chat_id=%d: %w", chatID, err)
	}
	messages := make([]Message, 0, 1+len(history))
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	return messages, nil
}

// SingleShot builds a history-free prompt: system + user. An empty user
// text yields the system message alone.
func SingleShot(systemPrompt, userText string) []Message {
	messages := []Message{{Role: RoleSystem, Content: systemPrompt}}
	if userText != "" {
		messages = append(messages, Message{Role: RoleUser, Content: userText})
	}
	return messages
}
