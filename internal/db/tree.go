package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Event is one journal row with its payload decoded and its children
// attached in insertion order.
type Event struct {
	ID       int64
	At       time.Time
	ParentID int64 // 0 for a root
	Type     string
	Payload  map[string]any
	Children []*Event
}

// LatestProcessRoot finds the most recent process.started event.
func LatestProcessRoot(database *sql.DB) (int64, error) {
	var id int64
	err := database.QueryRow(
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventProcessStarted,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no %s event found", EventProcessStarted)
	}
	return id, err
}

// LoadTree reads the event rootID and all of its descendants.
func LoadTree(database *sql.DB, rootID int64) (*Event, error) {
	rows, err := database.Query(`
		WITH RECURSIVE tree(id, timestamp, parent_id, event_type, payload) AS (
			SELECT id, timestamp, parent_id, event_type, payload FROM events WHERE id = ?
			UNION ALL
			SELECT c.id, c.timestamp, c.parent_id, c.event_type, c.payload
			FROM events c JOIN tree p ON c.parent_id = p.id
		)
		SELECT id, timestamp, parent_id, event_type, payload FROM tree ORDER BY id
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query tree %d: %w", rootID, err)
	}
	defer rows.Close()

	byID := map[int64]*Event{}
	var root *Event
	for rows.Next() {
		var (
			ev      Event
			unix    int64
			parent  sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &unix, &parent, &ev.Type, &payload); err != nil {
			return nil, err
		}
		ev.At = time.Unix(unix, 0).UTC()
		ev.ParentID = parent.Int64
		if payload.Valid && payload.String != "" {
			// Undecodable payloads render without fields.
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		byID[ev.ID] = &ev
		if ev.ID == rootID {
			root = &ev
		} else if p := byID[ev.ParentID]; p != nil {
			p.Children = append(p.Children, &ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("event %d not found", rootID)
	}
	return root, nil
}

// ForChat returns a copy of root keeping only the message.received turns
// of chatID among its direct children.
func ForChat(root *Event, chatID int64) *Event {
	out := *root
	out.Children = nil
	for _, c := range root.Children {
		if c.Type != EventMessageReceived {
			continue
		}
		if id, ok := c.Payload["chat_id"].(float64); ok && int64(id) == chatID {
			out.Children = append(out.Children, c)
		}
	}
	return &out
}

// TreeOptions controls rendering.
type TreeOptions struct {
	MaxDepth  int // 0 = unlimited
	NoPayload bool
}

func (o TreeOptions) expand(depth int) bool {
	return o.MaxDepth <= 0 || depth < o.MaxDepth
}

// WriteTree renders the tree with box-drawing guides, one event per line.
func WriteTree(w io.Writer, root *Event, opts TreeOptions) {
	fmt.Fprintln(w, Line(root, opts.NoPayload))
	writeChildren(w, root, "", 1, opts)
}

func writeChildren(w io.Writer, ev *Event, indent string, depth int, opts TreeOptions) {
	if len(ev.Children) == 0 {
		return
	}
	if !opts.expand(depth) {
		fmt.Fprintln(w, indent+"└── [...]")
		return
	}
	for i, c := range ev.Children {
		branch, guide := "├── ", "│   "
		if i == len(ev.Children)-1 {
			branch, guide = "└── ", "    "
		}
		fmt.Fprintln(w, indent+branch+Line(c, opts.NoPayload))
		writeChildren(w, c, indent+guide, depth+1, opts)
	}
}

// Line renders a single event as "[id] time  type  key=value ...", keys
// sorted.
func Line(ev *Event, noPayload bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, ev.At.Format(time.DateTime), ev.Type)
	if noPayload {
		return b.String()
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Payload)) {
		b.WriteString("  ")
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(displayValue(ev.Payload[k]))
	}
	return b.String()
}

const maxDisplayRunes = 80

func displayValue(v any) string {
	switch v := v.(type) {
	case string:
		if r := []rune(v); len(r) > maxDisplayRunes {
			return strconv.Quote(string(r[:maxDisplayRunes]) + "...")
		}
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

// JSONEvent is the JSON rendering of an event subtree.
type JSONEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []JSONEvent    `json:"children,omitempty"`
}

// ToJSON converts a tree for JSON output, honoring opts.
func ToJSON(root *Event, opts TreeOptions) JSONEvent {
	return jsonAt(root, 1, opts)
}

func jsonAt(ev *Event, depth int, opts TreeOptions) JSONEvent {
	je := JSONEvent{ID: ev.ID, Timestamp: ev.At.Unix(), EventType: ev.Type}
	if !opts.NoPayload {
		je.Payload = ev.Payload
	}
	if opts.expand(depth) {
		for _, c := range ev.Children {
			je.Children = append(je.Children, jsonAt(c, depth+1, opts))
		}
	}
	return je
}
