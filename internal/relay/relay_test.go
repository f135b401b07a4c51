package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/leadrelay/internal/audit"
	"github.com/stupiduntilnot/leadrelay/internal/control"
	"github.com/stupiduntilnot/leadrelay/internal/db"
	"github.com/stupiduntilnot/leadrelay/internal/dummy"
	"github.com/stupiduntilnot/leadrelay/internal/history"
	"github.com/stupiduntilnot/leadrelay/internal/prompt"
)

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

type fixture struct {
	relay    *Orchestrator
	provider *dummy.Provider
	history  *history.Store
	auditLog string
	sleeps   []time.Duration
}

func newFixture(t *testing.T, script string, tune func(*Deps, *Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := history.NewStore(filepath.Join(dir, "logs", "users_history.jsonl"), zerolog.Nop(), nil)
	auditPath := filepath.Join(dir, "logs", "chat_logs.jsonl")
	provider, err := dummy.NewProvider("gpt-test", script)
	if err != nil {
		t.Fatal(err)
	}

	deps := Deps{
		History:   store,
		Audit:     audit.NewLog(auditPath, nil, audit.WithClock(func() time.Time { return fixedNow })),
		Assembler: prompt.NewAssembler(store),
		Provider:  provider,
		Logger:    zerolog.Nop(),
	}
	opts := Options{
		Model:        "gpt-test",
		HistoryLimit: prompt.DefaultHistoryLimit,
		Policy: control.Policy{
			Timeout:     time.Second,
			MaxRetries:  0,
			BackoffBase: time.Millisecond,
		},
	}
	if tune != nil {
		tune(&deps, &opts)
	}

	f := &fixture{provider: provider, history: store, auditLog: auditPath}
	f.relay = New(deps, opts)
	f.relay.now = func() time.Time { return fixedNow }
	f.relay.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *fixture) auditRecords(t *testing.T) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(f.auditLog)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid audit line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func (f *fixture) historyOf(t *testing.T, chatID int64) []prompt.Message {
	t.Helper()
	msgs, err := f.history.Retrieve(chatID, history.DefaultRetrieveLimit)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func msgb64(s string) string {
	return "msgb64:" + base64.StdEncoding.EncodeToString([]byte(s))
}

func TestChat_RepliesAndLogsBothSides(t *testing.T) {
	f := newFixture(t, "msg:hello there", nil)

	reply, err := f.relay.Chat(context.Background(), 7, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hello there" {
		t.Fatalf("unexpected reply %q", reply)
	}

	hist := f.historyOf(t, 7)
	if len(hist) != 1 || hist[0].Role != prompt.RoleUser || hist[0].Content != "hi" {
		t.Fatalf("history should hold only the user message: %+v", hist)
	}

	recs := f.auditRecords(t)
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(recs))
	}
	if recs[0]["role"] != "user" || recs[0]["content"] != "hi" {
		t.Errorf("unexpected first audit record: %v", recs[0])
	}
	if recs[1]["role"] != "assistant" || recs[1]["content"] != "hello there" {
		t.Errorf("unexpected second audit record: %v", recs[1])
	}
	if recs[1]["timestamp"] != "2025-03-04T05:06:07Z" {
		t.Errorf("unexpected timestamp: %v", recs[1]["timestamp"])
	}
	if recs[0]["chat_id"] != float64(7) {
		t.Errorf("unexpected chat id: %v", recs[0]["chat_id"])
	}

	reqs := f.provider.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Model != "gpt-test" || reqs[0].MaxTokens != 400 || reqs[0].Temperature != 0.7 {
		t.Errorf("unexpected request parameters: %+v", reqs[0])
	}
}

func TestChat_PromptCarriesRecentHistory(t *testing.T) {
	f := newFixture(t, "msg:ok", nil)
	for _, text := range []string{"one", "two"} {
		if err := f.history.Append(7, prompt.RoleUser, text); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.history.Append(8, prompt.RoleUser, "elsewhere"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.relay.Chat(context.Background(), 7, "three"); err != nil {
		t.Fatal(err)
	}

	msgs := f.provider.Requests()[0].Messages
	want := []prompt.Message{
		{Role: prompt.RoleSystem, Content: prompt.ChatSystemPrompt},
		{Role: prompt.RoleUser, Content: "one"},
		{Role: prompt.RoleUser, Content: "two"},
		{Role: prompt.RoleUser, Content: "three"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(msgs), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d: expected %+v, got %+v", i, want[i], msgs[i])
		}
	}
}

func TestChat_HistoryWindowIsBounded(t *testing.T) {
	f := newFixture(t, "msg:ok", func(_ *Deps, o *Options) { o.HistoryLimit = 2 })
	for _, text := range []string{"a", "b", "c"} {
		f.history.Append(1, prompt.RoleUser, text)
	}
	if _, err := f.relay.Chat(context.Background(), 1, "d"); err != nil {
		t.Fatal(err)
	}
	msgs := f.provider.Requests()[0].Messages
	if len(msgs) != 3 || msgs[1].Content != "c" || msgs[2].Content != "d" {
		t.Fatalf("unexpected prompt: %+v", msgs)
	}
}

func TestChat_CompletionFailureSendsFallback(t *testing.T) {
	f := newFixture(t, "err:status", nil)

	reply, err := f.relay.Chat(context.Background(), 7, "hi")
	if err != nil {
		t.Fatalf("completion failure must not surface: %v", err)
	}
	if reply != FallbackCompletion {
		t.Fatalf("expected fallback, got %q", reply)
	}

	if hist := f.historyOf(t, 7); len(hist) != 1 || hist[0].Content != "hi" {
		t.Fatalf("user message missing from history: %+v", hist)
	}
	recs := f.auditRecords(t)
	if len(recs) != 2 || recs[0]["content"] != "hi" || recs[1]["content"] != FallbackCompletion {
		t.Fatalf("unexpected audit records: %v", recs)
	}
	if strings.Contains(reply, "status") {
		t.Fatalf("error details leaked into reply: %q", reply)
	}
}

func TestChat_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t, "err:transport,err:timeout,msg:finally", func(_ *Deps, o *Options) {
		o.Policy.MaxRetries = 2
	})

	reply, err := f.relay.Chat(context.Background(), 1, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "finally" {
		t.Fatalf("expected reply after retries, got %q", reply)
	}
	if n := len(f.provider.Requests()); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != time.Millisecond || f.sleeps[1] != 2*time.Millisecond {
		t.Fatalf("unexpected backoff sequence: %v", f.sleeps)
	}
}

func TestChat_RetriesStopAtMaximum(t *testing.T) {
	f := newFixture(t, "err:transport", func(_ *Deps, o *Options) {
		o.Policy.MaxRetries = 1
	})

	reply, err := f.relay.Chat(context.Background(), 1, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != FallbackCompletion {
		t.Fatalf("expected fallback, got %q", reply)
	}
	if n := len(f.provider.Requests()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestChat_NonRetryableFailsFast(t *testing.T) {
	f := newFixture(t, "err:decode,msg:never", func(_ *Deps, o *Options) {
		o.Policy.MaxRetries = 3
	})
	if reply, _ := f.relay.Chat(context.Background(), 1, "hi"); reply != FallbackCompletion {
		t.Fatalf("expected fallback, got %q", reply)
	}
	if n := len(f.provider.Requests()); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestChat_EmptyCompletionFallsBack(t *testing.T) {
	f := newFixture(t, "msg:", nil)
	if reply, _ := f.relay.Chat(context.Background(), 1, "hi"); reply != FallbackCompletion {
		t.Fatalf("expected fallback for empty content, got %q", reply)
	}
}

func TestChat_OpenCircuitShortCircuits(t *testing.T) {
	breaker := control.NewBreaker(1, time.Hour)
	f := newFixture(t, "err:transport,msg:recovered", func(d *Deps, _ *Options) {
		d.Breaker = breaker
	})

	if reply, _ := f.relay.Chat(context.Background(), 1, "first"); reply != FallbackCompletion {
		t.Fatalf("expected fallback, got %q", reply)
	}
	if breaker.State() != control.Open {
		t.Fatalf("expected open circuit, got %s", breaker.State())
	}

	reply, err := f.relay.Chat(context.Background(), 1, "second")
	if err != nil {
		t.Fatal(err)
	}
	if reply != FallbackCompletion {
		t.Fatalf("expected fallback while open, got %q", reply)
	}
	if n := len(f.provider.Requests()); n != 1 {
		t.Fatalf("provider must not be called while circuit is open, got %d calls", n)
	}
	if hist := f.historyOf(t, 1); len(hist) != 2 {
		t.Fatalf("both user messages must be logged, got %+v", hist)
	}

	// After the cooldown the half-open probe goes through and closes it.
	f.relay.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	if reply, _ := f.relay.Chat(context.Background(), 1, "third"); reply != "recovered" {
		t.Fatalf("expected recovery, got %q", reply)
	}
	if breaker.State() != control.Closed {
		t.Fatalf("expected closed circuit, got %s", breaker.State())
	}
}

func TestChat_IncludeAssistantInHistory(t *testing.T) {
	f := newFixture(t, "msg:pong", func(_ *Deps, o *Options) {
		o.IncludeAssistantInHistory = true
	})
	if _, err := f.relay.Chat(context.Background(), 3, "ping"); err != nil {
		t.Fatal(err)
	}
	hist := f.historyOf(t, 3)
	if len(hist) != 2 || hist[1].Role != prompt.RoleAssistant || hist[1].Content != "pong" {
		t.Fatalf("expected assistant reply in history: %+v", hist)
	}
}

type failingHistory struct{ err error }

func (f failingHistory) Append(int64, prompt.Role, string) error { return f.err }

type failingAudit struct{ err error }

func (f failingAudit) Append(int64, prompt.Role, any) error { return f.err }

func TestChat_HistoryWriteFailureAborts(t *testing.T) {
	boom := errors.New("disk full")
	f := newFixture(t, "msg:never", func(d *Deps, _ *Options) {
		d.History = failingHistory{err: boom}
	})

	_, err := f.relay.Chat(context.Background(), 1, "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if recs := f.auditRecords(t); len(recs) != 0 {
		t.Fatalf("audit must not be written after a history failure: %v", recs)
	}
	if n := len(f.provider.Requests()); n != 0 {
		t.Fatalf("provider must not be called, got %d calls", n)
	}
}

func TestChat_AuditWriteFailureAborts(t *testing.T) {
	boom := errors.New("read-only file system")
	f := newFixture(t, "msg:never", func(d *Deps, _ *Options) {
		d.Audit = failingAudit{err: boom}
	})

	_, err := f.relay.Chat(context.Background(), 1, "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if hist := f.historyOf(t, 1); len(hist) != 1 {
		t.Fatalf("history append happens before the audit append: %+v", hist)
	}
	if n := len(f.provider.Requests()); n != 0 {
		t.Fatalf("provider must not be called, got %d calls", n)
	}
}

const acmeLead = `{"company_name": "Acme", "summary": "Builds IoT for logistics.", "contact_name": "Jane", "recommended_outreach_tone": "formal", "business_fit_score": 9}`

func TestLead_ExtractsThenWritesOutreach(t *testing.T) {
	f := newFixture(t, msgb64(acmeLead)+",msg:Dear Jane", nil)

	reply, err := f.relay.Lead(context.Background(), 5, "Acme is a logistics company run by Jane")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Dear Jane" {
		t.Fatalf("unexpected reply %q", reply)
	}

	reqs := f.provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected extraction and outreach calls, got %d", len(reqs))
	}
	extract := reqs[0]
	if extract.MaxTokens != 700 || extract.Messages[0].Content != prompt.LeadExtractionPrompt {
		t.Errorf("unexpected extraction request: %+v", extract)
	}
	if len(extract.Messages) != 2 || extract.Messages[1].Content != "Acme is a logistics company run by Jane" {
		t.Errorf("extraction must be single-shot: %+v", extract.Messages)
	}
	outreach := reqs[1]
	if len(outreach.Messages) != 1 || outreach.Messages[0].Role != prompt.RoleSystem {
		t.Fatalf("outreach prompt should be a single system message: %+v", outreach.Messages)
	}
	for _, want := range []string{"Acme", "Jane", "formal", "Builds IoT for logistics."} {
		if !strings.Contains(outreach.Messages[0].Content, want) {
			t.Errorf("outreach prompt missing %q", want)
		}
	}
	if outreach.MaxTokens != 200 || outreach.Temperature != 0.8 {
		t.Errorf("unexpected outreach parameters: %+v", outreach)
	}

	recs := f.auditRecords(t)
	if len(recs) != 3 {
		t.Fatalf("expected user, extraction and reply audit records, got %d", len(recs))
	}
	obj, ok := recs[1]["content"].(map[string]any)
	if !ok || obj["company_name"] != "Acme" || obj["business_fit_score"] != float64(9) {
		t.Errorf("extraction should be audited as an object: %v", recs[1]["content"])
	}
	if recs[2]["content"] != "Dear Jane" {
		t.Errorf("unexpected reply record: %v", recs[2])
	}
}

func TestLead_EmptyExtraction(t *testing.T) {
	f := newFixture(t, "msg:{}", nil)

	reply, err := f.relay.Lead(context.Background(), 5, "nothing useful")
	if err != nil {
		t.Fatal(err)
	}
	if reply != FallbackLead {
		t.Fatalf("expected extraction fallback, got %q", reply)
	}
	if n := len(f.provider.Requests()); n != 1 {
		t.Fatalf("outreach must be skipped, got %d calls", n)
	}
	recs := f.auditRecords(t)
	if len(recs) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(recs))
	}
	if obj, ok := recs[1]["content"].(map[string]any); !ok || len(obj) != 0 {
		t.Errorf("expected empty object audited, got %v", recs[1]["content"])
	}
}

func TestLead_OutreachFailure(t *testing.T) {
	f := newFixture(t, msgb64(acmeLead)+",err:status", nil)
	reply, err := f.relay.Lead(context.Background(), 5, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	if reply != FallbackOutreach {
		t.Fatalf("expected outreach fallback, got %q", reply)
	}
}

func TestExtract_ReturnsFencedJSON(t *testing.T) {
	f := newFixture(t, msgb64("```json\n"+acmeLead+"\n```"), nil)

	reply, markdown, err := f.relay.Extract(context.Background(), 9, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	if !markdown {
		t.Error("extraction reply must be sent as Markdown")
	}
	if !strings.HasPrefix(reply, "```json\n{") || !strings.HasSuffix(reply, "}\n```") {
		t.Fatalf("unexpected reply %q", reply)
	}
	if !strings.Contains(reply, `"company_name": "Acme"`) {
		t.Fatalf("reply missing extracted field: %q", reply)
	}
	recs := f.auditRecords(t)
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(recs))
	}
	if _, ok := recs[1]["content"].(map[string]any); !ok {
		t.Errorf("extraction should be audited as an object: %v", recs[1]["content"])
	}
}

func TestExtract_Failure(t *testing.T) {
	f := newFixture(t, "msg:not json at all", nil)
	reply, markdown, err := f.relay.Extract(context.Background(), 9, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	if reply != FallbackExtract || markdown {
		t.Fatalf("expected plain fallback, got %q markdown=%v", reply, markdown)
	}
	if recs := f.auditRecords(t); len(recs) != 2 || recs[1]["content"] != FallbackExtract {
		t.Fatalf("fallback should be audited: %v", recs)
	}
}

func TestTone_SingleShotWarmReply(t *testing.T) {
	f := newFixture(t, "echo", nil)
	f.history.Append(2, prompt.RoleUser, "older message")

	reply, err := f.relay.Tone(context.Background(), 2, "is tea healthy?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "is tea healthy?" {
		t.Fatalf("unexpected reply %q", reply)
	}
	req := f.provider.Requests()[0]
	if len(req.Messages) != 2 || req.Messages[0].Content != prompt.ToneSystemPrompt {
		t.Fatalf("tone prompt must not include history: %+v", req.Messages)
	}
	if req.MaxTokens != 400 || req.Temperature != 0.8 {
		t.Errorf("unexpected tone parameters: %+v", req)
	}
}

func TestTone_Failure(t *testing.T) {
	f := newFixture(t, "err:status", nil)
	if reply, _ := f.relay.Tone(context.Background(), 2, "hi"); reply != FallbackTone {
		t.Fatalf("expected tone fallback, got %q", reply)
	}
}

func TestJournal_RecordsTurnEvents(t *testing.T) {
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	rootID, _ := db.LogEvent(database, nil, db.EventProcessStarted, nil)

	f := newFixture(t, "err:transport,msg:ok", func(d *Deps, o *Options) {
		d.Journal = db.NewJournal(database)
		o.RootEventID = rootID
		o.Policy.MaxRetries = 1
	})
	if _, err := f.relay.Chat(context.Background(), 4, "hi"); err != nil {
		t.Fatal(err)
	}

	root, err := db.LoadTree(database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Children) != 1 || root.Children[0].Type != db.EventMessageReceived {
		t.Fatalf("expected one message.received under the root: %+v", root.Children)
	}
	var types []string
	for _, ev := range root.Children[0].Children {
		types = append(types, ev.Type)
	}
	want := []string{db.EventContextAssembled, db.EventCompletionFailed, db.EventRetryScheduled}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, types)
	}
}
