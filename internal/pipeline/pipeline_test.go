package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parchment-ai/parchment/internal/assembler"
	"github.com/parchment-ai/parchment/internal/conversation"
	"github.com/parchment-ai/parchment/internal/index"
	"github.com/parchment-ai/parchment/internal/llm"
	"github.com/parchment-ai/parchment/internal/queue"
	"github.com/parchment-ai/parchment/internal/testutil"
	"github.com/parchment-ai/parchment/internal/usage"
)

// memJobs is an in-memory queue implementing both the pipeline's Enqueuer
// and the worker's JobStore, with immediate (no-backoff) retries so chains
// run to completion inside a test.
type memJobs struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (m *memJobs) Enqueue(_ context.Context, job queue.Job) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = queue.DefaultMaxAttempts
	}
	job.Status = "pending"
	m.jobs = append(m.jobs, &job)
	return job.ID, nil
}

func (m *memJobs) ClaimNext(_ context.Context, types []string) (*queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status != "pending" {
			continue
		}
		for _, t := range types {
			if j.Type == t {
				j.Status = "running"
				copied := *j
				return &copied, nil
			}
		}
	}
	return nil, nil
}

func (m *memJobs) Complete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			j.Status = "completed"
			return nil
		}
	}
	return queue.ErrNotFound
}

func (m *memJobs) Fail(_ context.Context, id uuid.UUID, errMsg string, fatal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID != id {
			continue
		}
		j.Attempts++
		j.LastError = errMsg
		if fatal || j.Attempts >= j.MaxAttempts {
			j.Status = "failed"
		} else {
			j.Status = "pending"
		}
		return nil
	}
	return queue.ErrNotFound
}

func (m *memJobs) find(jobType string) *queue.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Type == jobType {
			copied := *j
			return &copied
		}
	}
	return nil
}

// memStore is an in-memory conversation store mimicking the guarded task
// transition semantics of the real one.
type memStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]conversation.Conversation
	turns         map[uuid.UUID]*conversation.QueryResult
	tasks         map[uuid.UUID]*conversation.Task
	spent         map[string]float64
	order         []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[uuid.UUID]conversation.Conversation),
		turns:         make(map[uuid.UUID]*conversation.QueryResult),
		tasks:         make(map[uuid.UUID]*conversation.Task),
		spent:         make(map[string]float64),
	}
}

func (m *memStore) addConversation(userID, systemPrompt, dataset string) conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := conversation.Conversation{
		ID: uuid.New(), UserID: userID, SystemPrompt: systemPrompt, Dataset: dataset,
	}
	m.conversations[c.ID] = c
	return c
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.Deleted {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (m *memStore) CreateTurn(_ context.Context, conversationID uuid.UUID, input string) (conversation.QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return conversation.QueryResult{}, conversation.ErrNotFound
	}
	qr := &conversation.QueryResult{
		ID: int64(len(m.order) + 1), UUID: uuid.New(),
		ConversationID: conversationID, Input: input, CreatedAt: time.Now(),
	}
	m.turns[qr.UUID] = qr
	m.tasks[qr.UUID] = &conversation.Task{QueryResultUUID: qr.UUID, Status: conversation.StatusPending}
	m.order = append(m.order, qr.UUID)
	return *qr, nil
}

func (m *memStore) GetTask(_ context.Context, resultUUID uuid.UUID) (conversation.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[resultUUID]
	if !ok {
		return conversation.Task{}, conversation.ErrNotFound
	}
	return *t, nil
}

func (m *memStore) MarkStarted(_ context.Context, resultUUID uuid.UUID) error {
	return m.transition(resultUUID, conversation.StatusStarted, "")
}

func (m *memStore) MarkFailure(_ context.Context, resultUUID uuid.UUID, message string) error {
	return m.transition(resultUUID, conversation.StatusFailure, message)
}

func (m *memStore) transition(resultUUID uuid.UUID, to conversation.Status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[resultUUID]
	if !ok {
		return conversation.ErrNotFound
	}
	if t.Status.Terminal() {
		return conversation.ErrTerminalState
	}
	t.Status = to
	t.Error = message
	return nil
}

func (m *memStore) CompleteTurn(_ context.Context, resultUUID uuid.UUID, completion *llm.Completion, refs []assembler.Reference, pruned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qr, ok := m.turns[resultUUID]
	if !ok {
		return conversation.ErrNotFound
	}
	t := m.tasks[resultUUID]
	if qr.Completed || t.Status.Terminal() {
		return conversation.ErrTerminalState
	}
	qr.Completed = true
	qr.Model = completion.Model
	qr.Response = completion.Text
	qr.InputTokens = completion.InputTokens
	qr.OutputTokens = completion.OutputTokens
	qr.Cost = completion.Cost
	qr.References = refs
	qr.ContextPruned = pruned
	qr.Headers = completion.Headers
	t.Status = conversation.StatusSuccess
	conv := m.conversations[qr.ConversationID]
	m.spent[conv.UserID] += completion.Cost
	return nil
}

func (m *memStore) Replay(_ context.Context, conversationID uuid.UUID) ([]llm.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok || c.Deleted {
		return nil, conversation.ErrNotFound
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: c.SystemPrompt}}
	for _, id := range m.order {
		qr := m.turns[id]
		if qr.ConversationID != conversationID || m.tasks[id].Status != conversation.StatusSuccess {
			continue
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: qr.Input},
			llm.Message{Role: llm.RoleAssistant, Content: qr.Response})
	}
	return msgs, nil
}

func (m *memStore) turn(resultUUID uuid.UUID) conversation.QueryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.turns[resultUUID]
}

type fakeVectorizer struct {
	err   error
	calls int
}

func (f *fakeVectorizer) Vectorize(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeChatter struct {
	completion *llm.Completion
	err        error
	calls      int
	lastMsgs   []llm.Message
}

func (f *fakeChatter) Chat(_ context.Context, msgs []llm.Message) (*llm.Completion, error) {
	f.calls++
	f.lastMsgs = msgs
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

type fixedSpender struct {
	ok  bool
	err error
}

func (f fixedSpender) CanSpend(context.Context, string) (bool, error) { return f.ok, f.err }

// failingSearcher always fails with the given error kind.
type failingSearcher struct {
	err   error
	calls int
}

func (f *failingSearcher) Search(context.Context, []float32, []string, *index.Filter, int) ([]index.Hit, error) {
	f.calls++
	return nil, f.err
}

type fixture struct {
	pipeline *Pipeline
	worker   *queue.Worker
	jobs     *memJobs
	store    *memStore
	vec      *fakeVectorizer
	chat     *fakeChatter
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	logger := testutil.Logger()

	mem := index.NewMemory(logger)
	ctx := context.Background()
	docs := []index.Document{
		{ID: "d1", Content: "alpha passage", Title: "Alpha", Year: 2022, Dataset: "reports"},
		{ID: "d2", Content: "beta passage", Title: "Beta", Year: 2023, Dataset: "reports"},
	}
	for _, d := range docs {
		if err := mem.Upsert(ctx, "reports-main", d, []float32{1, 0}); err != nil {
			t.Fatal(err)
		}
	}

	f := &fixture{
		jobs:  &memJobs{},
		store: newMemStore(),
		vec:   &fakeVectorizer{},
		chat: &fakeChatter{completion: &llm.Completion{
			Text: "generated answer", Model: "test-model",
			InputTokens: 20, OutputTokens: 10, Cost: 0.002,
			Headers: map[string]string{},
		}},
	}

	deps := Deps{
		Vectorizer: f.vec,
		Searcher:   mem,
		Datasets:   index.NewRegistry(map[string]string{"reports": "reports-*"}),
		Assembler:  assembler.New(testutil.NewWordEncoder(), 100, "", "NO CONTEXT", logger),
		LLM:        f.chat,
		Store:      f.store,
		Usage:      fixedSpender{ok: true},
		Jobs:       f.jobs,
		Encoder:    testutil.NewWordEncoder(),
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&deps)
	}

	f.pipeline = New(deps, Config{RetrievalK: 5, HistoryTokenBudget: 10000})
	f.worker = queue.NewWorker(f.jobs, 1, time.Millisecond, logger)
	f.pipeline.Register(f.worker)
	return f
}

// drain runs queued jobs until the queue settles. Failed jobs retry
// immediately because memJobs applies no backoff.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	types := []string{JobTypeRetrieve, JobTypeGenerate, JobTypePersist}
	for i := 0; i < 200; i++ {
		processed, err := f.worker.RunOnce(context.Background(), types)
		if err != nil {
			t.Fatalf("RunOnce() error: %v", err)
		}
		if !processed {
			return
		}
	}
	t.Fatal("queue did not settle")
}

func TestTurnHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.store.addConversation("alice", "be brief", "reports")

	qr, err := f.pipeline.SubmitTurn(ctx, conv.ID, "alice", "what is alpha?")
	if err != nil {
		t.Fatalf("SubmitTurn() error: %v", err)
	}
	f.drain(t)

	task, err := f.store.GetTask(ctx, qr.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != conversation.StatusSuccess {
		t.Fatalf("task status = %s (%s), want SUCCESS", task.Status, task.Error)
	}

	turn := f.store.turn(qr.UUID)
	if turn.Response != "generated answer" || turn.Model != "test-model" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.Cost != 0.002 || turn.InputTokens != 20 || turn.OutputTokens != 10 {
		t.Errorf("accounting fields wrong: %+v", turn)
	}
	if len(turn.References) != 2 {
		t.Errorf("references = %+v, want both seeded documents", turn.References)
	}
	if f.store.spent["alice"] != 0.002 {
		t.Errorf("spent = %f, want 0.002", f.store.spent["alice"])
	}

	// The model saw the system prompt and the assembled prompt, which
	// embeds the retrieved passages rather than the raw question alone.
	if f.chat.calls != 1 {
		t.Fatalf("chat called %d times, want 1", f.chat.calls)
	}
	if f.chat.lastMsgs[0].Role != llm.RoleSystem || f.chat.lastMsgs[0].Content != "be brief" {
		t.Errorf("first message = %+v", f.chat.lastMsgs[0])
	}
	prompt := f.chat.lastMsgs[len(f.chat.lastMsgs)-1].Content
	if !strings.Contains(prompt, "alpha passage") || !strings.Contains(prompt, "what is alpha?") {
		t.Errorf("assembled prompt missing context or question:\n%s", prompt)
	}
}

func TestSecondTurnReplaysFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.store.addConversation("alice", "sys", "reports")

	if _, err := f.pipeline.SubmitTurn(ctx, conv.ID, "alice", "first?"); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if _, err := f.pipeline.SubmitTurn(ctx, conv.ID, "alice", "second?"); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// system + first user/assistant pair + new assembled turn.
	if len(f.chat.lastMsgs) != 4 {
		t.Fatalf("second call saw %d messages, want 4: %+v", len(f.chat.lastMsgs), f.chat.lastMsgs)
	}
	if f.chat.lastMsgs[1].Content != "first?" || f.chat.lastMsgs[2].Content != "generated answer" {
		t.Errorf("replayed pair wrong: %+v", f.chat.lastMsgs[1:3])
	}
}

func TestStageAExhaustionHaltsChain(t *testing.T) {
	searcher := &failingSearcher{err: fmt.Errorf("%w: index unreachable", index.ErrConnection)}
	f := newFixture(t, func(d *Deps) { d.Searcher = searcher })
	ctx := context.Background()
	conv := f.store.addConversation("bob", "sys", "reports")

	qr, err := f.pipeline.SubmitTurn(ctx, conv.ID, "bob", "doomed question")
	if err != nil {
		t.Fatalf("SubmitTurn() error: %v", err)
	}
	f.drain(t)

	// Five transient failures exhaust Stage A.
	if searcher.calls != RetrieveMaxAttempts {
		t.Errorf("search attempted %d times, want %d", searcher.calls, RetrieveMaxAttempts)
	}

	task, err := f.store.GetTask(ctx, qr.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != conversation.StatusFailure {
		t.Errorf("task status = %s, want FAILURE", task.Status)
	}
	if !strings.Contains(task.Error, "index unreachable") {
		t.Errorf("task error = %q, want the recorded cause", task.Error)
	}

	// Later stages never ran: no LLM cost, nothing persisted.
	if f.chat.calls != 0 {
		t.Errorf("chat called %d times, want 0", f.chat.calls)
	}
	if f.jobs.find(JobTypeGenerate) != nil || f.jobs.find(JobTypePersist) != nil {
		t.Error("downstream stages were enqueued after Stage A failure")
	}
	if f.store.spent["bob"] != 0 {
		t.Errorf("spent = %f, want 0", f.store.spent["bob"])
	}
}

func TestSpendCapRejectsSynchronously(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Usage = fixedSpender{ok: false} })
	ctx := context.Background()
	conv := f.store.addConversation("carol", "sys", "reports")

	_, err := f.pipeline.SubmitTurn(ctx, conv.ID, "carol", "one more?")
	if !errors.Is(err, usage.ErrLimitExceeded) {
		t.Fatalf("error = %v, want ErrLimitExceeded", err)
	}

	// Rejection happens before any Task or job exists.
	if len(f.store.tasks) != 0 || len(f.store.turns) != 0 {
		t.Error("rejected turn left a QueryResult or Task behind")
	}
	if f.jobs.find(JobTypeRetrieve) != nil {
		t.Error("rejected turn was enqueued")
	}
}

func TestSpendCheckFailsClosed(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Usage = fixedSpender{ok: true, err: errors.New("accounting database down")}
	})
	conv := f.store.addConversation("dave", "sys", "reports")

	if _, err := f.pipeline.SubmitTurn(context.Background(), conv.ID, "dave", "q"); err == nil {
		t.Fatal("errored admission check must reject the turn")
	}
	if len(f.store.turns) != 0 {
		t.Error("turn created despite failed admission check")
	}
}

func TestContentFilteredFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.chat.err = llm.ErrContentFiltered
	ctx := context.Background()
	conv := f.store.addConversation("erin", "sys", "reports")

	qr, err := f.pipeline.SubmitTurn(ctx, conv.ID, "erin", "blocked question")
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if f.chat.calls != 1 {
		t.Errorf("chat called %d times, want exactly 1 (no retry)", f.chat.calls)
	}
	task, err := f.store.GetTask(ctx, qr.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != conversation.StatusFailure {
		t.Errorf("task status = %s, want FAILURE", task.Status)
	}
	if f.jobs.find(JobTypePersist) != nil {
		t.Error("persist stage enqueued after fatal LLM failure")
	}
	if f.store.spent["erin"] != 0 {
		t.Errorf("spent = %f, want 0", f.store.spent["erin"])
	}
}

func TestTransientProviderErrorRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.chat.err = errors.New("HTTP 503 service unavailable")

	conv := f.store.addConversation("frank", "sys", "reports")
	qr, err := f.pipeline.SubmitTurn(context.Background(), conv.ID, "frank", "flaky?")
	if err != nil {
		t.Fatal(err)
	}

	// Let two generate attempts fail transiently, then clear the error.
	types := []string{JobTypeRetrieve, JobTypeGenerate, JobTypePersist}
	for i := 0; i < 3; i++ {
		if _, err := f.worker.RunOnce(context.Background(), types); err != nil {
			t.Fatal(err)
		}
		if f.chat.calls == 2 {
			f.chat.err = nil
		}
	}
	f.drain(t)

	task, err := f.store.GetTask(context.Background(), qr.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != conversation.StatusSuccess {
		t.Errorf("task status = %s (%s), want SUCCESS after transient retries", task.Status, task.Error)
	}
	if f.chat.calls < 3 {
		t.Errorf("chat called %d times, want at least 3", f.chat.calls)
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.store.addConversation("gina", "sys", "reports")

	if _, err := f.pipeline.SubmitTurn(ctx, conv.ID, "gina", ""); !errors.Is(err, ErrRejected) {
		t.Errorf("empty input error = %v, want ErrRejected", err)
	}
	if _, err := f.pipeline.SubmitTurn(ctx, uuid.New(), "gina", "q"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("unknown conversation error = %v, want ErrNotFound", err)
	}
	// A conversation belongs to its owner.
	if _, err := f.pipeline.SubmitTurn(ctx, conv.ID, "mallory", "q"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("foreign user error = %v, want ErrNotFound", err)
	}
}

func TestUnknownDatasetFailsFatally(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.store.addConversation("hank", "sys", "no-such-dataset")

	qr, err := f.pipeline.SubmitTurn(ctx, conv.ID, "hank", "q")
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	task, err := f.store.GetTask(ctx, qr.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != conversation.StatusFailure {
		t.Errorf("task status = %s, want FAILURE", task.Status)
	}
	// Fatal classification: one attempt, not five.
	job := f.jobs.find(JobTypeRetrieve)
	if job == nil || job.Attempts != 1 {
		t.Errorf("retrieve job = %+v, want exactly one attempt", job)
	}
}

func TestRedeliveredPersistIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.store.addConversation("iris", "sys", "reports")

	qr, err := f.pipeline.SubmitTurn(ctx, conv.ID, "iris", "q")
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// Re-enqueue the completed persist job to simulate redelivery.
	job := f.jobs.find(JobTypePersist)
	if job == nil {
		t.Fatal("persist job not found")
	}
	if _, err := f.jobs.Enqueue(ctx, queue.Job{
		Type: JobTypePersist, Payload: job.Payload, MaxAttempts: PersistMaxAttempts,
	}); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// The duplicate neither errors nor double-charges.
	if f.store.spent["iris"] != 0.002 {
		t.Errorf("spent = %f after redelivery, want 0.002", f.store.spent["iris"])
	}
	task, _ := f.store.GetTask(ctx, qr.UUID)
	if task.Status != conversation.StatusSuccess {
		t.Errorf("task status = %s, want SUCCESS", task.Status)
	}
}
