package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/cache"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/classifier"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/delivery"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/messaging"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/planner"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/routing"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/store"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/turn"
	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/twiliowhatsapp"
)

// stubClassifier returns a fixed result or error.
type stubClassifier struct {
	result classifier.Result
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, text string, stage models.Stage, history []string) (classifier.Result, error) {
	if s.err != nil {
		return classifier.Result{}, s.err
	}
	return s.result, nil
}

type testEnv struct {
	server *Server
	store  store.Store
	mock   *twiliowhatsapp.MockClient
}

func newTestEnv(t *testing.T, cls IntentClassifier) *testEnv {
	return newTestEnvWindow(t, cls, time.Millisecond)
}

func newTestEnvWindow(t *testing.T, cls IntentClassifier, window time.Duration) *testEnv {
	t.Helper()
	c := cache.NewWithJanitorInterval(10 * time.Millisecond)
	t.Cleanup(c.Close)

	st := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	msgService := messaging.NewTwilioService(mock)
	t.Cleanup(func() { _ = msgService.Stop() })

	controller := turn.NewController(c, turn.Config{DebounceWindow: window})
	controller.Use(turn.LoggingMiddleware())
	worker := delivery.NewWorker(st, c, msgService, controller, delivery.Config{RetryBackoff: time.Millisecond})
	pipeline := NewPipeline(controller, routing.NewEngine(routing.DefaultConfig()), cls, planner.NewPlanner(nil), worker, st)
	server := NewServer(pipeline, st, msgService)
	return &testEnv{server: server, store: st, mock: mock}
}

func postEvent(t *testing.T, env *testEnv, event models.InboundEvent) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func greetingEvent(msgID string) models.InboundEvent {
	return models.InboundEvent{
		ConversationKey: "whatsapp:+5511999990000",
		MessageID:       msgID,
		Text:            "oi",
		Channel:         "whatsapp",
		Metadata:        map[string]string{"recipient": "+5511999990000"},
	}
}

func TestInboundEventAdvancesNewConversation(t *testing.T) {
	env := newTestEnv(t, &stubClassifier{result: classifier.Result{Intent: "greeting", Confidence: 0.9}})

	rec := postEvent(t, env, greetingEvent("m1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Greeting with high confidence proceeds into qualification, which opens
	// with two ordered messages.
	if len(env.mock.SentMessages) != 2 {
		t.Fatalf("expected 2 outbound messages, got %d", len(env.mock.SentMessages))
	}

	conv, err := env.store.GetConversation("whatsapp:+5511999990000")
	if err != nil || conv == nil {
		t.Fatalf("GetConversation: %v, %v", conv, err)
	}
	if conv.Stage != models.StageQualification {
		t.Errorf("stage = %s, want qualification", conv.Stage)
	}
	if conv.TurnCounter != 1 {
		t.Errorf("turn counter = %d", conv.TurnCounter)
	}
}

func TestInboundEventDuplicate(t *testing.T) {
	env := newTestEnv(t, &stubClassifier{result: classifier.Result{Intent: "greeting", Confidence: 0.9}})

	if rec := postEvent(t, env, greetingEvent("m1")); rec.Code != http.StatusAccepted {
		t.Fatalf("first post status = %d", rec.Code)
	}
	sends := len(env.mock.SentMessages)

	rec := postEvent(t, env, greetingEvent("m1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.APIStatusDuplicate) {
		t.Errorf("response status = %s", resp.Status)
	}
	if len(env.mock.SentMessages) != sends {
		t.Errorf("duplicate triggered %d extra sends", len(env.mock.SentMessages)-sends)
	}
}

func TestInboundEventValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postEvent(t, env, models.InboundEvent{MessageID: "m1", Text: "oi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing conversation key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte("{not json")))
	recorder := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", recorder.Code)
	}
}

func TestClassifierOutageFallsBackWithoutStageChange(t *testing.T) {
	env := newTestEnv(t, &stubClassifier{err: errors.New("deadline exceeded")})

	event := greetingEvent("m1")
	event.Text = "zzz qqq"
	if rec := postEvent(t, env, event); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	// The user still gets exactly one best-effort fallback reply.
	if len(env.mock.SentMessages) != 1 {
		t.Fatalf("expected 1 fallback message, got %d", len(env.mock.SentMessages))
	}
	conv, _ := env.store.GetConversation("whatsapp:+5511999990000")
	if conv == nil || conv.Stage != models.StageGreeting {
		t.Errorf("expected stage to stay greeting, got %+v", conv)
	}
}

func TestCompletedConversationReopens(t *testing.T) {
	env := newTestEnv(t, &stubClassifier{result: classifier.Result{Intent: "greeting", Confidence: 0.9}})

	if err := env.store.SaveConversation(models.Conversation{
		Key:            "whatsapp:+5511999990000",
		Stage:          models.StageCompleted,
		Step:           models.DefaultStep(models.StageCompleted),
		Status:         models.ConversationStatusCompleted,
		CollectedSlots: map[string]string{"child_name": "Ana"},
	}); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	if rec := postEvent(t, env, greetingEvent("m1")); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	conv, _ := env.store.GetConversation("whatsapp:+5511999990000")
	if conv == nil {
		t.Fatal("conversation missing")
	}
	if conv.Status != models.ConversationStatusActive {
		t.Errorf("status = %s, want reopened active", conv.Status)
	}
	if conv.CollectedSlots["child_name"] != "Ana" {
		t.Error("reopening must keep collected slots")
	}
}

func TestConversationInspectionEndpoints(t *testing.T) {
	env := newTestEnv(t, &stubClassifier{result: classifier.Result{Intent: "greeting", Confidence: 0.9}})
	postEvent(t, env, greetingEvent("m1"))

	req := httptest.NewRequest(http.MethodGet, "/conversations/whatsapp:+5511999990000", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("get conversation status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/conversations/whatsapp:+5511999990000/outbox", nil)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("get outbox status = %d", rec.Code)
	}
	var resp struct {
		Result []store.OutboxEntry `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode outbox: %v", err)
	}
	if len(resp.Result) != 2 {
		t.Errorf("expected 2 outbox entries, got %d", len(resp.Result))
	}
	for _, e := range resp.Result {
		if e.Status != store.OutboxStatusSent {
			t.Errorf("entry %s status = %s", e.ID, e.Status)
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/conversations/missing", nil)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func postWebhook(t *testing.T, env *testEnv, sid, body string) {
	t.Helper()
	form := url.Values{}
	form.Set("From", "whatsapp:+5511999990000")
	form.Set("Body", body)
	form.Set("MessageSid", sid)
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}
}

func TestEventLoopAggregatesRapidMessages(t *testing.T) {
	env := newTestEnvWindow(t, &stubClassifier{result: classifier.Result{Intent: "greeting", Confidence: 0.9}}, 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.server.EventLoop(ctx)
		close(done)
	}()

	// Two webhook deliveries inside one debounce window. The loop must keep
	// consuming while the first event's window owner sleeps, so the second
	// merges into the same turn instead of getting its own.
	postWebhook(t, env, "SM1", "oi")
	time.Sleep(50 * time.Millisecond)
	postWebhook(t, env, "SM2", "quero saber do Kumon")

	deadline := time.Now().Add(2 * time.Second)
	for {
		conv, _ := env.store.GetConversation("whatsapp:+5511999990000")
		if conv != nil && conv.TurnCounter > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the turn to complete")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	conv, err := env.store.GetConversation("whatsapp:+5511999990000")
	if err != nil || conv == nil {
		t.Fatalf("GetConversation: %v, %v", conv, err)
	}
	if conv.TurnCounter != 1 {
		t.Errorf("turn counter = %d, want both messages aggregated into 1 turn", conv.TurnCounter)
	}
	// One qualification-opening turn: exactly 2 outbound messages, not 4.
	if len(env.mock.SentMessages) != 2 {
		t.Errorf("sent %d messages, want the single turn's 2", len(env.mock.SentMessages))
	}
}

func TestIdempotentReplayAcrossRestarts(t *testing.T) {
	env := newTestEnv(t, &stubClassifier{result: classifier.Result{Intent: "greeting", Confidence: 0.9}})

	// Replay the same message id several times; exactly one delivery batch.
	for i := 0; i < 3; i++ {
		postEvent(t, env, greetingEvent("m1"))
	}
	if len(env.mock.SentMessages) != 2 {
		t.Errorf("expected the single turn's 2 messages, got %d", len(env.mock.SentMessages))
	}

	entries, err := env.store.GetOutboxEntries("whatsapp:+5511999990000")
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 outbox rows, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Status != store.OutboxStatusSent {
			t.Errorf("entry %s not sent: %s", e.ID, e.Status)
		}
	}
}
