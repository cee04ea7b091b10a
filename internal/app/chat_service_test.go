package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"constructbot/internal/chat"
	"constructbot/internal/glossary"
	"constructbot/internal/model"
)

type fakeSessionStore struct {
	sessions map[uint]*model.Session
	nextID   uint
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uint]*model.Session), nextID: 1}
}

func (f *fakeSessionStore) Create(session *model.Session) error {
	session.ID = f.nextID
	f.nextID++
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeSessionStore) ListByUserID(userID uint) ([]model.Session, error) {
	var out []model.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) GetByIDAndUserID(sessionID, userID uint) (*model.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	return s, nil
}

func (f *fakeSessionStore) Touch(sessionID uint) error { return nil }

func (f *fakeSessionStore) DeleteByIDAndUserID(sessionID, userID uint) error {
	delete(f.sessions, sessionID)
	return nil
}

type fakeMessageStore struct {
	messages []model.Message
}

func (f *fakeMessageStore) ListBySessionID(sessionID uint, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) ListRecentBySessionID(sessionID uint, limit int) ([]model.Message, error) {
	all, _ := f.ListBySessionID(sessionID, limit)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeMessageStore) DeleteBySessionID(sessionID uint) error {
	var kept []model.Message
	for _, m := range f.messages {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	f.messages = kept
	return nil
}

// fakePublisher persists synchronously so tests observe the stored
// transcript directly.
type fakePublisher struct {
	store   *fakeMessageStore
	failAll bool
}

func (f *fakePublisher) Publish(ctx context.Context, msg model.Message) error {
	if f.failAll {
		return errors.New("broker down")
	}
	f.store.messages = append(f.store.messages, msg)
	return nil
}

func testGlossary(t *testing.T) *glossary.Book {
	t.Helper()
	book, err := glossary.New(map[string]string{
		"cement":   "Cement is a binder that sets and hardens.",
		"concrete": "Concrete is a composite of cement, aggregate and water.",
		"slump":    "Slump measures fresh concrete workability.",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, book.Close()) })
	return book
}

type serviceFixture struct {
	service   *ChatService
	sessions  *fakeSessionStore
	messages  *fakeMessageStore
	publisher *fakePublisher
	session   *model.Session
}

func newFixture(t *testing.T, responder chat.Responder) *serviceFixture {
	t.Helper()

	sessions := newFakeSessionStore()
	messages := &fakeMessageStore{}
	publisher := &fakePublisher{store: messages}

	service := NewChatService(sessions, messages, publisher, nil, testGlossary(t), responder, nil, 20)

	session, err := service.CreateSession(CreateSessionInput{UserID: 1, Title: "site questions"})
	require.NoError(t, err)

	return &serviceFixture{
		service:   service,
		sessions:  sessions,
		messages:  messages,
		publisher: publisher,
		session:   session,
	}
}

func llmStub(content string) chat.Responder {
	return chat.ResponderFunc(func(ctx context.Context, transcript []chat.Message) (chat.Message, error) {
		return chat.Message{Role: chat.RoleAssistant, Content: content}, nil
	})
}

func TestChatService_CreateSession(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("answer"))

	req.Equal("site questions", fx.session.Title)
	req.NotEmpty(fx.session.PublicID)

	// Blank titles get a default.
	s, err := fx.service.CreateSession(CreateSessionInput{UserID: 1, Title: "   "})
	req.NoError(err)
	req.Equal("New Chat", s.Title)

	_, err = fx.service.CreateSession(CreateSessionInput{UserID: 0})
	req.ErrorIs(err, ErrInvalidInput)
}

func TestChatService_SendMessage_GlossaryAnswer(t *testing.T) {
	req := require.New(t)
	llmCalled := false
	fx := newFixture(t, chat.ResponderFunc(func(ctx context.Context, transcript []chat.Message) (chat.Message, error) {
		llmCalled = true
		return chat.Message{Role: chat.RoleAssistant, Content: "llm answer"}, nil
	}))

	result, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: fx.session.ID,
		Content:   "what is cement used for",
	})
	req.NoError(err)
	req.False(llmCalled, "glossary hit must not reach the LLM")
	req.Len(result.Messages, 2)
	req.Equal("user", result.Messages[0].Role)
	req.Equal("what is cement used for", result.Messages[0].Content)
	req.Equal("assistant", result.Messages[1].Role)
	req.Equal("Cement is a binder that sets and hardens.", result.Messages[1].Content)

	// Both turns were persisted in order.
	req.Len(fx.messages.messages, 2)
	req.Equal("user", fx.messages.messages[0].Role)
	req.Equal("assistant", fx.messages.messages[1].Role)
}

func TestChatService_SendMessage_RefusesOffTopic(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("should not be used"))

	result, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: fx.session.ID,
		Content:   "who won the world cup in 2018",
	})
	req.NoError(err)
	req.Equal(glossary.RefusalMessage, result.Messages[1].Content)
}

func TestChatService_SendMessage_FallsBackToLLM(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("Use a water cement ratio of 0.45."))

	result, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: fx.session.ID,
		Content:   "how long should concrete stay wet before loading",
	})
	req.NoError(err)
	req.Equal("Use a water cement ratio of 0.45.", result.Messages[1].Content)
}

func TestChatService_SendMessage_BackendFailureLeavesTranscriptUnchanged(t *testing.T) {
	req := require.New(t)
	backendErr := errors.New("llm unavailable")
	fx := newFixture(t, chat.ResponderFunc(func(ctx context.Context, transcript []chat.Message) (chat.Message, error) {
		return chat.Message{}, backendErr
	}))

	// Relevant question with no direct glossary answer, so the backend
	// must be consulted and its failure surfaced.
	_, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: fx.session.ID,
		Content:   "design mix for pumped concrete at height",
	})
	req.Error(err)
	req.Empty(fx.messages.messages, "failed exchange must not be persisted")
}

func TestChatService_SendMessage_Suggestion(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("answer"))

	result, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: fx.session.ID,
		Content:   "tell me about cemant",
	})
	req.NoError(err)
	req.Contains(result.Suggestion, "cement")
	// The stored user message keeps the original spelling.
	req.Equal("tell me about cemant", result.Messages[0].Content)
}

func TestChatService_SendMessage_Validation(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("answer"))

	_, err := fx.service.SendMessage(context.Background(), SendMessageInput{UserID: 0, SessionID: 1, Content: "x"})
	req.ErrorIs(err, ErrInvalidInput)

	_, err = fx.service.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: fx.session.ID, Content: "  "})
	req.ErrorIs(err, chat.ErrMessageEmpty)

	_, err = fx.service.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: 999, Content: "x"})
	req.ErrorIs(err, ErrSessionNotFound)
}

func TestChatService_SendMessage_EnqueueFailure(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("answer"))
	fx.publisher.failAll = true

	_, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: fx.session.ID,
		Content:   "what is slump",
	})
	req.ErrorIs(err, ErrMessageEnqueue)
}

func TestChatService_MultiTurnHistoryReachesLLM(t *testing.T) {
	req := require.New(t)
	var seen []chat.Message
	fx := newFixture(t, chat.ResponderFunc(func(ctx context.Context, transcript []chat.Message) (chat.Message, error) {
		seen = transcript
		return chat.Message{Role: chat.RoleAssistant, Content: "follow-up answer"}, nil
	}))

	// First turn answers from the glossary and is persisted.
	_, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID: 1, SessionID: fx.session.ID, Content: "what is slump",
	})
	req.NoError(err)

	// Second turn needs the LLM; its prompt must carry the persona and
	// the prior exchange.
	_, err = fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID: 1, SessionID: fx.session.ID, Content: "acceptable slump range for columns?",
	})
	req.NoError(err)

	req.NotEmpty(seen)
	req.Equal(chat.RoleSystem, seen[0].Role)
	req.True(strings.Contains(seen[0].Content, "civil engineer"))
	req.Equal(chat.RoleUser, seen[len(seen)-1].Role)

	var prior []string
	for _, m := range seen[1 : len(seen)-1] {
		prior = append(prior, m.Content)
	}
	req.Contains(prior, "what is slump")
}

func TestChatService_GetHistory(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("answer"))

	for _, content := range []string{"what is cement", "what is slump"} {
		_, err := fx.service.SendMessage(context.Background(), SendMessageInput{
			UserID: 1, SessionID: fx.session.ID, Content: content,
		})
		req.NoError(err)
	}

	history, err := fx.service.GetHistory(1, fx.session.ID, 100)
	req.NoError(err)
	req.Len(history, 4)

	history, err = fx.service.GetHistory(1, fx.session.ID, 2)
	req.NoError(err)
	req.Len(history, 4, "store applies the limit; service passes it through")

	_, err = fx.service.GetHistory(1, 999, 10)
	req.ErrorIs(err, ErrSessionNotFound)
}

func TestChatService_DeleteSession(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("answer"))

	_, err := fx.service.SendMessage(context.Background(), SendMessageInput{
		UserID: 1, SessionID: fx.session.ID, Content: "what is cement",
	})
	req.NoError(err)

	req.NoError(fx.service.DeleteSession(1, fx.session.ID))
	req.Empty(fx.messages.messages)

	req.ErrorIs(fx.service.DeleteSession(1, fx.session.ID), ErrSessionNotFound)
}

func TestChatService_StreamMessage(t *testing.T) {
	req := require.New(t)
	fx := newFixture(t, llmStub("unused"))

	var chunks []string
	result, err := fx.service.StreamMessage(context.Background(), SendMessageInput{
		UserID: 1, SessionID: fx.session.ID, Content: "what is cement",
	}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	req.NoError(err)
	req.Equal([]string{"Cement is a binder that sets and hardens."}, chunks)
	req.Len(result.Messages, 2)
	req.Len(fx.messages.messages, 2)
}

func TestSanitizeTurns(t *testing.T) {
	req := require.New(t)

	turns := sanitizeTurns([]model.Message{
		{Role: "assistant", Content: "cut mid pair"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "system", Content: "noise"},
		{Role: "user", Content: "dangling"},
	})

	req.Equal([]chat.Message{
		{Role: chat.RoleUser, Content: "q1"},
		{Role: chat.RoleAssistant, Content: "a1"},
	}, turns)
}

func TestBuildPrompt_WindowsHistory(t *testing.T) {
	req := require.New(t)

	transcript := []chat.Message{
		{Role: chat.RoleUser, Content: "q1"},
		{Role: chat.RoleAssistant, Content: "a1"},
		{Role: chat.RoleUser, Content: "q2"},
		{Role: chat.RoleAssistant, Content: "a2"},
		{Role: chat.RoleUser, Content: "q3"},
	}

	prompt := buildPrompt(transcript, "q3 corrected")
	// system + last 3 prior turns + current input
	req.Len(prompt, 5)
	req.Equal(chat.RoleSystem, prompt[0].Role)
	req.Equal("a1", prompt[1].Content)
	req.Equal("q3 corrected", prompt[4].Content)
}
