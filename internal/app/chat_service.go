package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"constructbot/internal/chat"
	"constructbot/internal/glossary"
	"constructbot/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageEnqueue  = errors.New("message enqueue failed")
)

// persona matches the assistant's narrow brief: construction materials,
// IS codes, civil engineering.
const persona = "You are a civil engineer expert. Answer clearly and only about " +
	"construction materials, IS codes, and civil engineering. If the question " +
	"is irrelevant, reply: \"" + glossary.RefusalMessage + "\""

// promptHistoryTurns bounds how much transcript the LLM sees per turn.
const promptHistoryTurns = 3

const emptyReplyFallback = "The model returned an empty response."

type SessionStore interface {
	Create(session *model.Session) error
	ListByUserID(userID uint) ([]model.Session, error)
	GetByIDAndUserID(sessionID, userID uint) (*model.Session, error)
	Touch(sessionID uint) error
	DeleteByIDAndUserID(sessionID, userID uint) error
}

type MessageStore interface {
	ListBySessionID(sessionID uint, limit int) ([]model.Message, error)
	ListRecentBySessionID(sessionID uint, limit int) ([]model.Message, error)
	DeleteBySessionID(sessionID uint) error
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID uint) error
	MarkDirty(ctx context.Context, sessionID uint) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

// ResponseStreamer is the streaming side of the LLM backend.
type ResponseStreamer interface {
	StreamComplete(ctx context.Context, messages []chat.Message, onChunk func(string) error) (string, error)
}

type ChatService struct {
	sessions     SessionStore
	messages     MessageStore
	publisher    AsyncMessagePublisher
	historyCache HistoryCache
	book         *glossary.Book
	responder    chat.Responder
	streamer     ResponseStreamer
	maxContext   int
}

type CreateSessionInput struct {
	UserID uint
	Title  string
}

type SendMessageInput struct {
	UserID    uint
	SessionID uint
	Content   string
}

type SendMessageResult struct {
	Messages   []model.Message `json:"messages"`
	Suggestion string          `json:"suggestion,omitempty"`
}

func NewChatService(
	sessions SessionStore,
	messages MessageStore,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	book *glossary.Book,
	responder chat.Responder,
	streamer ResponseStreamer,
	maxContext int,
) *ChatService {
	if maxContext <= 0 {
		maxContext = 20
	}
	return &ChatService{
		sessions:     sessions,
		messages:     messages,
		publisher:    publisher,
		historyCache: historyCache,
		book:         book,
		responder:    responder,
		streamer:     streamer,
		maxContext:   maxContext,
	}
}

func (s *ChatService) CreateSession(input CreateSessionInput) (*model.Session, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "New Chat"
	}

	session := &model.Session{
		PublicID: uuid.NewString(),
		UserID:   input.UserID,
		Title:    title,
	}
	if err := s.sessions.Create(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *ChatService) ListSessions(userID uint) ([]model.Session, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessions.ListByUserID(userID)
}

func (s *ChatService) DeleteSession(userID, sessionID uint) error {
	if userID == 0 || sessionID == 0 {
		return ErrInvalidInput
	}
	session, err := s.sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if err := s.messages.DeleteBySessionID(sessionID); err != nil {
		return err
	}
	if err := s.sessions.DeleteByIDAndUserID(sessionID, userID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(context.Background(), sessionID)
	}
	return nil
}

// SendMessage runs one full exchange: spell correction, relevance gate,
// glossary lookup or LLM fallback. Nothing is persisted until the
// assistant reply exists, so a backend failure leaves the stored
// transcript exactly as it was.
func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*SendMessageResult, error) {
	conv, corrected, suggestion, err := s.openTurn(ctx, input)
	if err != nil {
		return nil, err
	}

	reply, err := conv.RequestReply(ctx, chat.ResponderFunc(
		func(ctx context.Context, transcript []chat.Message) (chat.Message, error) {
			return s.answer(ctx, transcript, corrected)
		},
	))
	if err != nil {
		return nil, err
	}

	userMsg, assistantMsg, err := s.recordExchange(ctx, input, strings.TrimSpace(input.Content), reply.Content)
	if err != nil {
		return nil, err
	}

	return &SendMessageResult{
		Messages:   []model.Message{userMsg, assistantMsg},
		Suggestion: suggestion,
	}, nil
}

// StreamMessage behaves like SendMessage but emits the assistant reply
// incrementally through onChunk. Glossary answers and refusals arrive
// as a single chunk.
func (s *ChatService) StreamMessage(
	ctx context.Context,
	input SendMessageInput,
	onChunk func(string) error,
) (*SendMessageResult, error) {
	conv, corrected, suggestion, err := s.openTurn(ctx, input)
	if err != nil {
		return nil, err
	}

	reply, err := conv.RequestReply(ctx, chat.ResponderFunc(
		func(ctx context.Context, transcript []chat.Message) (chat.Message, error) {
			if direct, ok := s.directAnswer(corrected); ok {
				if err := onChunk(direct); err != nil {
					return chat.Message{}, err
				}
				return chat.Message{Role: chat.RoleAssistant, Content: direct}, nil
			}
			full, err := s.streamer.StreamComplete(ctx, buildPrompt(transcript, corrected), onChunk)
			if err != nil {
				return chat.Message{}, err
			}
			full = strings.TrimSpace(full)
			if full == "" {
				full = emptyReplyFallback
			}
			return chat.Message{Role: chat.RoleAssistant, Content: full}, nil
		},
	))
	if err != nil {
		return nil, err
	}

	userMsg, assistantMsg, err := s.recordExchange(ctx, input, strings.TrimSpace(input.Content), reply.Content)
	if err != nil {
		return nil, err
	}

	return &SendMessageResult{
		Messages:   []model.Message{userMsg, assistantMsg},
		Suggestion: suggestion,
	}, nil
}

func (s *ChatService) GetHistory(userID, sessionID uint, limit int) ([]model.Message, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}

	session, err := s.sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	ctx := context.Background()
	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := s.messages.ListBySessionID(sessionID, limit)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return messages, nil
}

// openTurn validates the input, rebuilds the in-memory conversation
// from recent history and appends the new user turn. It also runs the
// spell corrector so both send paths report the same suggestion.
func (s *ChatService) openTurn(
	ctx context.Context,
	input SendMessageInput,
) (*chat.Conversation, string, string, error) {
	if input.UserID == 0 || input.SessionID == 0 {
		return nil, "", "", ErrInvalidInput
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, "", "", chat.ErrMessageEmpty
	}

	session, err := s.sessions.GetByIDAndUserID(input.SessionID, input.UserID)
	if err != nil {
		return nil, "", "", err
	}
	if session == nil {
		return nil, "", "", ErrSessionNotFound
	}

	recent, err := s.messages.ListRecentBySessionID(input.SessionID, s.maxContext)
	if err != nil {
		return nil, "", "", err
	}
	conv, err := chat.Resume(sanitizeTurns(recent))
	if err != nil {
		return nil, "", "", err
	}

	corrected, changed, err := s.book.Suggest(ctx, content)
	if err != nil {
		log.Printf("glossary suggest failed: %v", err)
		corrected, changed = content, false
	}
	suggestion := ""
	if changed {
		suggestion = "Did you mean: " + corrected + "?"
	}

	if err := conv.AppendUser(content); err != nil {
		return nil, "", "", err
	}
	return conv, corrected, suggestion, nil
}

// answer is the blocking response pipeline: refusal for irrelevant
// input, glossary definition when a term matches, LLM otherwise.
func (s *ChatService) answer(ctx context.Context, transcript []chat.Message, corrected string) (chat.Message, error) {
	if direct, ok := s.directAnswer(corrected); ok {
		return chat.Message{Role: chat.RoleAssistant, Content: direct}, nil
	}

	reply, err := s.responder.Reply(ctx, buildPrompt(transcript, corrected))
	if err != nil {
		return chat.Message{}, err
	}
	reply.Content = strings.TrimSpace(reply.Content)
	if reply.Content == "" {
		reply.Content = emptyReplyFallback
	}
	return reply, nil
}

// directAnswer resolves the turn without the LLM when possible.
func (s *ChatService) directAnswer(corrected string) (string, bool) {
	if !s.book.Relevant(corrected) {
		return glossary.RefusalMessage, true
	}
	if definition, ok := s.book.Lookup(corrected); ok {
		return definition, true
	}
	return "", false
}

// recordExchange persists a completed user/assistant pair and
// invalidates the cached history. Called only after the backend
// produced a reply.
func (s *ChatService) recordExchange(
	ctx context.Context,
	input SendMessageInput,
	userContent, assistantContent string,
) (model.Message, model.Message, error) {
	if s.publisher == nil {
		return model.Message{}, model.Message{}, ErrMessageEnqueue
	}

	now := time.Now()
	userMsg := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      string(chat.RoleUser),
		Content:   userContent,
		CreatedAt: now,
	}
	assistantMsg := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      string(chat.RoleAssistant),
		Content:   assistantContent,
		CreatedAt: now,
	}

	if s.historyCache != nil {
		_ = s.historyCache.MarkDirty(ctx, input.SessionID)
		_ = s.historyCache.DeleteHistory(ctx, input.SessionID)
	}
	if err := s.publisher.Publish(ctx, userMsg); err != nil {
		return model.Message{}, model.Message{}, ErrMessageEnqueue
	}
	if err := s.publisher.Publish(ctx, assistantMsg); err != nil {
		return model.Message{}, model.Message{}, ErrMessageEnqueue
	}
	if err := s.sessions.Touch(input.SessionID); err != nil {
		log.Printf("touch session %d failed: %v", input.SessionID, err)
	}
	return userMsg, assistantMsg, nil
}

// buildPrompt shapes what the LLM sees: the persona, the last few prior
// turns, and the corrected user input as the final turn.
func buildPrompt(transcript []chat.Message, corrected string) []chat.Message {
	prior := transcript[:len(transcript)-1]
	if len(prior) > promptHistoryTurns {
		prior = prior[len(prior)-promptHistoryTurns:]
	}

	prompt := make([]chat.Message, 0, len(prior)+2)
	prompt = append(prompt, chat.Message{Role: chat.RoleSystem, Content: persona})
	prompt = append(prompt, prior...)
	prompt = append(prompt, chat.Message{Role: chat.RoleUser, Content: corrected})
	return prompt
}

// sanitizeTurns converts stored rows to conversation turns, dropping
// anything that would break the alternation rule. A context window cut
// mid-pair may start with an assistant row.
func sanitizeTurns(messages []model.Message) []chat.Message {
	turns := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		role := chat.Role(m.Role)
		if role != chat.RoleUser && role != chat.RoleAssistant {
			continue
		}
		if len(turns) == 0 && role != chat.RoleUser {
			continue
		}
		if len(turns) > 0 && turns[len(turns)-1].Role == role {
			continue
		}
		turns = append(turns, chat.Message{Role: role, Content: m.Content})
	}
	// A trailing unanswered user turn would block the next AppendUser.
	if n := len(turns); n > 0 && turns[n-1].Role == chat.RoleUser {
		turns = turns[:n-1]
	}
	return turns
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return lo.Subset(messages, len(messages)-limit, uint(limit))
}
