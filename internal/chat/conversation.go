package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrMessageEmpty    = errors.New("message content is empty")
	ErrAwaitingReply   = errors.New("previous user message has no reply yet")
	ErrNothingToAnswer = errors.New("no user message to answer")
	ErrBadTranscript   = errors.New("transcript does not alternate user/assistant")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn of a conversation. Once appended to a
// Conversation it is never edited.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Responder produces the assistant side of a conversation. Given the
// transcript so far, it returns one assistant message or fails.
type Responder interface {
	Reply(ctx context.Context, transcript []Message) (Message, error)
}

// ResponderFunc adapts a plain function to the Responder interface.
type ResponderFunc func(ctx context.Context, transcript []Message) (Message, error)

func (f ResponderFunc) Reply(ctx context.Context, transcript []Message) (Message, error) {
	return f(ctx, transcript)
}

// Conversation holds the ordered transcript of one chat exchange.
// The transcript alternates user/assistant starting with a user turn,
// and operations on a single Conversation are serialized.
type Conversation struct {
	mu    sync.Mutex
	turns []Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// Resume rebuilds a Conversation from stored history. The history must
// already satisfy the alternation rule.
func Resume(history []Message) (*Conversation, error) {
	for i, turn := range history {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			return nil, ErrBadTranscript
		}
		if i == 0 && turn.Role != RoleUser {
			return nil, ErrBadTranscript
		}
		if i > 0 && turn.Role == history[i-1].Role {
			return nil, ErrBadTranscript
		}
	}
	turns := make([]Message, len(history))
	copy(turns, history)
	return &Conversation{turns: turns}, nil
}

// AppendUser records a user turn. Empty content is rejected, and a new
// user turn is refused while the previous one still awaits its reply.
func (c *Conversation) AppendUser(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrMessageEmpty
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.turns); n > 0 && c.turns[n-1].Role == RoleUser {
		return ErrAwaitingReply
	}
	c.turns = append(c.turns, Message{Role: RoleUser, Content: content})
	return nil
}

// RequestReply forwards the transcript to the responder and appends the
// assistant message it returns. When the responder fails the transcript
// is left exactly as it was, so the call can be retried.
func (c *Conversation) RequestReply(ctx context.Context, responder Responder) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.turns)
	if n == 0 || c.turns[n-1].Role != RoleUser {
		return Message{}, ErrNothingToAnswer
	}

	snapshot := make([]Message, n)
	copy(snapshot, c.turns)

	reply, err := responder.Reply(ctx, snapshot)
	if err != nil {
		return Message{}, err
	}
	reply.Role = RoleAssistant
	c.turns = append(c.turns, reply)
	return reply, nil
}

// Transcript returns a copy of the turns in chronological order.
func (c *Conversation) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Window returns a copy of the last n turns, or the whole transcript
// when it is shorter than n.
func (c *Conversation) Window(n int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > len(c.turns) {
		n = len(c.turns)
	}
	out := make([]Message, n)
	copy(out, c.turns[len(c.turns)-n:])
	return out
}
