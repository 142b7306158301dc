package bot

import (
	"sync"

	"InstaTG/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type flowKind string

const (
	flowRegister      flowKind = "register"
	flowLogin         flowKind = "login"
	flowResetPassword flowKind = "reset_password"
	flowSettings      flowKind = "settings"
	flowDeleteAccount flowKind = "delete_account"
)

// Flow stages.
const (
	stageUsername        = "username"
	stageConfirm         = "confirm"
	stagePassword        = "password"
	stageToken           = "token"
	stageNewPassword     = "new_password"
	stageMenu            = "menu"
	stageCurrentPassword = "current_password"
)

// flowState is the position of a user inside a multi-step conversation.
type flowState struct {
	kind     flowKind
	stage    string
	username string
	attempts int
}

// sensitive flows carry credentials; their messages are purged when the flow ends.
func (f *flowState) sensitive() bool {
	return f.kind == flowLogin || f.kind == flowResetPassword || f.kind == flowSettings
}

// request is one incoming command or flow input after parsing.
type request struct {
	msg     *tgbotapi.Message
	chatID  int64
	userID  int64
	command string
	args    []string
	text    string
	user    *storage.User
}

type MessageQueue struct {
	mu      sync.Mutex
	ids     []int
	maxSize int
}

func NewMessageQueue(size int) *MessageQueue {
	return &MessageQueue{
		ids:     make([]int, 0, size),
		maxSize: size,
	}
}

func (q *MessageQueue) Add(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ids = append(q.ids, id)
	if len(q.ids) > q.maxSize {
		q.ids = q.ids[1:]
	}
}

// Drain returns the queued ids and empties the queue.
func (q *MessageQueue) Drain() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := q.ids
	q.ids = make([]int, 0, q.maxSize)
	return result
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
