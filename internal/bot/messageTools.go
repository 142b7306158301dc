package bot

import (
	"fmt"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxDeleteWorkers = 10

type MessageTools struct {
	api Messenger
}

func NewMessageTools(api Messenger) *MessageTools {
	return &MessageTools{
		api: api,
	}
}

// DeleteMessages removes the given messages from the chat in parallel and
// returns how many deletions Telegram accepted.
func (mt *MessageTools) DeleteMessages(chatID int64, ids []int) int {
	if len(ids) == 0 {
		return 0
	}

	var deletedCount int32
	var wg sync.WaitGroup

	workers := min(maxDeleteWorkers, len(ids))
	msgChan := make(chan tgbotapi.DeleteMessageConfig, len(ids))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgChan {
				if _, err := mt.api.Request(msg); err == nil {
					atomic.AddInt32(&deletedCount, 1)
				}
			}
		}()
	}

	for _, id := range ids {
		msgChan <- tgbotapi.NewDeleteMessage(chatID, id)
	}
	close(msgChan)

	wg.Wait()

	if deletedCount == 0 {
		logAction("DELETE", chatID, "no messages could be deleted")
	} else {
		logAction("DELETE", chatID, fmt.Sprintf("deleted %d of %d messages", deletedCount, len(ids)))
	}

	return int(deletedCount)
}
