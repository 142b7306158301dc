package bot

import (
	"InstaTG/internal/monitoring"

	"github.com/sirupsen/logrus"
)

const (
	maxStoredMessages = 100
	maxConcurrent     = 10

	maxLoginAttempts  = 3
	defaultPostsLimit = 5
	maxPostsLimit     = 10
	maxMultiplePosts  = 5
	minPasswordLength = 8
	maxMediaGroupSize = 10
)

// User-facing error replies.
const (
	msgUnauthorized    = "You are not authorized to use this bot."
	msgInvalidUsername = "Invalid Instagram username."
	msgDownloadFailed  = "Failed to download the requested content."
	msgRateLimited     = "Too many requests. Please try again later."
	msgFileTooLarge    = "File size exceeds maximum limit."
	msgFeatureDisabled = "This feature is currently disabled."
	msgInternalError   = "An error occurred. Please try again."
	msgRegisterFirst   = "Please register first using /register"
)

func logAction(action string, chatID int64, details string) {
	monitoring.Logger().WithFields(logrus.Fields{
		"action":  action,
		"chat_id": chatID,
	}).Info(details)
}
