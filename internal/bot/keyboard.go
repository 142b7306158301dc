package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	buttonLogin    = "Login 🔐"
	buttonRegister = "Register 📝"
	buttonHelp     = "Help ℹ️"
	buttonAbout    = "About 🤖"

	buttonChangePassword = "🔐 Change Password"
	buttonConfirmDelete  = "✅ Confirm Delete"
	buttonCancel         = "❌ Cancel"

	callbackRegisterYes = "register:yes"
	callbackRegisterNo  = "register:no"
)

// buttonCommands maps reply keyboard labels to the commands they trigger.
var buttonCommands = map[string]string{
	buttonLogin:    "login",
	buttonRegister: "register",
	buttonHelp:     "help",
	buttonAbout:    "about",
	buttonCancel:   "cancel",
}

func createMainKeyboard() tgbotapi.ReplyKeyboardMarkup {
	buttons := [][]tgbotapi.KeyboardButton{
		{
			tgbotapi.KeyboardButton{Text: buttonLogin},
			tgbotapi.KeyboardButton{Text: buttonRegister},
		},
		{
			tgbotapi.KeyboardButton{Text: buttonHelp},
			tgbotapi.KeyboardButton{Text: buttonAbout},
		},
	}

	return tgbotapi.ReplyKeyboardMarkup{
		Keyboard:       buttons,
		ResizeKeyboard: true,
	}
}

func createSettingsKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonChangePassword)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonCancel)),
	)
	keyboard.OneTimeKeyboard = true
	return keyboard
}

func createDeleteKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(buttonConfirmDelete),
			tgbotapi.NewKeyboardButton(buttonCancel),
		),
	)
	keyboard.OneTimeKeyboard = true
	return keyboard
}

func createConfirmKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes", callbackRegisterYes),
			tgbotapi.NewInlineKeyboardButtonData("No", callbackRegisterNo),
		),
	)
}
