package bot

import (
	"sync"

	"github.com/Fi44er/esim_bot/internal/service"
	"github.com/Fi44er/esim_bot/utils"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Bot struct {
	API        *tgbotapi.BotAPI
	service    *service.Service
	logger     *utils.Logger
	userStates map[int64]string
	stateMutex *sync.Mutex
}

func NewBot(
	api *tgbotapi.BotAPI,
	service *service.Service,
	logger *utils.Logger,
) *Bot {
	return &Bot{
		API:        api,
		service:    service,
		logger:     logger,
		userStates: make(map[int64]string),
		stateMutex: &sync.Mutex{},
	}
}

func (b *Bot) Start() {
	b.logger.Info("Starting bot...")
	updates := b.API.GetUpdatesChan(tgbotapi.NewUpdate(0))
	for update := range updates {
		b.logger.Debugf("Received update: %+v", update)
		if update.CallbackQuery != nil {
			go b.handleCallbackQuery(update.CallbackQuery)
			continue
		}
		if update.Message != nil {
			go b.HandleUpdate(update)
		}
	}
}

func GetMainMenu() tgbotapi.ReplyKeyboardMarkup {
	rows := [][]tgbotapi.KeyboardButton{
		{
			tgbotapi.NewKeyboardButton("🛒 Buy eSIM"),
			tgbotapi.NewKeyboardButton("📊 My balance"),
		},
		{
			tgbotapi.NewKeyboardButton("🔄 Check payment"),
			tgbotapi.NewKeyboardButton("➕ Top up balance"),
		},
	}

	return tgbotapi.NewReplyKeyboard(rows...)
}
