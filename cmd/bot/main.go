package main

import (
	"context"

	"github.com/Fi44er/esim_bot/config"
	"github.com/Fi44er/esim_bot/db"
	"github.com/Fi44er/esim_bot/internal/bot"
	"github.com/Fi44er/esim_bot/internal/esim"
	"github.com/Fi44er/esim_bot/internal/repository"
	"github.com/Fi44er/esim_bot/internal/service"
	"github.com/Fi44er/esim_bot/internal/tron"
	"github.com/Fi44er/esim_bot/utils"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	logger := utils.InitLogger()
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	database, err := db.ConnectDb(cfg.DB_URL, logger)
	if err != nil {
		logger.Fatal(err)
	}

	if err := db.Migrate(database, true, logger); err != nil {
		logger.Fatal(err)
	}

	repo := repository.NewRepository(database, logger)
	feed := tron.NewClient(cfg.TronscanURL, logger)
	provider := esim.NewClient(cfg.ESIMApiURL, cfg.ESIMAccessCode, logger)

	svc := service.NewService(repo, feed, provider, cfg.WalletAddress, cfg.AdminChatID, logger)

	// Apply credits lost to a crash between mark-paid and credit.
	if repaired, err := svc.RepairCredits(context.Background()); err != nil {
		logger.Errorf("Startup repair pass failed: %v", err)
	} else if repaired > 0 {
		logger.Warnf("Startup repair pass applied %d missing credits", repaired)
	}

	telegramBot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		logger.Fatal("Failed to create bot API: ", err)
	}

	bot := bot.NewBot(telegramBot, svc, logger)
	bot.Start()
}
