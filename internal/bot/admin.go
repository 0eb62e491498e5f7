package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

func (b *Bot) handleAdminReport(ctx context.Context, chatID, userID int64) {
	if !b.isAdmin(userID) {
		b.sendMessage(chatID, "This command is available to the administrator only.", GetMainMenu())
		return
	}

	report, err := b.service.SalesReport(ctx)
	if err != nil {
		b.logger.Errorf("Failed to build sales report: %v", err)
		b.sendMessage(chatID, "Failed to build the report. Please try again later.", nil)
		return
	}

	msgText := fmt.Sprintf(
		"📊 *Sales Report*\n\n"+
			"• Paid orders: `%d`\n"+
			"• Revenue: `%s` USDT\n"+
			"• Active users: `%d`",
		report.PaidOrders,
		report.Revenue.StringFixed(2),
		report.ActiveUsers,
	)
	b.sendMessage(chatID, msgText, GetMainMenu())
}

func (b *Bot) handleCreditRequest(chatID, userID int64) {
	if !b.isAdmin(userID) {
		b.sendMessage(chatID, "This command is available to the administrator only.", GetMainMenu())
		return
	}

	b.setState(userID, stateAwaitingCreditTarget)
	b.sendMessage(chatID, "Send `<user_id> <amount>` to credit a user's balance:", tgbotapi.NewRemoveKeyboard(true))
}

func (b *Bot) handleCreditInput(ctx context.Context, chatID int64, text string) {
	b.setState(chatID, stateDefault)

	parts := strings.Fields(text)
	if len(parts) != 2 {
		b.sendMessage(chatID, "Expected `<user_id> <amount>`, e.g. `123456789 50.00`.", GetMainMenu())
		return
	}

	amount, err := decimal.NewFromString(parts[1])
	if err != nil || !amount.IsPositive() {
		b.sendMessage(chatID, "The amount must be a positive number.", GetMainMenu())
		return
	}

	if err := b.service.CreditUser(ctx, parts[0], amount); err != nil {
		b.logger.Errorf("Admin credit failed: %v", err)
		b.sendMessage(chatID, "Failed to credit the user. Please try again.", GetMainMenu())
		return
	}

	b.sendMessage(chatID, fmt.Sprintf("✅ Credited `%s` USDT to user `%s`.", amount.StringFixed(2), parts[0]), GetMainMenu())
}

func (b *Bot) handleRepairRequest(ctx context.Context, chatID, userID int64) {
	if !b.isAdmin(userID) {
		b.sendMessage(chatID, "This command is available to the administrator only.", GetMainMenu())
		return
	}

	repaired, err := b.service.RepairCredits(ctx)
	if err != nil {
		b.logger.Errorf("Repair pass failed: %v", err)
		b.sendMessage(chatID, fmt.Sprintf("Repair pass failed after %d credits. Check the logs.", repaired), GetMainMenu())
		return
	}

	b.sendMessage(chatID, fmt.Sprintf("🔧 Repair pass finished: %d missing credits applied.", repaired), GetMainMenu())
}
