package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/Fi44er/esim_bot/internal/service"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

func (b *Bot) HandleUpdate(update tgbotapi.Update) {
	ctx := context.Background()
	text := update.Message.Text
	chatID := update.Message.Chat.ID
	userID := update.Message.From.ID

	b.logger.Infof("Processing message from user %d: %s", userID, text)

	switch b.getUserState(userID) {
	case stateAwaitingTopUpAmount:
		b.handleTopUpAmountInput(ctx, chatID, update.Message.From, text)
		return
	case stateAwaitingCreditTarget:
		b.handleCreditInput(ctx, chatID, text)
		return
	}

	switch text {
	case "/start":
		b.handleStart(ctx, chatID)
	case "🛒 Buy eSIM":
		b.handlePlansRequest(ctx, chatID)
	case "📊 My balance":
		b.handleBalanceRequest(ctx, chatID, userID)
	case "🔄 Check payment", "/check":
		b.handleCheckRequest(ctx, chatID, update.Message.From)
	case "➕ Top up balance":
		b.setState(userID, stateAwaitingTopUpAmount)
		b.sendMessage(chatID, "Enter the top-up amount in USDT:", tgbotapi.NewRemoveKeyboard(true))
	case "/admin":
		b.handleAdminReport(ctx, chatID, userID)
	case "/credit":
		b.handleCreditRequest(chatID, userID)
	case "/repair":
		b.handleRepairRequest(ctx, chatID, userID)
	default:
		b.sendMessage(chatID, "Unknown command. Please use the menu.", GetMainMenu())
	}
}

func (b *Bot) handleStart(_ context.Context, chatID int64) {
	welcomeText := "Welcome! Buy an eSIM data package and pay with USDT (TRC20) or from your balance."
	b.sendMessage(chatID, welcomeText, GetMainMenu())
}

func (b *Bot) handlePlansRequest(ctx context.Context, chatID int64) {
	packages, err := b.service.Packages(ctx)
	if err != nil {
		b.logger.Errorf("Failed to load packages: %v", err)
		b.sendMessage(chatID, "Could not load the package list. Please try again later.", GetMainMenu())
		return
	}
	if len(packages) == 0 {
		b.sendMessage(chatID, "No packages available right now. Please check back later.", GetMainMenu())
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range packages {
		price := p.PriceUSD()
		label := fmt.Sprintf("%s — %s — $%s", p.Location, p.Name, price.StringFixed(2))
		data := fmt.Sprintf("buy:%s:%s", p.PackageCode, price.StringFixed(2))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, data)))
	}

	msg := tgbotapi.NewMessage(chatID, "Select your eSIM plan:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.API.Send(msg); err != nil {
		b.logger.Errorf("Failed to send plan list: %v", err)
	}
}

func (b *Bot) handleCallbackQuery(callback *tgbotapi.CallbackQuery) {
	ctx := context.Background()

	if !strings.HasPrefix(callback.Data, "buy:") {
		b.answerCallback(callback.ID, "")
		return
	}

	parts := strings.Split(callback.Data, ":")
	if len(parts) != 3 {
		b.logger.Errorf("Invalid callback data: %s", callback.Data)
		b.answerCallback(callback.ID, "Something went wrong. Please pick a plan again.")
		return
	}
	packageCode := parts[1]

	price, err := decimal.NewFromString(parts[2])
	if err != nil {
		b.logger.Errorf("Invalid price in callback data %s: %v", callback.Data, err)
		b.answerCallback(callback.ID, "Something went wrong. Please pick a plan again.")
		return
	}

	b.answerCallback(callback.ID, "")

	chatID := callback.Message.Chat.ID
	result, err := b.service.Purchase(ctx, userKey(callback.From.ID), displayName(callback.From), packageCode, price)
	if err != nil {
		b.logger.Errorf("Purchase failed for user %d: %v", callback.From.ID, err)
		if errors.Is(err, models.ErrProviderRejected) {
			b.sendMessage(chatID, "❌ The provider could not accept the order. Your balance was not charged — please try again later.", GetMainMenu())
			return
		}
		b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
		return
	}

	b.sendPurchaseResult(chatID, result)
}

func (b *Bot) handleCheckRequest(ctx context.Context, chatID int64, from *tgbotapi.User) {
	userID := userKey(from.ID)

	open, err := b.service.GetOpenOrder(ctx, userID)
	if err != nil {
		b.logger.Errorf("Failed to get open order for %s: %v", userID, err)
		b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
		return
	}

	if open != nil {
		result, err := b.service.ReconcileOrder(ctx, open.ID)
		if err != nil {
			if errors.Is(err, models.ErrPaymentNotFound) {
				b.sendMessage(chatID, "❌ Payment not found yet. Please wait a bit and check again.", GetMainMenu())
				return
			}
			if errors.Is(err, models.ErrProviderRejected) {
				b.sendMessage(chatID, "✅ Payment received, but the provider could not accept the order. The amount stays on your balance — please try again later.", GetMainMenu())
				return
			}
			b.logger.Errorf("Reconciliation failed for order %d: %v", open.ID, err)
			b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
			return
		}

		if !result.Credited.IsZero() {
			b.sendMessage(chatID, fmt.Sprintf("✅ Payment received! `%s` USDT credited.", result.Credited.StringFixed(2)), nil)
		}
		switch {
		case result.Fulfillment != nil:
			b.sendPurchaseResult(chatID, result.Fulfillment)
		case result.Order.IsTopUp() && !result.Credited.IsZero():
			b.sendMessage(chatID, "Your balance has been topped up. Happy shopping!", GetMainMenu())
		default:
			// A concurrent pass already handled the order; report where it is.
			b.sendMessage(chatID, orderStatusText(result.Order), GetMainMenu())
		}
		return
	}

	// No unpaid order: a funded order may still be waiting on submission or
	// allocation.
	pending, err := b.service.GetUnfulfilledOrder(ctx, userID)
	if err != nil {
		b.logger.Errorf("Failed to get unfulfilled order for %s: %v", userID, err)
		b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
		return
	}
	if pending == nil {
		b.sendMessage(chatID, "No unpaid orders found.", GetMainMenu())
		return
	}

	result, err := b.service.CheckOrder(ctx, pending.ID)
	if err != nil {
		b.logger.Errorf("Check failed for order %d: %v", pending.ID, err)
		if errors.Is(err, models.ErrProviderRejected) {
			b.sendMessage(chatID, "❌ The provider could not accept the order. The amount stays on your balance — please try again later.", GetMainMenu())
			return
		}
		if errors.Is(err, models.ErrInsufficientBalance) {
			b.sendMessage(chatID, "Your balance no longer covers this order. Top it up and press \"🔄 Check payment\" again.", GetMainMenu())
			return
		}
		b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
		return
	}
	b.sendPurchaseResult(chatID, result)
}

// orderStatusText is the fallback reply when a check produced no state
// change: it always tells the user where the order stands.
func orderStatusText(order *models.Order) string {
	switch order.Status {
	case models.OrderAwaitingPayment:
		return fmt.Sprintf("Order #%d is awaiting payment. Complete the transfer and check again.", order.ID)
	case models.OrderPaid:
		return fmt.Sprintf("Order #%d is paid and queued for submission. Press \"🔄 Check payment\" again in a moment.", order.ID)
	case models.OrderSubmitted:
		return fmt.Sprintf("Order #%d was submitted and the provider is preparing your eSIM. Check again in a minute.", order.ID)
	case models.OrderAllocated:
		return fmt.Sprintf("Order #%d is complete — your eSIM has been issued.", order.ID)
	case models.OrderFailed:
		return fmt.Sprintf("Order #%d failed and the charge was returned to your balance. Please try again.", order.ID)
	}
	return fmt.Sprintf("Order #%d is %s.", order.ID, order.Status)
}

func (b *Bot) handleBalanceRequest(ctx context.Context, chatID, userID int64) {
	balance, err := b.service.GetBalance(ctx, userKey(userID))
	if err != nil {
		b.logger.Errorf("Failed to get balance for %d: %v", userID, err)
		b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
		return
	}
	b.sendMessage(chatID, fmt.Sprintf("Your current balance: `%s` USDT", balance.StringFixed(2)), GetMainMenu())
}

func (b *Bot) handleTopUpAmountInput(ctx context.Context, chatID int64, from *tgbotapi.User, text string) {
	b.setState(from.ID, stateDefault)

	amount, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil || !amount.IsPositive() {
		b.sendMessage(chatID, "Please enter a positive number, e.g. `10.00`.", GetMainMenu())
		return
	}

	result, err := b.service.TopUp(ctx, userKey(from.ID), displayName(from), amount)
	if err != nil {
		b.logger.Errorf("Top-up failed for user %d: %v", from.ID, err)
		b.sendMessage(chatID, "Something went wrong. Please try again later.", GetMainMenu())
		return
	}

	if result.Order.Amount.GreaterThan(amount) {
		b.sendMessage(chatID, fmt.Sprintf(
			"The minimum payment is `%s` USDT, so the top-up was rounded up. The full amount lands on your balance.",
			service.MinCharge.StringFixed(2)), nil)
	}
	b.sendInstructions(chatID, result.Instructions)
}

func (b *Bot) sendPurchaseResult(chatID int64, result *service.PurchaseResult) {
	if result.Instructions != nil {
		if result.Order.Amount.GreaterThan(result.Order.ListPrice) {
			b.sendMessage(chatID, fmt.Sprintf(
				"The minimum payment is `%s` USDT. The `%s` USDT above the plan price becomes balance credit.",
				service.MinCharge.StringFixed(2),
				result.Order.Surplus().StringFixed(2)), nil)
		}
		b.sendInstructions(chatID, result.Instructions)
		return
	}

	if result.Surplus.IsPositive() {
		b.sendMessage(chatID, fmt.Sprintf("`%s` USDT above the plan price was credited to your balance.", result.Surplus.StringFixed(2)), nil)
	}

	if len(result.Profiles) > 0 {
		for _, p := range result.Profiles {
			msgText := fmt.Sprintf(
				"✅ Your eSIM is ready!\n\n"+
					"📱 *ICCID:* `%s`\n"+
					"🔑 *Activation code:* `%s`\n"+
					"🔗 *QR code:* %s",
				p.ICCID, p.ActivationCode, p.QRCodeURL,
			)
			b.sendMessage(chatID, msgText, GetMainMenu())
		}
		return
	}

	if result.Pending {
		b.sendMessage(chatID,
			"✅ Payment received and the order was submitted. The provider is still preparing your eSIM — press \"🔄 Check payment\" in a minute to fetch it.",
			GetMainMenu())
		return
	}

	b.sendMessage(chatID, orderStatusText(result.Order), GetMainMenu())
}

func (b *Bot) sendInstructions(chatID int64, instructions *service.PaymentInstructions) {
	msgText := fmt.Sprintf(
		"Send exactly `%s` USDT (TRC20) to:\n\n`%s`\n\n"+
			"Memo/Tag: `%s`\n\n"+
			"After the transfer is visible on-chain, press \"🔄 Check payment\".",
		instructions.Amount.StringFixed(2),
		instructions.Address,
		instructions.Memo,
	)
	b.sendMessage(chatID, msgText, GetMainMenu())
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func displayName(from *tgbotapi.User) string {
	if from.UserName != "" {
		return from.UserName
	}
	return strings.TrimSpace(from.FirstName + " " + from.LastName)
}
