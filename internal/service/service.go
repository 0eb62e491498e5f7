package service

import (
	"context"
	"time"

	"github.com/Fi44er/esim_bot/internal/cache"
	"github.com/Fi44er/esim_bot/internal/esim"
	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/Fi44er/esim_bot/internal/tron"
	"github.com/Fi44er/esim_bot/utils"
	"github.com/shopspring/decimal"
)

// MinCharge is the minimum chargeable amount. Cheaper packages are rounded
// up to it and the surplus becomes standing balance credit.
var MinCharge = decimal.RequireFromString("5.00")

// matchTolerance absorbs fee and rounding noise between the requested
// amount and the observed transfer.
var matchTolerance = decimal.RequireFromString("0.01")

const (
	defaultPollRetries  = 15
	defaultPollInterval = 2 * time.Second

	catalogTTL      = 10 * time.Minute
	catalogCapacity = 4
)

type Repository interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error
	RecordAdjustment(ctx context.Context, userID string, delta decimal.Decimal, reason string) error
	CreditOrder(ctx context.Context, order *models.Order) error
	DebitOrder(ctx context.Context, order *models.Order) error
	DebitFulfillment(ctx context.Context, order *models.Order) error
	OrderFunding(ctx context.Context, orderID uint) (*models.BalanceAdjustment, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id uint) (*models.Order, error)
	GetOpenOrder(ctx context.Context, userID string) (*models.Order, error)
	GetUnfulfilledOrder(ctx context.Context, userID string) (*models.Order, error)
	TransitionOrder(ctx context.Context, id uint, expected, next string, fields map[string]interface{}) error
	FindUncreditedPaidOrders(ctx context.Context) ([]*models.Order, error)

	SalesReport(ctx context.Context) (*models.SalesReport, error)
}

// PaymentFeed observes the external ledger for the receiving address.
type PaymentFeed interface {
	RecentTransfers(ctx context.Context, address string) ([]tron.Transfer, error)
}

// Provisioner is the external eSIM provider.
type Provisioner interface {
	Packages(ctx context.Context) ([]esim.Package, error)
	SubmitOrder(ctx context.Context, memo, packageCode string, amount decimal.Decimal) (string, error)
	QueryProfiles(ctx context.Context, orderNo string) ([]models.ESIMProfile, error)
}

type Service struct {
	repo     Repository
	feed     PaymentFeed
	provider Provisioner
	logger   *utils.Logger

	walletAddress string
	adminChatID   int64

	catalog *cache.Cache[[]esim.Package]

	// Allocation polling knobs, overridable in tests.
	pollRetries  uint64
	pollInterval time.Duration
}

func NewService(
	repo Repository,
	feed PaymentFeed,
	provider Provisioner,
	walletAddress string,
	adminChatID int64,
	logger *utils.Logger,
) *Service {
	return &Service{
		repo:          repo,
		feed:          feed,
		provider:      provider,
		walletAddress: walletAddress,
		adminChatID:   adminChatID,
		logger:        logger,
		catalog:       cache.New[[]esim.Package](catalogTTL, catalogCapacity),
		pollRetries:   defaultPollRetries,
		pollInterval:  defaultPollInterval,
	}
}

func (s *Service) GetAdminChatID() int64 {
	return s.adminChatID
}

func (s *Service) WalletAddress() string {
	return s.walletAddress
}

func (s *Service) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, userID)
}

func (s *Service) GetOpenOrder(ctx context.Context, userID string) (*models.Order, error) {
	return s.repo.GetOpenOrder(ctx, userID)
}

func (s *Service) GetUnfulfilledOrder(ctx context.Context, userID string) (*models.Order, error) {
	return s.repo.GetUnfulfilledOrder(ctx, userID)
}
