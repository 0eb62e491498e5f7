package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	AdminChatID      int64  `mapstructure:"ADMIN_CHAT_ID"`
	DB_URL           string `mapstructure:"DB_URL"`

	// Receiving TRC20 address payments are matched against.
	WalletAddress string `mapstructure:"WALLET_ADDRESS"`
	TronscanURL   string `mapstructure:"TRONSCAN_URL"`

	ESIMApiURL     string `mapstructure:"ESIM_API_URL"`
	ESIMAccessCode string `mapstructure:"ESIM_ACCESS_CODE"`
}

func LoadConfig(path string) (config Config, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return config, fmt.Errorf("failed to resolve config path: %w", err)
	}

	viper.AddConfigPath(filepath.Dir(absPath))
	viper.SetConfigName(filepath.Base(absPath))
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("TRONSCAN_URL", "https://apilist.tronscanapi.com")
	viper.SetDefault("ESIM_API_URL", "https://api.esimaccess.com")

	if err := viper.ReadInConfig(); err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
