package config

import "time"

type Config struct {
	ProviderBaseURL string `mapstructure:"provider_base_url"`
	// Токен платформы: подписки оплачиваются на аккаунт платформы, а не тенанта
	PlatformAccessToken string        `mapstructure:"platform_access_token"`
	RetryCount          int           `mapstructure:"retry_count"`
	RetryWait           time.Duration `mapstructure:"retry_wait"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MonthlyPrice        float64       `mapstructure:"monthly_price"`
	AnnualPrice         float64       `mapstructure:"annual_price"`
	CurrencyID          string        `mapstructure:"currency_id"`
	// Адрес вебхука подписок, который передается провайдеру в preference
	NotificationURL string `mapstructure:"notification_url"`
}
