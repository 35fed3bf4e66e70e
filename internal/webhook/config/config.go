package config

import "time"

type Config struct {
	PaymentSecret      string        `mapstructure:"payment_secret"`
	SubscriptionSecret string        `mapstructure:"subscription_secret"`
	SignatureWindow    time.Duration `mapstructure:"signature_window"`
}
