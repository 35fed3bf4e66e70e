package config

import "time"

type Config struct {
	GeneralThreshold time.Duration `mapstructure:"general_threshold"`
	KitchenThreshold time.Duration `mapstructure:"kitchen_threshold"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
}
