package config

import "time"

type Config struct {
	ServerAddr      string        `mapstructure:"server_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Заголовок, в котором прокси аутентификации передает тенанта сотрудника
	TenantHeader string `mapstructure:"tenant_header"`
}
