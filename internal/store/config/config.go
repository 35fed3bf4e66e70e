package config

type Config struct {
	DBDsn         string `mapstructure:"db_dsn"`
	MigrateOnBoot bool   `mapstructure:"migrate_on_boot"`
}
