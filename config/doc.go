// Package config loads service configuration from YAML files, .env files
// and environment variables using viper.
//
// Environment variables override file values; DATABASE_MAX_OPEN_CONNS
// reaches database.max_open_conns.
package config
