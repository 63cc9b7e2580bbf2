/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the loyalty-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                string  `mapstructure:"DATABASE_URL"`
	RedisURL                   string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string  `mapstructure:"RABBITMQ_URL"`
	VenueServiceURL            string  `mapstructure:"VENUE_SERVICE_URL"`
	VenueServiceInternalAPIKey string  `mapstructure:"VENUE_SERVICE_INTERNAL_API_KEY"`
	ClerkJWKSURL               string  `mapstructure:"CLERK_JWKS_URL"`
	GeofenceRadiusMeters       float64 `mapstructure:"GEOFENCE_RADIUS_METERS"`
	StampWindowHours           int     `mapstructure:"STAMP_WINDOW_HOURS"`
	DefaultRewardExpiryDays    int     `mapstructure:"DEFAULT_REWARD_EXPIRY_DAYS"`
	CheckInBurstLimitPerMinute int     `mapstructure:"CHECKIN_BURST_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "loyalty:rate_limit")
	viper.SetDefault("GEOFENCE_RADIUS_METERS", 50.0)
	viper.SetDefault("STAMP_WINDOW_HOURS", 24)
	viper.SetDefault("DEFAULT_REWARD_EXPIRY_DAYS", 180)
	viper.SetDefault("CHECKIN_BURST_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LOYALTY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("VENUE_SERVICE_URL")
	_ = viper.BindEnv("VENUE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("GEOFENCE_RADIUS_METERS")
	_ = viper.BindEnv("STAMP_WINDOW_HOURS")
	_ = viper.BindEnv("DEFAULT_REWARD_EXPIRY_DAYS")
	_ = viper.BindEnv("CHECKIN_BURST_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "loyalty:rate_limit"
	}

	if config.GeofenceRadiusMeters <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive geofence radius configured; using default\" radius_m=%f", config.GeofenceRadiusMeters)
		config.GeofenceRadiusMeters = 50.0
	}
	if config.StampWindowHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive stamp window configured; using default\" window_hours=%d", config.StampWindowHours)
		config.StampWindowHours = 24
	}
	if config.DefaultRewardExpiryDays <= 0 {
		config.DefaultRewardExpiryDays = 180
	}
	if config.CheckInBurstLimitPerMinute < 0 {
		config.CheckInBurstLimitPerMinute = 0
	}

	return
}
