// internal/common/config/config.go
package config

import (
	"fmt"

	"shiftmatch/internal/models"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Matching      MatchingConfig     `mapstructure:"matching"`
	Escrow        EscrowConfig       `mapstructure:"escrow"`
	Assignment    AssignmentConfig   `mapstructure:"assignment"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ElasticsearchConfig struct {
	Addresses      []string `mapstructure:"addresses"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	CandidateIndex string   `mapstructure:"candidate_index"`
}

// --- Domain Configuration Sections ---

// MatchingConfig tunes the match engine and its candidate sources.
type MatchingConfig struct {
	Weights models.ScoreWeights `mapstructure:"weights"`

	// DefaultTravelRadiusKm is used when a candidate has not configured one.
	DefaultTravelRadiusKm float64 `mapstructure:"default_travel_radius_km"`

	// SnapshotCacheTTL / ScoreCacheTTL are redis TTLs in milliseconds.
	SnapshotCacheTTL int `mapstructure:"snapshot_cache_ttl"`
	ScoreCacheTTL    int `mapstructure:"score_cache_ttl"`

	// PoolSize caps elasticsearch discovery results per shift.
	PoolSize int `mapstructure:"pool_size"`
}

// EscrowConfig tunes the ledger and the settlement scheduler.
type EscrowConfig struct {
	// ReleaseGraceDelay is the dispute window after completion, milliseconds.
	ReleaseGraceDelay int `mapstructure:"release_grace_delay"`

	// PollInterval / BatchSize drive the scheduled-release executor.
	PollInterval int `mapstructure:"poll_interval"`
	BatchSize    int `mapstructure:"batch_size"`

	Currency string `mapstructure:"currency"`
}

// AssignmentConfig tunes the state machine's time windows.
type AssignmentConfig struct {
	// CheckInEarlyWindow: how long before StartsAt check-in opens, milliseconds.
	CheckInEarlyWindow int `mapstructure:"check_in_early_window"`

	// CheckInLapse: how long after StartsAt an assigned worker may be marked
	// no-show without having checked in, milliseconds.
	CheckInLapse int `mapstructure:"check_in_lapse"`
}

// NotificationConfig holds settings for the outbound event dispatcher.
type NotificationConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
	SES struct {
		Enabled       bool   `mapstructure:"enabled"`
		FromEmail     string `mapstructure:"from_email"`
		OperatorEmail string `mapstructure:"operator_email"`
	} `mapstructure:"ses"`
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
