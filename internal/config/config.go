package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Ledger   LedgerConfig
	Price    PriceConfig
	Oracle   OracleConfig
	Redis    RedisConfig
	Solana   SolanaConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// ServerConfig holds server settings
type ServerConfig struct {
	Port        string
	FrontendURL string
	LogLevel    string
}

// LedgerConfig holds round and settlement parameters.
// Token amounts are in base units; rates are basis points.
type LedgerConfig struct {
	RoundDuration       time.Duration
	PollInterval        time.Duration
	TokenDecimals       int32
	MinStake            int64
	MaxStake            int64
	PlatformFeeBps      int64
	EmergencyGrace      time.Duration
	EmergencyPenaltyBps int64
	FundingVerifyWindow time.Duration
	ReleaseExpiry       time.Duration
}

// PriceConfig holds price snapshot cache settings
type PriceConfig struct {
	Staleness         time.Duration
	HistoryTTL        time.Duration
	HistoryCapacity   int
	SampleInterval    time.Duration
	BroadcastInterval time.Duration
}

// OracleConfig holds the upstream price source settings
type OracleConfig struct {
	CoinGeckoID      string
	CryptoCompareSym string
	CoinGeckoAPIKey  string
	RequestTimeout   time.Duration
}

// RedisConfig holds the optional Redis connection. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SolanaConfig holds token custody settings
type SolanaConfig struct {
	Network                string
	RPCURL                 string
	TokenMintAddress       string
	TreasuryAddress        string
	ServerWalletPrivateKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	decimals := getEnvInt("TOKEN_DECIMALS", 9)
	unit := pow10(decimals)

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "prediction_rounds"),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			FrontendURL: getEnv("FRONTEND_URL", ""),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Ledger: LedgerConfig{
			RoundDuration:       getEnvDuration("ROUND_DURATION", 24*time.Hour),
			PollInterval:        getEnvDuration("ROUND_POLL_INTERVAL", 5*time.Second),
			TokenDecimals:       int32(decimals),
			MinStake:            int64(getEnvInt("MIN_STAKE_TOKENS", 100)) * unit,
			MaxStake:            int64(getEnvInt("MAX_STAKE_TOKENS", 100000)) * unit,
			PlatformFeeBps:      int64(getEnvInt("PLATFORM_FEE_BPS", 300)),
			EmergencyGrace:      getEnvDuration("EMERGENCY_GRACE", 48*time.Hour),
			EmergencyPenaltyBps: int64(getEnvInt("EMERGENCY_PENALTY_BPS", 1000)),
			FundingVerifyWindow: getEnvDuration("FUNDING_VERIFY_WINDOW", 10*time.Minute),
			ReleaseExpiry:       getEnvDuration("RELEASE_EXPIRY", 2*time.Minute),
		},
		Price: PriceConfig{
			Staleness:         getEnvDuration("PRICE_STALENESS", 10*time.Second),
			HistoryTTL:        getEnvDuration("PRICE_HISTORY_TTL", 5*time.Minute),
			HistoryCapacity:   getEnvInt("PRICE_HISTORY_CAPACITY", 1440),
			SampleInterval:    getEnvDuration("PRICE_SAMPLE_INTERVAL", time.Minute),
			BroadcastInterval: getEnvDuration("PRICE_BROADCAST_INTERVAL", 5*time.Second),
		},
		Oracle: OracleConfig{
			CoinGeckoID:      getEnv("ORACLE_COINGECKO_ID", "solana"),
			CryptoCompareSym: getEnv("ORACLE_CRYPTOCOMPARE_SYMBOL", "SOL"),
			CoinGeckoAPIKey:  getEnv("COINGECKO_API_KEY", ""),
			RequestTimeout:   getEnvDuration("ORACLE_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Solana: SolanaConfig{
			Network:                getEnv("SOLANA_NETWORK", "devnet"),
			RPCURL:                 getEnv("SOLANA_RPC_URL", ""),
			TokenMintAddress:       getEnv("TOKEN_MINT_ADDRESS", ""),
			TreasuryAddress:        getEnv("TREASURY_ADDRESS", ""),
			ServerWalletPrivateKey: getEnv("SERVER_WALLET_PRIVATE_KEY", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks ledger parameters for internal consistency
func (c *Config) Validate() error {
	l := c.Ledger
	if l.RoundDuration <= 0 {
		return fmt.Errorf("ROUND_DURATION must be positive")
	}
	if l.PollInterval <= 0 {
		return fmt.Errorf("ROUND_POLL_INTERVAL must be positive")
	}
	if l.MinStake <= 0 || l.MaxStake < l.MinStake {
		return fmt.Errorf("stake bounds invalid: min=%d max=%d", l.MinStake, l.MaxStake)
	}
	if l.PlatformFeeBps < 0 || l.PlatformFeeBps >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000)")
	}
	if l.EmergencyPenaltyBps < 0 || l.EmergencyPenaltyBps > 10000 {
		return fmt.Errorf("EMERGENCY_PENALTY_BPS must be in [0, 10000]")
	}
	if l.FundingVerifyWindow < 0 {
		return fmt.Errorf("FUNDING_VERIFY_WINDOW must not be negative")
	}
	if l.ReleaseExpiry <= 0 {
		return fmt.Errorf("RELEASE_EXPIRY must be positive")
	}
	if c.Price.HistoryCapacity <= 0 {
		return fmt.Errorf("PRICE_HISTORY_CAPACITY must be positive")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
	)
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
