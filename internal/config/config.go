package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	JWTSecret   string
	DatabaseURL string
	DBMaxConns  int32
	StoreDriver string
	CORSOrigins []string
	LogLevel    string
	LogFormat   string

	// PaymentProvider is the provider new checkouts are created with.
	PaymentProvider       string
	RazorpayWebhookSecret string
	StripeWebhookSecret   string

	TrialDays             int
	InvoiceNumberAttempts int
	InvoiceDueDays        int
}

// LoadDotEnv reads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	port, err := getInt("PORT", 4001)
	if err != nil {
		return nil, err
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	driver := strings.ToLower(getEnv("STORE_DRIVER", StorePostgres))
	if driver != StorePostgres && driver != StoreMemory {
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, driver)
	}

	dbURL := getEnv("DATABASE_URL", "")
	if driver == StorePostgres && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	maxConns, err := getInt("DB_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(getEnv("PAYMENT_PROVIDER", "razorpay"))
	if provider != "razorpay" && provider != "stripe" {
		return nil, fmt.Errorf("PAYMENT_PROVIDER must be razorpay or stripe, got %q", provider)
	}

	trialDays, err := getInt("TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	attempts, err := getInt("INVOICE_NUMBER_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	if attempts < 1 {
		return nil, fmt.Errorf("INVOICE_NUMBER_ATTEMPTS must be at least 1")
	}
	dueDays, err := getInt("INVOICE_DUE_DAYS", 30)
	if err != nil {
		return nil, err
	}

	origins := strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	return &Config{
		Port:                  port,
		JWTSecret:             jwtSecret,
		DatabaseURL:           dbURL,
		DBMaxConns:            int32(maxConns),
		StoreDriver:           driver,
		CORSOrigins:           origins,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		PaymentProvider:       provider,
		RazorpayWebhookSecret: getEnv("RAZORPAY_WEBHOOK_SECRET", ""),
		StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		TrialDays:             trialDays,
		InvoiceNumberAttempts: attempts,
		InvoiceDueDays:        dueDays,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
