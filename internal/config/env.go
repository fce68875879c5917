package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Default KIS endpoints per mode.
const (
	DefaultProdBase  = "https://openapi.koreainvestment.com:9443"
	DefaultPaperBase = "https://openapivts.koreainvestment.com:29443"
)

// Environment bundles everything needed to talk to the KIS API for one
// mode. Resolved once per request path and never persisted.
type Environment struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	Account   string
	Product   string
	UserAgent string
	Mode      string // "paper" | "prod"
}

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// LoadDotenv pulls a .env file into the process environment if one
// exists. A missing file is not an error; credentials may come from
// the real environment.
func LoadDotenv() bool {
	if err := godotenv.Load(); err != nil {
		return false
	}
	return true
}

// Resolve maps a mode name to its environment bundle. Paper mode falls
// back to the prod account number when no paper account is configured,
// matching how KIS issues paper accounts alongside real ones.
func Resolve(mode string) (Environment, error) {
	switch mode {
	case "prod":
		return Environment{
			BaseURL:   getenv("BASE_PROD", DefaultProdBase),
			AppKey:    os.Getenv("APP_KEY"),
			AppSecret: os.Getenv("APP_SECRET"),
			Account:   os.Getenv("ACCT_STOCK"),
			Product:   getenv("PROD_CODE", "01"),
			UserAgent: getenv("USER_AGENT", "kis-trader/1.0"),
			Mode:      "prod",
		}, nil
	case "paper":
		account := os.Getenv("PAPER_ACCT_STOCK")
		if account == "" {
			account = os.Getenv("ACCT_STOCK")
		}
		return Environment{
			BaseURL:   getenv("BASE_PAPER", DefaultPaperBase),
			AppKey:    os.Getenv("PAPER_APP_KEY"),
			AppSecret: os.Getenv("PAPER_APP_SECRET"),
			Account:   account,
			Product:   getenv("PROD_CODE", "01"),
			UserAgent: getenv("USER_AGENT", "kis-trader/1.0"),
			Mode:      "paper",
		}, nil
	default:
		return Environment{}, &ConfigError{Field: "mode", Message: fmt.Sprintf("unknown mode %q (want paper or prod)", mode)}
	}
}

// HasCredentials reports whether both app key and secret are present.
func (e Environment) HasCredentials() bool {
	return e.AppKey != "" && e.AppSecret != ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
