package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Application-arbiter window defaults. Development keys get the permissive
// pair; production keys get the strict pair unless overridden.
const (
	devSecondsLimit  = 20
	devSecondsWindow = 1
	devMinutesLimit  = 100
	devMinutesWindow = 120

	prodSecondsLimit  = 500
	prodSecondsWindow = 10
	prodMinutesLimit  = 30000
	prodMinutesWindow = 600
)

// InvalidConfigError reports a missing or malformed configuration value.
type InvalidConfigError struct {
	Name   string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Name, e.Reason)
}

// Config holds all governor configuration values.
type Config struct {
	// Upstream credential
	RiotAPIKey string

	// Shared store coordinates
	RedisHost string
	RedisPort string

	// Diagnostics
	Debug bool

	// Production selects the strict application-arbiter defaults and
	// unlocks the custom overrides below.
	Production bool

	// Application-arbiter overrides, production only. Zero means unset.
	CustomSecondsLimit  int
	CustomSecondsWindow int
	CustomMinutesLimit  int
	CustomMinutesWindow int
}

// Load reads configuration from environment variables and an optional .env
// file. Required values that are missing or malformed fail loudly.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	if cfg.RiotAPIKey, err = requireEnv("WARDEN_RIOT_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.RedisHost, err = requireEnv("WARDEN_REDIS_HOST"); err != nil {
		return nil, err
	}
	if cfg.RedisPort, err = requireEnv("WARDEN_REDIS_PORT"); err != nil {
		return nil, err
	}
	if cfg.Debug, err = requireFlag("WARDEN_DEBUG"); err != nil {
		return nil, err
	}
	if cfg.Production, err = requireFlag("WARDEN_PRODUCTION"); err != nil {
		return nil, err
	}

	if cfg.CustomSecondsLimit, err = optionalPositiveInt("WARDEN_CUSTOM_SECONDS_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.CustomSecondsWindow, err = optionalPositiveInt("WARDEN_CUSTOM_SECONDS_WINDOW"); err != nil {
		return nil, err
	}
	if cfg.CustomMinutesLimit, err = optionalPositiveInt("WARDEN_CUSTOM_MINUTES_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.CustomMinutesWindow, err = optionalPositiveInt("WARDEN_CUSTOM_MINUTES_WINDOW"); err != nil {
		return nil, err
	}

	hasCustom := cfg.CustomSecondsLimit > 0 || cfg.CustomSecondsWindow > 0 ||
		cfg.CustomMinutesLimit > 0 || cfg.CustomMinutesWindow > 0
	if hasCustom && !cfg.Production {
		return nil, &InvalidConfigError{
			Reason: "only production API keys have custom limits; either set WARDEN_PRODUCTION=1 or remove all WARDEN_CUSTOM variables",
		}
	}

	return cfg, nil
}

// RedisAddr returns the shared store address in host:port form.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// AppRate returns the application-arbiter window settings implied by the
// production flag and any custom overrides. All values are in requests and
// seconds.
func (c *Config) AppRate() (secondsLimit, secondsWindow, minutesLimit, minutesWindow int) {
	if !c.Production {
		return devSecondsLimit, devSecondsWindow, devMinutesLimit, devMinutesWindow
	}
	secondsLimit = prodSecondsLimit
	secondsWindow = prodSecondsWindow
	minutesLimit = prodMinutesLimit
	minutesWindow = prodMinutesWindow
	if c.CustomSecondsLimit > 0 {
		secondsLimit = c.CustomSecondsLimit
	}
	if c.CustomSecondsWindow > 0 {
		secondsWindow = c.CustomSecondsWindow
	}
	if c.CustomMinutesLimit > 0 {
		minutesLimit = c.CustomMinutesLimit
	}
	if c.CustomMinutesWindow > 0 {
		minutesWindow = c.CustomMinutesWindow
	}
	return secondsLimit, secondsWindow, minutesLimit, minutesWindow
}

func requireEnv(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", &InvalidConfigError{Name: key, Reason: "missing; set it in your environment or .env file"}
	}
	return v, nil
}

func requireFlag(key string) (bool, error) {
	v, err := requireEnv(key)
	if err != nil {
		return false, err
	}
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, &InvalidConfigError{Name: key, Reason: fmt.Sprintf("must be 0 or 1, got %q", v)}
}

func optionalPositiveInt(key string) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, &InvalidConfigError{Name: key, Reason: fmt.Sprintf("must be an integer > 0, got %q", v)}
	}
	return n, nil
}
