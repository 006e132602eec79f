package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"

	"github.com/example/gym-scheduler/internal/membership"
)

const (
	// StoreSQLite selects the SQLite-backed document store.
	StoreSQLite = "sqlite"
	// StoreMemory selects the in-process store; data is lost on restart.
	StoreMemory = "memory"
)

// Config captures environment driven configuration values for the gym service.
type Config struct {
	HTTPPort       int    `validate:"gte=1,lte=65535"`
	Store          string `validate:"oneof=sqlite memory"`
	SQLiteDSN      string `validate:"required_if=Store sqlite"`
	JWTSecret      string `validate:"omitempty,min=8"`
	NATSURL        string `validate:"omitempty,url"`
	QuotaBronze    int    `validate:"gte=0"`
	QuotaSilver    int    `validate:"gte=0"`
	QuotaGold      int    `validate:"gte=0"`
	TxMaxRetries   int    `validate:"gte=0,lte=50"`
	ResyncInterval time.Duration
	Timezone       string `validate:"required"`
	Location       *time.Location
	CORSOrigins    []string
	OTELEndpoint   string
}

// Policy returns the membership quota table described by the configuration.
func (c Config) Policy() membership.Policy {
	return membership.Policy{Bronze: c.QuotaBronze, Silver: c.QuotaSilver, Gold: c.QuotaGold}
}

var fieldKeys = map[string]string{
	"HTTPPort":     "GYM_HTTP_PORT",
	"Store":        "GYM_STORE",
	"SQLiteDSN":    "GYM_SQLITE_DSN",
	"JWTSecret":    "GYM_JWT_SECRET",
	"NATSURL":      "GYM_NATS_URL",
	"QuotaBronze":  "GYM_QUOTA_BRONZE",
	"QuotaSilver":  "GYM_QUOTA_SILVER",
	"QuotaGold":    "GYM_QUOTA_GOLD",
	"TxMaxRetries": "GYM_TX_MAX_RETRIES",
	"Timezone":     "GYM_TIMEZONE",
}

// DefaultSQLiteDSN enables a busy timeout and immediate write locks so
// concurrent transactions queue instead of failing.
const DefaultSQLiteDSN = "file:gym.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// Load parses configuration values from the current process environment.
//
// The loader applies defaults for optional fields while validating required
// values and reporting every missing or malformed key at once.
func Load() (Config, error) {
	return load(roleAPI)
}

// LoadWorker parses the configuration of the notification worker. The worker
// never verifies tokens, so GYM_JWT_SECRET is optional, while GYM_NATS_URL is
// required.
func LoadWorker() (Config, error) {
	return load(roleWorker)
}

type role int

const (
	roleAPI role = iota
	roleWorker
)

func load(r role) (Config, error) {
	policy := membership.DefaultPolicy()
	cfg := Config{
		HTTPPort:       8080,
		Store:          StoreSQLite,
		SQLiteDSN:      DefaultSQLiteDSN,
		QuotaBronze:    policy.Bronze,
		QuotaSilver:    policy.Silver,
		QuotaGold:      policy.Gold,
		TxMaxRetries:   4,
		ResyncInterval: time.Minute,
		Timezone:       "America/Argentina/Buenos_Aires",
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 2)

	parseInt := func(key string, target *int) {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			return
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			invalid = append(invalid, key)
			return
		}
		*target = n
	}

	parseInt("GYM_HTTP_PORT", &cfg.HTTPPort)
	parseInt("GYM_QUOTA_BRONZE", &cfg.QuotaBronze)
	parseInt("GYM_QUOTA_SILVER", &cfg.QuotaSilver)
	parseInt("GYM_QUOTA_GOLD", &cfg.QuotaGold)
	parseInt("GYM_TX_MAX_RETRIES", &cfg.TxMaxRetries)

	if store := strings.TrimSpace(os.Getenv("GYM_STORE")); store != "" {
		cfg.Store = strings.ToLower(store)
	}

	if dsn := strings.TrimSpace(os.Getenv("GYM_SQLITE_DSN")); dsn != "" {
		cfg.SQLiteDSN = dsn
	}

	cfg.JWTSecret = strings.TrimSpace(os.Getenv("GYM_JWT_SECRET"))
	if cfg.JWTSecret == "" && r == roleAPI {
		missing = append(missing, "GYM_JWT_SECRET")
	}

	cfg.NATSURL = strings.TrimSpace(os.Getenv("GYM_NATS_URL"))
	if cfg.NATSURL == "" && r == roleWorker {
		missing = append(missing, "GYM_NATS_URL")
	}
	cfg.OTELEndpoint = strings.TrimSpace(os.Getenv("GYM_OTEL_ENDPOINT"))

	if intervalValue := strings.TrimSpace(os.Getenv("GYM_RESYNC_INTERVAL")); intervalValue != "" {
		interval, err := time.ParseDuration(intervalValue)
		if err != nil || interval <= 0 {
			invalid = append(invalid, "GYM_RESYNC_INTERVAL")
		} else {
			cfg.ResyncInterval = interval
		}
	}

	if tz := strings.TrimSpace(os.Getenv("GYM_TIMEZONE")); tz != "" {
		cfg.Timezone = tz
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		invalid = append(invalid, "GYM_TIMEZONE")
	} else {
		cfg.Location = loc
	}

	if origins := strings.TrimSpace(os.Getenv("GYM_CORS_ORIGINS")); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("faltan variables de entorno obligatorias: %s", strings.Join(missing, ", "))
	}

	invalid = appendValidationFailures(invalid, cfg)
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("valores inválidos en variables de entorno: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func appendValidationFailures(invalid []string, cfg Config) []string {
	err := validate.Struct(cfg)
	if err == nil {
		return invalid
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return append(invalid, err.Error())
	}

	for _, fe := range fieldErrs {
		key, ok := fieldKeys[fe.StructField()]
		if !ok {
			key = fe.StructField()
		}
		if !contains(invalid, key) {
			invalid = append(invalid, key)
		}
	}
	return invalid
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
