package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

// Config captures runtime configuration values used by the webhook service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `validate:"required"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `validate:"required"`

	// RedisURL enables the shared OAuth token cache when set.
	RedisURL string `validate:"omitempty,url"`

	PayPal PayPal

	// Plans maps provider plan ids to tier, cadence and billing option.
	Plans []models.PlanMapping `validate:"dive"`

	// EliteSeatCapacity is the number of elite monthly seats. Defaults to 50, which is
	// also the upper bound the schema allows for seat numbers.
	EliteSeatCapacity int `validate:"min=1,max=50"`

	// WorkerEnabled runs the follow-up job worker inside the server process.
	WorkerEnabled bool
}

// PayPal holds provider credentials and environment selection.
type PayPal struct {
	ClientID     string
	ClientSecret string
	// WebhookID is the pre-shared webhook identifier used for signature verification.
	WebhookID string
	// Environment is "sandbox" or "live". Live is the production execution mode.
	Environment string        `validate:"oneof=sandbox live"`
	HTTPTimeout time.Duration `validate:"gt=0"`
}

// Live reports whether the service runs against the live provider.
func (p PayPal) Live() bool {
	return p.Environment == EnvironmentLive
}

const (
	EnvironmentSandbox = "sandbox"
	EnvironmentLive    = "live"

	defaultServerAddress = ":18111"
	defaultHTTPTimeout   = 10 * time.Second

	envServerAddress     = "BACKEND_ADDR"
	envDatabaseURL       = "DATABASE_URL"
	envRedisURL          = "REDIS_URL"
	envPayPalClientID    = "PAYPAL_CLIENT_ID"
	envPayPalSecret      = "PAYPAL_CLIENT_SECRET"
	envPayPalWebhookID   = "PAYPAL_WEBHOOK_ID"
	envPayPalEnvironment = "PAYPAL_ENV"
	envPayPalHTTPTimeout = "PAYPAL_HTTP_TIMEOUT"
	envPlansFile         = "PAYPAL_PLANS_FILE"
	envEliteSeats        = "ELITE_SEAT_CAPACITY"
	envWorkerEnabled     = "WORKER_ENABLED"

	// planEnvPrefix starts one variable per plan, e.g. PAYPAL_PLAN_DIAMOND_YEARLY_SPLIT=P-123.
	planEnvPrefix = "PAYPAL_PLAN_"
)

var validate = validator.New()

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress: firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:   strings.TrimSpace(os.Getenv(envDatabaseURL)),
		RedisURL:      strings.TrimSpace(os.Getenv(envRedisURL)),
		PayPal: PayPal{
			ClientID:     os.Getenv(envPayPalClientID),
			ClientSecret: os.Getenv(envPayPalSecret),
			WebhookID:    strings.TrimSpace(os.Getenv(envPayPalWebhookID)),
			Environment:  strings.ToLower(firstNonEmpty(os.Getenv(envPayPalEnvironment), EnvironmentSandbox)),
			HTTPTimeout:  defaultHTTPTimeout,
		},
		EliteSeatCapacity: models.EliteSeatCapacity,
		WorkerEnabled:     true,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	if value := os.Getenv(envPayPalHTTPTimeout); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envPayPalHTTPTimeout, err)
		}
		cfg.PayPal.HTTPTimeout = d
	}
	if value := os.Getenv(envEliteSeats); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envEliteSeats, err)
		}
		cfg.EliteSeatCapacity = n
	}
	if value := os.Getenv(envWorkerEnabled); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envWorkerEnabled, err)
		}
		cfg.WorkerEnabled = enabled
	}

	plans, err := plansFromEnv(os.Environ())
	if err != nil {
		return Config{}, err
	}
	if path := os.Getenv(envPlansFile); path != "" {
		filePlans, err := LoadPlansFile(path)
		if err != nil {
			return Config{}, err
		}
		plans = append(plans, filePlans...)
	}
	cfg.Plans = plans

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.PayPal.Live() && (cfg.PayPal.ClientID == "" || cfg.PayPal.ClientSecret == "") {
		return Config{}, fmt.Errorf("%s and %s are required when %s=%s", envPayPalClientID, envPayPalSecret, envPayPalEnvironment, EnvironmentLive)
	}

	return cfg, nil
}

// plansFromEnv collects PAYPAL_PLAN_<TIER>_<CADENCE>[_<OPTION>] variables. The
// result is sorted by variable name so lookups are deterministic.
func plansFromEnv(environ []string) ([]models.PlanMapping, error) {
	var names []string
	values := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, planEnvPrefix) {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		names = append(names, name)
		values[name] = value
	}
	sort.Strings(names)

	plans := make([]models.PlanMapping, 0, len(names))
	for _, name := range names {
		parts := strings.Split(strings.ToLower(strings.TrimPrefix(name, planEnvPrefix)), "_")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid plan variable %s: expected %s<TIER>_<CADENCE>[_<OPTION>]", name, planEnvPrefix)
		}
		plan := models.PlanMapping{
			PlanID:  values[name],
			Tier:    models.Tier(parts[0]),
			Cadence: models.Cadence(parts[1]),
		}
		if len(parts) == 3 {
			plan.BillingOption = models.BillingOption(parts[2])
		}
		plans = append(plans, plan)
	}

	return plans, nil
}

type plansFile struct {
	Plans []models.PlanMapping `yaml:"plans"`
}

// LoadPlansFile reads additional plan mappings from a YAML document of the form
//
//	plans:
//	  - plan_id: P-123
//	    tier: diamond
//	    cadence: yearly
//	    billing_option: split
func LoadPlansFile(path string) ([]models.PlanMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	var doc plansFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plans file %s: %w", path, err)
	}

	for i := range doc.Plans {
		p := &doc.Plans[i]
		p.PlanID = strings.TrimSpace(p.PlanID)
		p.Tier = models.Tier(strings.ToLower(string(p.Tier)))
		p.Cadence = models.Cadence(strings.ToLower(string(p.Cadence)))
		p.BillingOption = models.BillingOption(strings.ToLower(string(p.BillingOption)))
	}

	return doc.Plans, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
