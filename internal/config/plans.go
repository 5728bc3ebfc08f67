package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlanFree is the plan every account starts on. Activating it never grants
// tokens and downgrading to it never claws tokens back.
const PlanFree = "free"

// Plan describes one subscription tier and its monthly token allotment.
type Plan struct {
	Code            string `mapstructure:"code"`
	Name            string `mapstructure:"name"`
	TokensPerPeriod int64  `mapstructure:"tokensPerPeriod"`
	Period          string `mapstructure:"period"`
	StripePriceID   string `mapstructure:"stripePriceId"`
}

type PlanCatalog struct {
	Plans []Plan `mapstructure:"plans"`
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Plans: []Plan{
			{Code: PlanFree, Name: "Free", TokensPerPeriod: 0, Period: "MONTHLY"},
			{Code: "starter", Name: "Starter", TokensPerPeriod: 300, Period: "MONTHLY"},
			{Code: "pro", Name: "Pro", TokensPerPeriod: 1500, Period: "MONTHLY"},
			{Code: "agency", Name: "Agency", TokensPerPeriod: 6000, Period: "MONTHLY"},
		},
	}
}

// PlanCatalogHolder serves the current plan catalog and hot-reloads it when
// the mounted plans.yml changes.
type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

func NewPlanCatalogHolder() (*PlanCatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/adforge/config") // Volume-mounted config
	v.AddConfigPath("/etc/adforge")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("ADFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPlanCatalog()
		v.SetDefault("billing.plans", defaults.Plans)
	}

	var catalog PlanCatalog
	if err := v.UnmarshalKey("billing", &catalog); err != nil {
		return nil, err
	}
	if err := validatePlanCatalog(catalog); err != nil {
		return nil, err
	}

	holder := &PlanCatalogHolder{}
	holder.current.Store(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanCatalog
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[plan-catalog] reload failed: %v", err)
			return
		}
		if err := validatePlanCatalog(updated); err != nil {
			log.Printf("[plan-catalog] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plan-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

// FindPlan resolves a plan by code. The bool result is false for unknown codes.
func (h *PlanCatalogHolder) FindPlan(code string) (Plan, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, plan := range h.Get().Plans {
		if plan.Code == code {
			return plan, true
		}
	}
	return Plan{}, false
}

// FindPlanByPriceID resolves a plan from a Stripe price id carried on
// subscription webhooks.
func (h *PlanCatalogHolder) FindPlanByPriceID(priceID string) (Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Plan{}, false
	}
	for _, plan := range h.Get().Plans {
		if plan.StripePriceID == priceID {
			return plan, true
		}
	}
	return Plan{}, false
}

func validatePlanCatalog(catalog PlanCatalog) error {
	if len(catalog.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(catalog.Plans))
	hasFree := false
	for _, plan := range catalog.Plans {
		code := strings.ToLower(strings.TrimSpace(plan.Code))
		if code == "" {
			return errors.New("billing.plans entries require a code")
		}
		if _, dup := seen[code]; dup {
			return errors.New("billing.plans contains duplicate code " + code)
		}
		seen[code] = struct{}{}
		if plan.TokensPerPeriod < 0 {
			return errors.New("billing.plans tokensPerPeriod cannot be negative")
		}
		if code == PlanFree {
			hasFree = true
		}
	}
	if !hasFree {
		return errors.New("billing.plans must include the free plan")
	}
	return nil
}
