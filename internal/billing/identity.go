package billing

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
	"github.com/PortNumber53/creator-membership/backend/internal/paypal"
)

// customIDUserMarker separates the plan segments from the user id in a custom id.
const customIDUserMarker = "_user_"

// ParseCustomID reads <tier>_<cadence>[_<billing_option>]_user_<user_id>.
// Malformed input yields empty fields rather than an error.
func ParseCustomID(customID string) models.Identity {
	customID = strings.TrimSpace(customID)
	if customID == "" {
		return models.Identity{}
	}

	var id models.Identity
	meta := customID
	if before, after, found := strings.Cut(customID, customIDUserMarker); found {
		meta = before
		id.UserID = strings.TrimSpace(after)
	}

	segments := strings.Split(meta, "_")
	if len(segments) > 0 {
		id.Tier = models.Tier(strings.ToLower(strings.TrimSpace(segments[0])))
	}
	if len(segments) > 1 {
		id.Cadence = parseCadence(segments[1])
	}
	if len(segments) > 2 {
		id.BillingOption = parseBillingOption(segments[2])
	}

	return id
}

func parseCadence(s string) models.Cadence {
	switch c := models.Cadence(strings.ToLower(strings.TrimSpace(s))); c {
	case models.CadenceMonthly, models.CadenceYearly:
		return c
	}
	return ""
}

func parseBillingOption(s string) models.BillingOption {
	switch o := models.BillingOption(strings.ToLower(strings.TrimSpace(s))); o {
	case models.BillingOptionFull, models.BillingOptionSplit:
		return o
	}
	return ""
}

// Merge combines partial identities left to right. A field already known from an
// earlier layer is never replaced by a later one.
func Merge(layers ...models.Identity) models.Identity {
	var out models.Identity
	for _, l := range layers {
		if out.UserID == "" {
			out.UserID = l.UserID
		}
		if out.Tier == "" {
			out.Tier = l.Tier
		}
		if out.Cadence == "" {
			out.Cadence = l.Cadence
		}
		if out.BillingOption == "" {
			out.BillingOption = l.BillingOption
		}
	}
	return out
}

// PlanTable maps configured provider plan ids to identities.
type PlanTable struct {
	plans map[string]models.Identity
}

// NewPlanTable builds a lookup table. Later duplicates of a plan id are ignored.
func NewPlanTable(mappings []models.PlanMapping) *PlanTable {
	t := &PlanTable{plans: make(map[string]models.Identity, len(mappings))}
	for _, m := range mappings {
		if m.PlanID == "" {
			continue
		}
		if _, exists := t.plans[m.PlanID]; exists {
			continue
		}
		t.plans[m.PlanID] = models.Identity{
			Tier:          m.Tier,
			Cadence:       m.Cadence,
			BillingOption: m.BillingOption,
		}
	}
	return t
}

// Lookup returns the identity for planID, or an empty identity when unmapped.
func (t *PlanTable) Lookup(planID string) models.Identity {
	if t == nil || planID == "" {
		return models.Identity{}
	}
	return t.plans[strings.TrimSpace(planID)]
}

// SubscriptionLookup fetches live subscription details from the provider.
type SubscriptionLookup interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*paypal.SubscriptionDetails, error)
}

// Resolver reconciles partial subscription linkage data.
type Resolver struct {
	plans  *PlanTable
	lookup SubscriptionLookup
	logger *zap.Logger
}

// NewResolver creates a Resolver. lookup may be nil to disable live lookups.
func NewResolver(plans *PlanTable, lookup SubscriptionLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{plans: plans, lookup: lookup, logger: logger}
}

// fromSources runs the custom id and plan table steps over one data source.
func (r *Resolver) fromSources(customID, planID string) models.Identity {
	id := ParseCustomID(customID)
	if id.Tier == "" || id.Cadence == "" {
		id = Merge(id, r.plans.Lookup(planID))
	}
	return id
}

// Resolve layers known fields, the event's custom id and plan id, and finally a
// live provider lookup when the result is still incomplete. It never fails; the
// outcome is OutcomePartial when fields remain unknown.
func (r *Resolver) Resolve(ctx context.Context, known models.Identity, ref SubscriptionRef) (models.Identity, StepResult) {
	id := Merge(known, r.fromSources(ref.CustomID, ref.PlanID))
	if id.Complete() {
		return id, StepResult{Step: StepIdentity, Outcome: OutcomeApplied}
	}

	if r.lookup != nil && ref.SubscriptionID != "" {
		details, err := r.lookup.GetSubscription(ctx, ref.SubscriptionID)
		if err != nil {
			r.logger.Warn("[webhook] live subscription lookup failed",
				zap.String("subscription_id", ref.SubscriptionID),
				zap.Error(err),
			)
		} else if details != nil {
			id = Merge(id, r.fromSources(details.CustomID, details.PlanID))
		}
	}

	if id.Complete() {
		return id, StepResult{Step: StepIdentity, Outcome: OutcomeApplied, Detail: "resolved via provider lookup"}
	}

	r.logger.Warn("[webhook] identity incomplete",
		zap.String("subscription_id", ref.SubscriptionID),
		zap.String("user_id", id.UserID),
		zap.String("tier", string(id.Tier)),
		zap.String("cadence", string(id.Cadence)),
	)
	return id, StepResult{Step: StepIdentity, Outcome: OutcomePartial, Detail: missingFields(id)}
}

func missingFields(id models.Identity) string {
	var missing []string
	if id.UserID == "" {
		missing = append(missing, "user_id")
	}
	if id.Tier == "" {
		missing = append(missing, "tier")
	}
	if id.Cadence == "" {
		missing = append(missing, "cadence")
	}
	return "missing " + strings.Join(missing, ", ")
}
