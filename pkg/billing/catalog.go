package billing

import "fmt"

// Plan describes a purchasable credit bundle. Prices are cents.
type Plan struct {
	ID             string
	Name           string
	PriceCents     int64
	CreditsGranted int64
	Features       []string
}

// DefaultSignupBonusCredits is granted once when an account is first created.
const DefaultSignupBonusCredits int64 = 20

// The catalog is fixed and server-side. Clients see it read-only; pricing is
// always resolved here by plan id, never trusted from a request.
var planCatalog = []Plan{
	{
		ID:             "basic",
		Name:           "Basic",
		PriceCents:     1000,
		CreditsGranted: 100,
		Features: []string{
			"100 text generations",
			"50 image generations",
			"Standard support",
			"Access to basic models",
		},
	},
	{
		ID:             "pro",
		Name:           "Pro",
		PriceCents:     2000,
		CreditsGranted: 500,
		Features: []string{
			"500 text generations",
			"200 image generations",
			"Priority support",
			"Access to pro models",
			"Faster response time",
		},
	},
	{
		ID:             "premium",
		Name:           "Premium",
		PriceCents:     3000,
		CreditsGranted: 1000,
		Features: []string{
			"1000 text generations",
			"500 image generations",
			"24/7 VIP support",
			"Access to premium models",
			"Dedicated account manager",
		},
	},
}

var operationCosts = map[OperationKind]CreditAmount{
	OperationText:  1,
	OperationImage: 2,
}

// Plans returns a copy of the plan catalog.
func Plans() []Plan {
	plans := make([]Plan, len(planCatalog))
	copy(plans, planCatalog)
	return plans
}

// PlanByID resolves a plan from the catalog.
func PlanByID(planID PlanID) (Plan, error) {
	for _, plan := range planCatalog {
		if plan.ID == planID.String() {
			return plan, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID.String())
}

// OperationCost returns the fixed credit cost of a metered operation.
func OperationCost(kind OperationKind) (CreditAmount, error) {
	cost, ok := operationCosts[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperationKind, kind.String())
	}
	return cost, nil
}
