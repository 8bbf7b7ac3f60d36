package tally

import "fmt"

// UsageCalculationKey identifies one billing dimension.
// ServiceLevelAny, UsageAny and BillingProviderAny act as wildcards.
type UsageCalculationKey struct {
	ProductID        string
	ServiceLevel     ServiceLevel
	Usage            Usage
	BillingProvider  BillingProvider
	BillingAccountID string
}

// String renders the key as a tuple; an absent billing account prints as null
func (k UsageCalculationKey) String() string {
	acct := k.BillingAccountID
	if acct == "" {
		acct = "null"
	}
	return fmt.Sprintf("(%s,%s,%s,%s,%s)", k.ProductID, k.ServiceLevel, k.Usage, k.BillingProvider, acct)
}

// Less orders keys by all five fields
func (k UsageCalculationKey) Less(o UsageCalculationKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	if k.ServiceLevel != o.ServiceLevel {
		return k.ServiceLevel < o.ServiceLevel
	}
	if k.Usage != o.Usage {
		return k.Usage < o.Usage
	}
	if k.BillingProvider != o.BillingProvider {
		return k.BillingProvider < o.BillingProvider
	}
	return k.BillingAccountID < o.BillingAccountID
}

// ExpandKeys returns every combination of the effective service level, usage and billing
// provider with their wildcards, for one product: up to 2^3 keys. A dimension whose effective
// value is already the wildcard contributes a single variant.
func ExpandKeys(productID string, sla ServiceLevel, usage Usage, provider BillingProvider, billingAccountID string) []UsageCalculationKey {
	slas := []ServiceLevel{sla}
	if sla != ServiceLevelAny {
		slas = append(slas, ServiceLevelAny)
	}
	usages := []Usage{usage}
	if usage != UsageAny {
		usages = append(usages, UsageAny)
	}
	providers := []BillingProvider{provider}
	if provider != BillingProviderAny {
		providers = append(providers, BillingProviderAny)
	}

	keys := make([]UsageCalculationKey, 0, len(slas)*len(usages)*len(providers))
	for _, s := range slas {
		for _, u := range usages {
			for _, p := range providers {
				keys = append(keys, UsageCalculationKey{
					ProductID:        productID,
					ServiceLevel:     s,
					Usage:            u,
					BillingProvider:  p,
					BillingAccountID: billingAccountID,
				})
			}
		}
	}
	return keys
}
