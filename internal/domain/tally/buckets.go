package tally

// EffectiveDimensions are the bucket dimensions resolved for one event
type EffectiveDimensions struct {
	ServiceLevel     ServiceLevel
	Usage            Usage
	BillingProvider  BillingProvider
	BillingAccountID string
}

// ResolveDimensions picks each dimension from the event, falling back to the service type's
// metadata default and then to the empty value.
func ResolveDimensions(e *Event, md *TagMetaData) (EffectiveDimensions, error) {
	dims := EffectiveDimensions{
		ServiceLevel:    ServiceLevelEmpty,
		Usage:           UsageEmpty,
		BillingProvider: BillingProviderEmpty,
	}

	switch {
	case e.SLA != "":
		dims.ServiceLevel = ParseServiceLevel(e.SLA)
	case md != nil && md.DefaultSLA != "":
		dims.ServiceLevel = ParseServiceLevel(md.DefaultSLA)
	}

	switch {
	case e.Usage != "":
		dims.Usage = ParseUsage(e.Usage)
	case md != nil && md.DefaultUsage != "":
		dims.Usage = ParseUsage(md.DefaultUsage)
	}

	switch {
	case e.BillingProvider != "":
		p, err := ParseBillingProvider(e.BillingProvider)
		if err != nil {
			return dims, err
		}
		dims.BillingProvider = p
	case md != nil && md.DefaultProvider != "":
		p, err := ParseBillingProvider(md.DefaultProvider)
		if err != nil {
			return dims, err
		}
		dims.BillingProvider = p
	}

	switch {
	case e.BillingAccountID != "":
		dims.BillingAccountID = e.BillingAccountID
	case md != nil:
		dims.BillingAccountID = md.BillingAccountID
	}

	return dims, nil
}

// BucketKeys returns every bucket key an event contributes to: for each product id the
// wildcard expansion of its resolved dimensions.
func BucketKeys(profile *TagProfile, e *Event) ([]UsageCalculationKey, error) {
	md, _ := profile.MetaDataByServiceType(e.ServiceType)
	dims, err := ResolveDimensions(e, md)
	if err != nil {
		return nil, err
	}

	var keys []UsageCalculationKey
	for _, productID := range profile.ProductIDs(e) {
		keys = append(keys, ExpandKeys(productID, dims.ServiceLevel, dims.Usage, dims.BillingProvider, dims.BillingAccountID)...)
	}
	return keys, nil
}
