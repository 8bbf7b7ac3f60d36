package tally

import (
	"fmt"
	"strings"

	"github.com/metering/tally/internal/domain/shared"
)

// ServiceLevel is the support level a usage bucket is billed under
type ServiceLevel string

const (
	ServiceLevelEmpty       ServiceLevel = ""
	ServiceLevelPremium     ServiceLevel = "PREMIUM"
	ServiceLevelStandard    ServiceLevel = "STANDARD"
	ServiceLevelSelfSupport ServiceLevel = "SELF_SUPPORT"
	ServiceLevelNone        ServiceLevel = "NONE"
	ServiceLevelAny         ServiceLevel = "_ANY"
)

// String returns the string representation of ServiceLevel
func (s ServiceLevel) String() string {
	return string(s)
}

// IsValid returns true if the service level is one of the known values
func (s ServiceLevel) IsValid() bool {
	switch s {
	case ServiceLevelEmpty,
		ServiceLevelPremium,
		ServiceLevelStandard,
		ServiceLevelSelfSupport,
		ServiceLevelNone,
		ServiceLevelAny:
		return true
	}
	return false
}

// ParseServiceLevel converts a reported value to a ServiceLevel.
// Matching is case-insensitive and unknown values resolve to ServiceLevelEmpty.
func ParseServiceLevel(s string) ServiceLevel {
	v := ServiceLevel(normalizeEnum(s))
	if v == "SELF-SUPPORT" {
		return ServiceLevelSelfSupport
	}
	if v.IsValid() {
		return v
	}
	return ServiceLevelEmpty
}

// Usage is the declared purpose of an instance
type Usage string

const (
	UsageEmpty            Usage = ""
	UsageProduction       Usage = "PRODUCTION"
	UsageDevelopmentTest  Usage = "DEVELOPMENT_TEST"
	UsageDisasterRecovery Usage = "DISASTER_RECOVERY"
	UsageAny              Usage = "_ANY"
)

// String returns the string representation of Usage
func (u Usage) String() string {
	return string(u)
}

// IsValid returns true if the usage is one of the known values
func (u Usage) IsValid() bool {
	switch u {
	case UsageEmpty, UsageProduction, UsageDevelopmentTest, UsageDisasterRecovery, UsageAny:
		return true
	}
	return false
}

// ParseUsage converts a reported value to a Usage.
// Matching is case-insensitive and unknown values resolve to UsageEmpty.
func ParseUsage(s string) Usage {
	v := Usage(strings.ReplaceAll(normalizeEnum(s), "/", "_"))
	if v.IsValid() {
		return v
	}
	return UsageEmpty
}

// BillingProvider is the party that bills the customer for the usage
type BillingProvider string

const (
	BillingProviderEmpty  BillingProvider = ""
	BillingProviderRedHat BillingProvider = "RED_HAT"
	BillingProviderAWS    BillingProvider = "AWS"
	BillingProviderAzure  BillingProvider = "AZURE"
	BillingProviderOracle BillingProvider = "ORACLE"
	BillingProviderGCP    BillingProvider = "GCP"
	BillingProviderAny    BillingProvider = "_ANY"
)

// String returns the string representation of BillingProvider
func (b BillingProvider) String() string {
	return string(b)
}

// IsValid returns true if the billing provider is one of the known values
func (b BillingProvider) IsValid() bool {
	switch b {
	case BillingProviderEmpty,
		BillingProviderRedHat,
		BillingProviderAWS,
		BillingProviderAzure,
		BillingProviderOracle,
		BillingProviderGCP,
		BillingProviderAny:
		return true
	}
	return false
}

// ParseBillingProvider converts a reported value to a BillingProvider.
// Unknown values fail with an UNRECOGNIZED_ENUM error.
func ParseBillingProvider(s string) (BillingProvider, error) {
	v := BillingProvider(normalizeEnum(s))
	if v.IsValid() {
		return v, nil
	}
	return BillingProviderEmpty, unrecognized("billing provider", s)
}

// HardwareType is the hardware classification reported on an event
type HardwareType string

const (
	HardwareTypeEmpty    HardwareType = ""
	HardwareTypePhysical HardwareType = "PHYSICAL"
	HardwareTypeVirtual  HardwareType = "VIRTUAL"
	HardwareTypeCloud    HardwareType = "CLOUD"
)

// String returns the string representation of HardwareType
func (h HardwareType) String() string {
	return string(h)
}

// ParseHardwareType converts a reported value to a HardwareType.
// Unknown values fail with an UNRECOGNIZED_ENUM error.
func ParseHardwareType(s string) (HardwareType, error) {
	switch v := HardwareType(normalizeEnum(s)); v {
	case HardwareTypeEmpty, HardwareTypePhysical, HardwareTypeVirtual, HardwareTypeCloud:
		return v, nil
	}
	return HardwareTypeEmpty, unrecognized("hardware type", s)
}

// HostHardwareType is the hardware classification stored on an instance
type HostHardwareType string

const (
	HostHardwareTypeNone        HostHardwareType = ""
	HostHardwareTypePhysical    HostHardwareType = "PHYSICAL"
	HostHardwareTypeVirtualized HostHardwareType = "VIRTUALIZED"
	HostHardwareTypeCloud       HostHardwareType = "CLOUD"
)

// String returns the string representation of HostHardwareType
func (h HostHardwareType) String() string {
	return string(h)
}

// ToHostHardwareType maps an event hardware type onto the instance classification.
// HardwareTypeEmpty maps to HostHardwareTypeNone, meaning "leave unset".
func (h HardwareType) ToHostHardwareType() (HostHardwareType, error) {
	switch h {
	case HardwareTypeEmpty:
		return HostHardwareTypeNone, nil
	case HardwareTypePhysical:
		return HostHardwareTypePhysical, nil
	case HardwareTypeVirtual:
		return HostHardwareTypeVirtualized, nil
	case HardwareTypeCloud:
		return HostHardwareTypeCloud, nil
	}
	return HostHardwareTypeNone, unrecognized("hardware type", string(h))
}

// CloudProvider is the public cloud an instance runs on
type CloudProvider string

const (
	CloudProviderEmpty   CloudProvider = ""
	CloudProviderAWS     CloudProvider = "AWS"
	CloudProviderAzure   CloudProvider = "AZURE"
	CloudProviderAlibaba CloudProvider = "ALIBABA"
	CloudProviderGoogle  CloudProvider = "GOOGLE"
)

// String returns the string representation of CloudProvider
func (c CloudProvider) String() string {
	return string(c)
}

// ParseCloudProvider converts a reported value to a CloudProvider.
// Unknown values fail with an UNRECOGNIZED_ENUM error.
func ParseCloudProvider(s string) (CloudProvider, error) {
	switch v := CloudProvider(normalizeEnum(s)); v {
	case CloudProviderEmpty, CloudProviderAWS, CloudProviderAzure, CloudProviderAlibaba, CloudProviderGoogle:
		return v, nil
	}
	return CloudProviderEmpty, unrecognized("cloud provider", s)
}

// HardwareMeasurementType is the dimension usage is reported under in a calculation
type HardwareMeasurementType string

const (
	MeasurementPhysical HardwareMeasurementType = "PHYSICAL"
	MeasurementVirtual  HardwareMeasurementType = "VIRTUAL"
	MeasurementAWS      HardwareMeasurementType = "AWS"
	MeasurementAzure    HardwareMeasurementType = "AZURE"
	MeasurementAlibaba  HardwareMeasurementType = "ALIBABA"
	MeasurementGoogle   HardwareMeasurementType = "GOOGLE"
	MeasurementTotal    HardwareMeasurementType = "TOTAL"
)

// String returns the string representation of HardwareMeasurementType
func (m HardwareMeasurementType) String() string {
	return string(m)
}

// MeasurementTypeForCloud maps a cloud provider to its measurement type
func MeasurementTypeForCloud(c CloudProvider) (HardwareMeasurementType, error) {
	switch c {
	case CloudProviderAWS:
		return MeasurementAWS, nil
	case CloudProviderAzure:
		return MeasurementAzure, nil
	case CloudProviderAlibaba:
		return MeasurementAlibaba, nil
	case CloudProviderGoogle:
		return MeasurementGoogle, nil
	}
	return "", unrecognized("cloud provider", string(c))
}

func normalizeEnum(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func unrecognized(kind, value string) error {
	return shared.NewDomainError(shared.CodeUnrecognizedEnum, fmt.Sprintf("unsupported %s: %q", kind, value))
}
