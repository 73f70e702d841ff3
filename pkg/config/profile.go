package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// JurisdictionProfile captures the regulatory posture of one deployment
// region: how long records live, which frameworks apply, and how user
// identifiers must be handled.
type JurisdictionProfile struct {
	Name          string          `yaml:"name" json:"name"`
	Code          string          `yaml:"code" json:"code"`
	Compliance    []string        `yaml:"compliance" json:"compliance"`
	DataResidency string          `yaml:"data_residency" json:"data_residency"`
	PIIHandling   string          `yaml:"pii_handling,omitempty" json:"pii_handling,omitempty"`
	Retention     RetentionPolicy `yaml:"retention" json:"retention"`
	Signing       SigningPolicy   `yaml:"signing" json:"signing"`
	Reporting     ReportingPolicy `yaml:"reporting" json:"reporting"`
}

// RetentionPolicy defines how long ledger records must be kept. Clinical
// audit trails commonly run seven years.
type RetentionPolicy struct {
	LedgerYears     int `yaml:"ledger_years" json:"ledger_years"`
	HotTierDays     int `yaml:"hot_tier_days" json:"hot_tier_days"`
	SessionTierDays int `yaml:"session_tier_days" json:"session_tier_days"`
}

// SigningPolicy constrains key handling.
type SigningPolicy struct {
	KeyRotationDays int  `yaml:"key_rotation_days" json:"key_rotation_days"`
	RequireHSM      bool `yaml:"require_hsm,omitempty" json:"require_hsm,omitempty"`
}

// ReportingPolicy drives the scheduled compliance report cadence.
type ReportingPolicy struct {
	AccessReportDays int `yaml:"access_report_days" json:"access_report_days"`
}

// DefaultProfile is the posture used when no profile file is deployed.
func DefaultProfile() *JurisdictionProfile {
	return &JurisdictionProfile{
		Name:          "United States (default)",
		Code:          "us",
		Compliance:    []string{"HIPAA", "21 CFR Part 11"},
		DataResidency: "us",
		PIIHandling:   "pseudonymize",
		Retention: RetentionPolicy{
			LedgerYears:     7,
			HotTierDays:     30,
			SessionTierDays: 365,
		},
		Signing:   SigningPolicy{KeyRotationDays: 90},
		Reporting: ReportingPolicy{AccessReportDays: 7},
	}
}

// LoadProfile loads profile_<code>.yaml from profilesDir. A missing file is
// not an error: the default profile applies.
func LoadProfile(profilesDir, code string) (*JurisdictionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProfile(), nil
		}
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if profile.Retention.LedgerYears <= 0 {
		return nil, fmt.Errorf("profile %q: ledger retention must be positive", code)
	}

	return profile, nil
}
