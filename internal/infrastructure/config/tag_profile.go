package config

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/metering/tally/internal/domain/tally"
	"github.com/spf13/viper"
)

//go:embed tag_profile.yaml
var defaultTagProfile []byte

// LoadTagProfile reads a YAML tag profile from path, or the embedded default when path is empty.
// The returned profile is indexed and ready to use.
func LoadTagProfile(path string) (*tally.TagProfile, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		if err := v.ReadConfig(bytes.NewReader(defaultTagProfile)); err != nil {
			return nil, fmt.Errorf("error reading embedded tag profile: %w", err)
		}
	} else {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading tag profile %s: %w", path, err)
		}
	}

	profile := &tally.TagProfile{}
	if err := v.Unmarshal(profile); err != nil {
		return nil, fmt.Errorf("error decoding tag profile: %w", err)
	}
	if err := profile.Index(); err != nil {
		return nil, fmt.Errorf("invalid tag profile: %w", err)
	}
	return profile, nil
}
