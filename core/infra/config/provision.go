package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProvisionProfile describes how chat instances are launched.
type ProvisionProfile struct {
	Region           string   `yaml:"region"`
	ImageID          string   `yaml:"image_id"`
	InstanceType     string   `yaml:"instance_type"`
	KeyName          string   `yaml:"key_name"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	SubnetID         string   `yaml:"subnet_id"`
	BinaryURL        string   `yaml:"binary_url"`
	ServiceName      string   `yaml:"service_name"`
	NamePrefix       string   `yaml:"name_prefix"`
	// Env is written into the instance's service unit.
	Env map[string]string `yaml:"env"`
}

// LoadProvisionProfile loads a YAML profile; returns defaults if path is empty.
// On read or parse errors the defaults are returned alongside the error.
func LoadProvisionProfile(path string) (*ProvisionProfile, error) {
	if path == "" {
		return defaultProvisionProfile(), nil
	}
	// #nosec G304 -- provision config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultProvisionProfile(), fmt.Errorf("read provision config: %w", err)
	}
	return ParseProvisionProfile(data)
}

// ParseProvisionProfile parses profile data from YAML/JSON bytes.
func ParseProvisionProfile(data []byte) (*ProvisionProfile, error) {
	if len(data) == 0 {
		return defaultProvisionProfile(), nil
	}
	var cfg ProvisionProfile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultProvisionProfile(), fmt.Errorf("parse provision config: %w", err)
	}
	def := defaultProvisionProfile()
	if cfg.Region == "" {
		cfg.Region = def.Region
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = def.InstanceType
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = def.NamePrefix
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	return &cfg, nil
}

func defaultProvisionProfile() *ProvisionProfile {
	return &ProvisionProfile{
		Region:       "us-east-2",
		InstanceType: "t3.micro",
		ServiceName:  "eemployee-chat",
		NamePrefix:   "EEmployee-Chat",
		Env:          map[string]string{},
	}
}
