package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an environment-specific override file for the worker
// tuning. Only fields present in the YAML take effect; everything else keeps
// its environment/default value.
type DeploymentProfile struct {
	Name    string         `yaml:"name"`
	Workers ProfileWorkers `yaml:"workers"`

	Merchant struct {
		MaxBatchSize        *int `yaml:"max_batch_size"`
		PollIntervalSeconds *int `yaml:"poll_interval_seconds"`
	} `yaml:"merchant"`

	Retention struct {
		SearchRequestsDays *int `yaml:"search_requests_days"`
	} `yaml:"retention"`
}

type ProfileWorkers struct {
	Concurrency ProfileStageTuning `yaml:"concurrency"`
	RateLimit   ProfileStageTuning `yaml:"rate_limit"`
}

type ProfileStageTuning struct {
	Classify *float64 `yaml:"classify"`
	Supplier *float64 `yaml:"supplier"`
	Address  *float64 `yaml:"address"`
	Merchant *float64 `yaml:"merchant"`
	Predict  *float64 `yaml:"predict"`
}

// LoadProfile reads a deployment profile YAML.
func LoadProfile(path string) (*DeploymentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &profile, nil
}

// Apply overlays the profile onto the configuration.
func (p *DeploymentProfile) Apply(c *Config) {
	applyTuning(&c.Workers.Concurrency, p.Workers.Concurrency)
	applyTuning(&c.Workers.RateLimit, p.Workers.RateLimit)

	if p.Merchant.MaxBatchSize != nil {
		c.Merchant.MaxBatchSize = *p.Merchant.MaxBatchSize
	}
	if p.Merchant.PollIntervalSeconds != nil {
		c.Merchant.PollIntervalSeconds = *p.Merchant.PollIntervalSeconds
	}
	if p.Retention.SearchRequestsDays != nil {
		c.Retention.SearchRequestsDays = *p.Retention.SearchRequestsDays
	}
}

func applyTuning(dst *StageTuning, src ProfileStageTuning) {
	if src.Classify != nil {
		dst.Classify = *src.Classify
	}
	if src.Supplier != nil {
		dst.Supplier = *src.Supplier
	}
	if src.Address != nil {
		dst.Address = *src.Address
	}
	if src.Merchant != nil {
		dst.Merchant = *src.Merchant
	}
	if src.Predict != nil {
		dst.Predict = *src.Predict
	}
}
