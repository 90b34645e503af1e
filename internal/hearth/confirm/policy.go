package confirm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// Policy is the operator-configured risk policy. It escalates control and
// schedule intents to high_risk regardless of what the model decided.
//
//	confirmation:
//	  ttl: 2m
//	  max_unclear_replies: 3
//	high_risk:
//	  categories: [lock, alarm, garage]
//	  product_types: [DL]
//	  keywords: [unlock, disarm]
type Policy struct {
	Confirmation struct {
		TTL               string `yaml:"ttl"`
		MaxUnclearReplies int    `yaml:"max_unclear_replies"`
	} `yaml:"confirmation"`
	HighRisk struct {
		Categories   []string `yaml:"categories"`
		ProductTypes []string `yaml:"product_types"`
		Keywords     []string `yaml:"keywords"`
	} `yaml:"high_risk"`

	ttl time.Duration
}

// DefaultPolicy treats locks, alarms and garage doors as high risk.
func DefaultPolicy() *Policy {
	p := &Policy{}
	p.HighRisk.Categories = []string{"lock", "alarm", "garage"}
	p.HighRisk.Keywords = []string{"unlock", "disarm"}
	return p
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy read: %w", err)
	}
	return ParsePolicy(data)
}

// Validate checks the policy and caches the parsed TTL.
func (p *Policy) Validate() error {
	if p.Confirmation.TTL != "" {
		d, err := time.ParseDuration(p.Confirmation.TTL)
		if err != nil {
			return fmt.Errorf("confirmation.ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("confirmation.ttl must be positive, got %s", d)
		}
		p.ttl = d
	}
	if p.Confirmation.MaxUnclearReplies < 0 {
		return fmt.Errorf("confirmation.max_unclear_replies must not be negative")
	}
	for i, k := range p.HighRisk.Keywords {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("high_risk.keywords[%d] must not be empty", i)
		}
	}
	return nil
}

// MachineConfig returns the confirmation settings of the policy. Unset
// values are left zero so NewMachine applies its defaults.
func (p *Policy) MachineConfig() Config {
	if p == nil {
		return Config{}
	}
	return Config{TTL: p.ttl, MaxUnclearReplies: p.Confirmation.MaxUnclearReplies}
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

// hasKeyword reports whether text contains kw as whole words.
func hasKeyword(text, kw string) bool {
	words := strings.Fields(strings.ToLower(text))
	want := strings.Fields(strings.ToLower(kw))
	if len(want) == 0 {
		return false
	}
outer:
	for i := 0; i+len(want) <= len(words); i++ {
		for j, w := range want {
			if strings.Trim(words[i+j], ".,;:!?\"'") != w {
				continue outer
			}
		}
		return true
	}
	return false
}

// Risky reports why rec should require confirmation, or "" when it
// should not. Only control and schedule records are considered.
func (p *Policy) Risky(rec intent.Record, cat *catalog.Catalog) string {
	if p == nil || (rec.Kind != intent.KindControl && rec.Kind != intent.KindSchedule) {
		return ""
	}
	for _, id := range rec.DeviceIDs {
		d, ok := cat.Device(id)
		if !ok {
			continue
		}
		if containsFold(p.HighRisk.Categories, d.Category) {
			return fmt.Sprintf("%s is a %s", d.Label(), d.Category)
		}
		if containsFold(p.HighRisk.ProductTypes, d.ProductType) {
			return fmt.Sprintf("%s has product type %s", d.Label(), d.ProductType)
		}
	}
	for _, kw := range p.HighRisk.Keywords {
		if hasKeyword(rec.SubText, kw) {
			return fmt.Sprintf("request mentions %q", kw)
		}
	}
	return ""
}

// Escalate returns records with every risky control or schedule record
// turned into high_risk. The input slice is not modified.
func (p *Policy) Escalate(records []intent.Record, cat *catalog.Catalog) []intent.Record {
	out := make([]intent.Record, len(records))
	for i, rec := range records {
		if reason := p.Risky(rec, cat); reason != "" {
			rec.Action = rec.Kind
			rec.Kind = intent.KindHighRisk
			rec.Rationale = reason
		}
		out[i] = rec
	}
	return out
}
