package entitlement

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/italolelis/vidgrab/internal/video"
)

// planConfig is the on-disk layout of a plans file:
//
//	plans:
//	  pro:
//	    maxQuality: 4k
//	    subscribed: true
//	tokens:
//	  3f1c...:
//	    identity: alice@example.com
//	    plan: pro
type planConfig struct {
	Plans  map[string]planEntry  `yaml:"plans"`
	Tokens map[string]tokenEntry `yaml:"tokens"`
}

type planEntry struct {
	MaxQuality string `yaml:"maxQuality"`
	Subscribed bool   `yaml:"subscribed"`
}

type tokenEntry struct {
	Identity string `yaml:"identity"`
	Plan     string `yaml:"plan"`
}

// PlanFile is a SubscriptionLookup backed by a YAML file. The file is read once at load time and
// again only when Reload is called.
type PlanFile struct {
	path string

	mu      sync.RWMutex
	callers map[string]CallerContext
}

// LoadPlanFile reads and validates the plans file at path.
func LoadPlanFile(path string) (*PlanFile, error) {
	pf := &PlanFile{path: path}
	if err := pf.Reload(); err != nil {
		return nil, err
	}

	return pf, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (pf *PlanFile) Reload() error {
	raw, err := os.ReadFile(pf.path)
	if err != nil {
		return fmt.Errorf("failed to read plans file: %w", err)
	}

	var cfg planConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse plans file %s: %w", pf.path, err)
	}

	callers, err := cfg.callers()
	if err != nil {
		return fmt.Errorf("invalid plans file %s: %w", pf.path, err)
	}

	pf.mu.Lock()
	pf.callers = callers
	pf.mu.Unlock()

	return nil
}

func (c planConfig) callers() (map[string]CallerContext, error) {
	out := make(map[string]CallerContext, len(c.Tokens))

	for token, t := range c.Tokens {
		plan, ok := c.Plans[t.Plan]
		if !ok {
			return nil, fmt.Errorf("token for %q references unknown plan %q", t.Identity, t.Plan)
		}

		q, err := video.ParseQuality(plan.MaxQuality)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", t.Plan, err)
		}

		out[token] = CallerContext{
			Identity:   t.Identity,
			Plan:       t.Plan,
			MaxQuality: q,
			Subscribed: plan.Subscribed,
		}
	}

	return out, nil
}

// Lookup returns the caller registered for token, or an anonymous caller.
func (pf *PlanFile) Lookup(_ context.Context, token string) (CallerContext, error) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	return pf.callers[token], nil
}
