package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/mrzor/probestat/internal/probe"

	"gopkg.in/yaml.v3"
)

// SiteSpec is one entry of the sites file.
type SiteSpec struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Role      string `yaml:"role"`
	Symbol    string `yaml:"symbol,omitempty"`
	Group     string `yaml:"group,omitempty"`
	Event     string `yaml:"event,omitempty"`
	Interface string `yaml:"interface,omitempty"`
	Program   string `yaml:"program"`
}

type sitesFile struct {
	Sites []SiteSpec `yaml:"sites"`
}

// DefaultSites measures block I/O latency from request issue to completion.
func DefaultSites() []SiteSpec {
	return []SiteSpec{
		{Name: "blk_start_request", Kind: "kprobe", Role: "start", Symbol: "blk_start_request", Program: "trace_req_start"},
		{Name: "blk_mq_start_request", Kind: "kprobe", Role: "start", Symbol: "blk_mq_start_request", Program: "trace_req_start"},
		{Name: "blk_account_io_completion", Kind: "kprobe", Role: "end", Symbol: "blk_account_io_completion", Program: "trace_req_completion"},
	}
}

// LoadSites reads a YAML sites file.
func LoadSites(path string) ([]SiteSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sites file: %w", err)
	}
	return ParseSites(data)
}

// ParseSites decodes the YAML form of a sites file.
func ParseSites(data []byte) ([]SiteSpec, error) {
	var f sitesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sites file: %w", err)
	}
	return f.Sites, nil
}

// BuildSites validates specs and assigns site ids in file order.
func BuildSites(specs []SiteSpec) ([]probe.Site, error) {
	if len(specs) == 0 {
		return nil, ErrNoSites
	}

	var errs []error
	seen := make(map[string]bool, len(specs))
	starts, ends := 0, 0
	sites := make([]probe.Site, 0, len(specs))

	for i, s := range specs {
		site := probe.Site{
			//nolint:gosec // site count is tiny
			ID:        uint32(i),
			Name:      s.Name,
			Kind:      probe.Kind(s.Kind),
			Role:      probe.Role(s.Role),
			Symbol:    s.Symbol,
			Group:     s.Group,
			Event:     s.Event,
			Interface: s.Interface,
			Program:   s.Program,
		}

		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("site %d: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("site %q: duplicate name", s.Name))
		}
		seen[s.Name] = true

		if !site.Kind.Valid() {
			errs = append(errs, fmt.Errorf("site %q: %w: %q", s.Name, probe.ErrUnsupportedKind, s.Kind))
		}
		if !site.Role.Valid() {
			errs = append(errs, fmt.Errorf("site %q: unknown role %q", s.Name, s.Role))
		}
		if err := checkTarget(site); err != nil {
			errs = append(errs, err)
		}

		switch site.Role {
		case probe.RoleStart:
			starts++
		case probe.RoleEnd:
			ends++
		}
		sites = append(sites, site)
	}

	if ends > 0 && starts == 0 {
		errs = append(errs, errors.New("end sites need at least one start site"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return sites, nil
}

func checkTarget(s probe.Site) error {
	switch s.Kind {
	case probe.Kprobe, probe.Kretprobe:
		if s.Symbol == "" {
			return fmt.Errorf("site %q: %s needs a symbol", s.Name, s.Kind)
		}
	case probe.Tracepoint:
		if s.Group == "" || s.Event == "" {
			return fmt.Errorf("site %q: tracepoint needs group and event", s.Name)
		}
	case probe.TCIngress, probe.TCEgress:
		if s.Interface == "" {
			return fmt.Errorf("site %q: %s needs an interface", s.Name, s.Kind)
		}
	}
	return nil
}
