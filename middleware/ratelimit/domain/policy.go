package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Nomes das políticas conhecidas.
const (
	PolicyGeneral    = "general"
	PolicyAuth       = "auth"
	PolicyAPI        = "api"
	PolicyFileUpload = "fileUpload"
	PolicyKYC        = "kyc"
	PolicyInvestment = "investment"
	PolicyAnalytics  = "analytics"
)

// DefaultStatusCode é o status de negação por rate limit (429).
const DefaultStatusCode = 429

// Policy é uma política estática de rate limit. Imutável depois de registrada.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int64
	StatusCode  int
	Message     string
	KeyStrategy KeyStrategy
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.MaxRequests < 1 {
		return fmt.Errorf("%w: %s: max requests must be >= 1, got %d", ErrInvalidPolicy, p.Name, p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be > 0, got %s", ErrInvalidPolicy, p.Name, p.Window)
	}
	if p.StatusCode != 0 && (p.StatusCode < 400 || p.StatusCode > 599) {
		return fmt.Errorf("%w: %s: status code %d is not an error status", ErrInvalidPolicy, p.Name, p.StatusCode)
	}
	switch p.KeyStrategy {
	case "", KeyByDefault, KeyByAuth, KeyByKYC, KeyByAddress:
	default:
		return fmt.Errorf("%w: %s: unknown key strategy %q", ErrInvalidPolicy, p.Name, p.KeyStrategy)
	}
	return nil
}

// WithLimits devolve uma cópia com janela/teto substituídos (zero mantém o atual).
func (p Policy) WithLimits(window time.Duration, maxRequests int64) Policy {
	if window > 0 {
		p.Window = window
	}
	if maxRequests > 0 {
		p.MaxRequests = maxRequests
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.StatusCode == 0 {
		p.StatusCode = DefaultStatusCode
	}
	if p.KeyStrategy == "" {
		p.KeyStrategy = KeyByDefault
	}
	if p.Message == "" {
		p.Message = "Too many requests, please try again later."
	}
	return p
}

// DefaultPolicies devolve o conjunto padrão de políticas da plataforma.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:        PolicyGeneral,
			Window:      15 * time.Minute,
			MaxRequests: 100,
			Message:     "Too many requests from this IP, please try again later.",
			KeyStrategy: KeyByDefault,
		},
		{
			Name:        PolicyAuth,
			Window:      15 * time.Minute,
			MaxRequests: 5,
			Message:     "Too many authentication attempts, please try again later.",
			KeyStrategy: KeyByAuth,
		},
		{
			Name:        PolicyAPI,
			Window:      time.Minute,
			MaxRequests: 60,
			Message:     "API rate limit exceeded, please slow down.",
			KeyStrategy: KeyByDefault,
		},
		{
			Name:        PolicyFileUpload,
			Window:      time.Hour,
			MaxRequests: 10,
			Message:     "Too many file uploads, please try again later.",
			KeyStrategy: KeyByDefault,
		},
		{
			Name:        PolicyKYC,
			Window:      24 * time.Hour,
			MaxRequests: 5,
			Message:     "Too many KYC submissions, please try again tomorrow.",
			KeyStrategy: KeyByKYC,
		},
		{
			Name:        PolicyInvestment,
			Window:      time.Hour,
			MaxRequests: 20,
			Message:     "Too many investment operations, please try again later.",
			KeyStrategy: KeyByDefault,
		},
		{
			Name:        PolicyAnalytics,
			Window:      time.Minute,
			MaxRequests: 30,
			Message:     "Too many analytics requests, please slow down.",
			KeyStrategy: KeyByDefault,
		},
	}
}

// Registry guarda as políticas por nome. É validado inteiro na construção
// (erro de configuração é fatal no boot, nunca em tempo de request).
type Registry struct {
	policies map[string]Policy
}

func NewRegistry(policies ...Policy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: registry needs at least one policy", ErrInvalidPolicy)
	}
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.policies[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate policy %q", ErrInvalidPolicy, p.Name)
		}
		r.policies[p.Name] = p.normalized()
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Policy, error) {
	if r != nil {
		if p, ok := r.policies[name]; ok {
			return p, nil
		}
	}
	return Policy{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
}

// Names devolve os nomes registrados em ordem alfabética.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
