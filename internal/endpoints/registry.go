// Package endpoints loads the set of webhook endpoints and their secrets.
package endpoints

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tailhook/tailhook/internal/secrets"
)

// DefaultName is the endpoint registered from TAILSCALE_WEBHOOK_SECRET.
const DefaultName = "default"

type Endpoint struct {
	Name   string `yaml:"name" validate:"required,max=64,hostname_rfc1123"`
	Secret string `yaml:"secret" validate:"required"`
	// Notify overrides the globally configured notification setting when set.
	Notify *bool `yaml:"notify"`
}

type File struct {
	Endpoints []Endpoint `yaml:"endpoints" validate:"dive"`
}

// SecretOpener turns a stored secret into its plaintext.
type SecretOpener interface {
	Open(endpoint, value string) (string, error)
}

type Registry struct {
	endpoints map[string]Endpoint
}

var fileValidator = validator.New()

// Parse decodes and validates an endpoints YAML document.
func Parse(content []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for i := range f.Endpoints {
		f.Endpoints[i].Name = strings.ToLower(strings.TrimSpace(f.Endpoints[i].Name))
	}
	if err := fileValidator.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid endpoints file: %w", err)
	}
	return &f, nil
}

// Load builds a registry from an optional default secret and an optional YAML
// file. Sealed secrets in the file are opened with opener.
func Load(defaultSecret, path string, opener SecretOpener) (*Registry, error) {
	var f File
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read endpoints file: %w", err)
		}
		parsed, err := Parse(content)
		if err != nil {
			return nil, err
		}
		f = *parsed
	}

	for i, e := range f.Endpoints {
		if !secrets.IsSealed(e.Secret) {
			continue
		}
		if opener == nil {
			return nil, fmt.Errorf("endpoint %q has a sealed secret but SECRETS_KEY is not set", e.Name)
		}
		plain, err := opener.Open(e.Name, e.Secret)
		if err != nil {
			return nil, err
		}
		f.Endpoints[i].Secret = plain
	}
	return New(defaultSecret, f.Endpoints)
}

func New(defaultSecret string, list []Endpoint) (*Registry, error) {
	r := &Registry{endpoints: make(map[string]Endpoint, len(list)+1)}

	if defaultSecret != "" {
		r.endpoints[DefaultName] = Endpoint{Name: DefaultName, Secret: defaultSecret}
	}
	for _, e := range list {
		if e.Secret == "" {
			return nil, fmt.Errorf("endpoint %q has no secret", e.Name)
		}
		if _, exists := r.endpoints[e.Name]; exists {
			return nil, fmt.Errorf("duplicate endpoint %q", e.Name)
		}
		r.endpoints[e.Name] = e
	}
	if len(r.endpoints) == 0 {
		return nil, fmt.Errorf("no webhook endpoints configured")
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Endpoint, bool) {
	if r == nil {
		return Endpoint{}, false
	}
	e, ok := r.endpoints[strings.ToLower(name)]
	return e, ok
}

// Names returns the registered endpoint names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
