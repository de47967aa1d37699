package hosting

import (
	"context"
	"fmt"
	"sort"

	"github.com/pitboss-dev/pitboss/internal/git"
)

// Config selects and parameterises the hosting provider.
type Config struct {
	// Provider is "github", "gitlab", or "auto" (default). With "auto"
	// the provider is detected from the origin remote URL.
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL points at a self-hosted instance, e.g.
	// "https://gitlab.company.com". Empty means github.com / gitlab.com.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// TokenEnvVar overrides the token environment variable name.
	// Defaults: GITHUB_TOKEN for GitHub, GITLAB_TOKEN for GitLab.
	TokenEnvVar string `yaml:"token_env_var" json:"token_env_var,omitempty"`
}

// NewProviderFunc constructs a provider for a repo identified by its
// origin remote URL. Provider packages register one at init time; the
// indirection keeps this package free of their dependencies.
type NewProviderFunc func(remoteURL string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor. Called from
// init() in the github and gitlab subpackages.
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates the hosting provider for the repo at repoRoot,
// detecting the provider from the origin remote unless cfg pins one.
func NewProvider(ctx context.Context, repoRoot string, cfg Config) (Provider, error) {
	remoteURL, err := git.New(repoRoot).RemoteURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve origin remote: %w", err)
	}
	return NewProviderForRemote(remoteURL, cfg)
}

// NewProviderForRemote is NewProvider for callers that already know
// the remote URL.
func NewProviderForRemote(remoteURL string, cfg Config) (Provider, error) {
	providerType, err := resolveProviderType(remoteURL, cfg)
	if err != nil {
		return nil, err
	}

	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (registered: %v)", providerType, registeredProviders())
	}
	return constructor(remoteURL, cfg)
}

func resolveProviderType(remoteURL string, cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	detected := DetectProvider(remoteURL)
	if detected == ProviderUnknown {
		return "", fmt.Errorf("cannot detect hosting provider from remote URL %q (set hosting.provider explicitly)", remoteURL)
	}
	return detected, nil
}

func registeredProviders() []ProviderType {
	var providers []ProviderType
	for pt := range providerConstructors {
		providers = append(providers, pt)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}
