package hosting

import (
	"regexp"
	"strings"
)

// Host detection patterns cover hosted and self-managed instances
// (github.com, github.company.com, gitlab.com, gitlab.company.com) in
// both SSH and HTTPS remote forms.
var detectPatterns = []struct {
	provider ProviderType
	pattern  *regexp.Regexp
}{
	{ProviderGitHub, regexp.MustCompile(`github\.com[:/]`)},
	{ProviderGitHub, regexp.MustCompile(`github\.[a-z0-9-]+\.[a-z]+[:/]`)},
	{ProviderGitLab, regexp.MustCompile(`gitlab\.com[:/]`)},
	{ProviderGitLab, regexp.MustCompile(`gitlab\.[a-z0-9-]+\.[a-z]+[:/]`)},
}

// DetectProvider guesses the hosting provider from a git remote URL.
// Returns ProviderUnknown when the host matches neither family; the
// caller must then configure the provider explicitly.
func DetectProvider(remoteURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(remoteURL))
	for _, d := range detectPatterns {
		if d.pattern.MatchString(url) {
			return d.provider
		}
	}
	return ProviderUnknown
}

// ParseOwnerRepo splits a git remote URL into owner and repository.
// GitLab subgroups fold into the owner: group/subgroup/repo yields
// ("group/subgroup", "repo").
//
//	git@github.com:owner/repo.git        → (owner, repo)
//	https://github.com/owner/repo.git    → (owner, repo)
//	ssh://git@host:2222/owner/repo.git   → (owner, repo)
func ParseOwnerRepo(remoteURL string) (owner, repo string) {
	raw := strings.TrimSuffix(strings.TrimSpace(remoteURL), ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = strings.TrimLeft(raw[idx+1:], "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
		if idx := strings.Index(raw, "/"); idx != -1 {
			raw = raw[idx+1:]
		}
	default:
		// SCP-style: git@host:owner/repo
		if idx := strings.Index(raw, ":"); idx != -1 {
			raw = raw[idx+1:]
		}
	}

	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return raw, ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}
