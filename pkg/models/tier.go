package models

// Tier names a compute backend with its own concurrency limit and
// cost/latency profile. The set of usable tiers is whatever the slot
// pool was configured with; an unregistered tier is an explicit error
// at acquire time, never a silent fallback.
type Tier string

const (
	// TierFast is the small local model tier for quick, cheap calls.
	TierFast Tier = "fast"
	// TierBalanced is the mid-size local tier for standard tool calls.
	TierBalanced Tier = "balanced"
	// TierDeep is the large local tier for slow, capable reasoning.
	TierDeep Tier = "deep"
	// TierCloud is the remote paid tier, gated by cloud routing.
	TierCloud Tier = "cloud"
)

// Provider identifies the backend a call is routed through.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderLMStudio  Provider = "lmstudio"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Valid returns true if the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOllama, ProviderLMStudio, ProviderAnthropic, ProviderOpenAI:
		return true
	default:
		return false
	}
}

// Local reports whether the provider runs on this machine. Non-local
// providers are denied whenever cloud routing is disabled.
func (p Provider) Local() bool {
	switch p {
	case ProviderOllama, ProviderLMStudio:
		return true
	default:
		return false
	}
}
