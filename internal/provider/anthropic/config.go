package anthropic

// Config contains Anthropic adapter configuration.
// All fields map to Anthropic SDK options:
//   - APIKey: Maps to option.WithAPIKey()
//   - BaseURL: Maps to option.WithBaseURL()
//   - Timeout: Maps to option.WithRequestTimeout() (in seconds)
//   - MaxRetries: Maps to option.WithMaxRetries()
type Config struct {
	APIKey     string `env:"ANTHROPIC_API_KEY"`
	BaseURL    string `env:"ANTHROPIC_BASE_URL"`
	Timeout    int    `env:"ANTHROPIC_TIMEOUT"     envDefault:"60"`
	MaxRetries int    `env:"ANTHROPIC_MAX_RETRIES" envDefault:"3"`
}
