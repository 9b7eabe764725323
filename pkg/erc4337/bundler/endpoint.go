package bundler

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint describes one bundler RPC in the pool.
type Endpoint struct {
	Name               string
	URL                string
	RequiresCredential bool
}

// knownProviders maps a host fragment to the provider name used in logs and metrics.
var knownProviders = []string{"pimlico", "stackup", "alchemy", "biconomy", "candide", "etherspot"}

// DetectName guesses a provider name from the endpoint URL, falling back to bundler-<n>.
func DetectName(rawURL string, index int) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(host)

	for _, p := range knownProviders {
		if strings.Contains(host, p) {
			return p
		}
	}
	return fmt.Sprintf("bundler-%d", index+1)
}

// String never includes the URL, which usually carries an API key.
func (e Endpoint) String() string {
	return e.Name
}
