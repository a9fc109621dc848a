// Package identity supplies rotating client identities.
package identity

import (
	"sync"

	"harvester/internal/harvest"
)

// Provider rotates through configured user agents and proxies round-robin.
// Safe for concurrent use.
type Provider struct {
	mu         sync.Mutex
	userAgents []string
	proxies    []string
	uaIndex    int
	proxyIndex int
}

// New builds a Provider. At least one user agent is required; proxies are
// optional and an empty list means direct connections.
func New(userAgents, proxies []string) *Provider {
	return &Provider{
		userAgents: append([]string(nil), userAgents...),
		proxies:    append([]string(nil), proxies...),
	}
}

// Next returns the next identity in rotation.
func (p *Provider) Next() harvest.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id harvest.Identity
	if len(p.userAgents) > 0 {
		id.UserAgent = p.userAgents[p.uaIndex%len(p.userAgents)]
		p.uaIndex++
	}
	if len(p.proxies) > 0 {
		id.ProxyURL = p.proxies[p.proxyIndex%len(p.proxies)]
		p.proxyIndex++
	}
	return id
}
