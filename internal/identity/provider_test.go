package identity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProvider_RotatesUserAgents(t *testing.T) {
	t.Parallel()

	p := New([]string{"ua-1", "ua-2", "ua-3"}, nil)

	require.Equal(t, "ua-1", p.Next().UserAgent)
	require.Equal(t, "ua-2", p.Next().UserAgent)
	require.Equal(t, "ua-3", p.Next().UserAgent)
	require.Equal(t, "ua-1", p.Next().UserAgent)
}

func TestProvider_RotatesProxiesIndependently(t *testing.T) {
	t.Parallel()

	p := New([]string{"ua-1", "ua-2"}, []string{"http://proxy-1:8080", "http://proxy-2:8080", "http://proxy-3:8080"})

	first := p.Next()
	require.Equal(t, "ua-1", first.UserAgent)
	require.Equal(t, "http://proxy-1:8080", first.ProxyURL)

	// The proxy ring is longer than the UA ring; they wrap separately.
	p.Next()
	third := p.Next()
	require.Equal(t, "ua-1", third.UserAgent)
	require.Equal(t, "http://proxy-3:8080", third.ProxyURL)
}

func TestProvider_NoProxiesYieldsEmptyProxyURL(t *testing.T) {
	t.Parallel()

	p := New([]string{"ua-1"}, nil)
	require.Empty(t, p.Next().ProxyURL)
}

func TestProvider_ConcurrentNextCoversAllAgents(t *testing.T) {
	t.Parallel()

	agents := []string{"ua-1", "ua-2", "ua-3", "ua-4"}
	p := New(agents, nil)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := p.Next()
				mu.Lock()
				seen[id.UserAgent]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 800 draws over a 4-entry ring: every agent appears exactly 200 times.
	require.Len(t, seen, len(agents))
	for _, agent := range agents {
		require.Equal(t, 200, seen[agent])
	}
}
