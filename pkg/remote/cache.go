package remote

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/torproject-go/gotor-core/pkg/config"
)

// Cache file keys for the optional authority/fallback-directory persistence
// spec.md section 6 describes. The core itself persists nothing; a caller
// opts in by calling LoadEndpointCache/SaveEndpointCache explicitly.
const (
	cacheKeyDirAuthority = "DirAuthority"
	cacheKeyFallbackDir  = "FallbackDirectory"
	cacheKeyBlacklist    = "DownloadBlacklist"
)

// LoadEndpointCache reads a key-per-line cache file (pkg/config's format)
// and returns the directory authority/fallback endpoints and download
// blacklist it records. A missing or unreadable file returns an error; an
// absent section yields a nil result for that part.
func LoadEndpointCache(path string) (endpoints []Endpoint, blacklist map[string]bool, err error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: load endpoint cache: %w", err)
	}
	return endpointsFromCache(c), blacklistFromCache(c), nil
}

func endpointsFromCache(c *config.Cache) []Endpoint {
	var out []Endpoint
	for _, v := range c.Values(cacheKeyDirAuthority) {
		fields := strings.Fields(v)
		if len(fields) < 3 {
			continue
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		out = append(out, DirPort{Address: fields[1], Port: port})
	}
	for _, v := range c.Values(cacheKeyFallbackDir) {
		fields := strings.Fields(v)
		if len(fields) < 2 {
			continue
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		out = append(out, DirPort{Address: fields[0], Port: port})
	}
	return out
}

func blacklistFromCache(c *config.Cache) map[string]bool {
	names := c.Values(cacheKeyBlacklist)
	if len(names) == 0 {
		return nil
	}
	bl := make(map[string]bool, len(names))
	for _, n := range names {
		bl[n] = true
	}
	return bl
}

// SaveEndpointCache writes the built-in authority table plus an explicit
// list of fallback DirPort endpoints and the given download blacklist to
// a cache file, so a later process can load it with LoadEndpointCache
// instead of re-resolving the built-in table.
func SaveEndpointCache(path string, fallbacks []Endpoint, blacklist map[string]bool) error {
	c := config.New()
	for _, a := range defaultAuthorities {
		c.Add(cacheKeyDirAuthority, fmt.Sprintf("%s %s %d %d %s", a.Nickname, a.Address, a.DirPort, a.ORPort, a.V3Ident))
	}
	for _, e := range fallbacks {
		dp, ok := e.(DirPort)
		if !ok {
			continue
		}
		c.Add(cacheKeyFallbackDir, fmt.Sprintf("%s %d", dp.Address, dp.Port))
	}
	for name := range blacklist {
		c.Add(cacheKeyBlacklist, name)
	}
	return c.Save(path)
}
