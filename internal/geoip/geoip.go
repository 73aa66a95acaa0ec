// Package geoip resolves the user's region from their IP address.
package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP looks up subdivisions in a MaxMind City DB, or in a JSON list of
// CIDR ranges when the file is not a MaxMind DB.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []subnet
}

type subnet struct {
	net         *net.IPNet
	country     string
	subdivision string
}

// Open loads the database at path. JSON fallback files hold entries of the
// form {"net": "10.0.0.0/8", "country": "US", "subdivision": "CA"}.
func Open(path string) (*GeoIP, error) {
	g := &GeoIP{}
	db, err := geoip2.Open(path)
	if err == nil {
		g.db = db
		return g, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	var entries []struct {
		Net         string `json:"net"`
		Country     string `json:"country"`
		Subdivision string `json:"subdivision"`
	}
	if jerr := json.Unmarshal(data, &entries); jerr != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, subnet{net: n, country: e.Country, subdivision: e.Subdivision})
		}
	}
	return g, nil
}

// Subdivision returns the region code for ip as "COUNTRY-SUBDIVISION", e.g.
// "US-CA", or just the country when no subdivision is known. It returns ""
// when the address cannot be resolved.
func (g *GeoIP) Subdivision(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.City(ip)
		if err == nil && rec.Country.IsoCode != "" {
			sub := ""
			if len(rec.Subdivisions) > 0 {
				sub = rec.Subdivisions[0].IsoCode
			}
			return regionCode(rec.Country.IsoCode, sub)
		}
	}
	for _, s := range g.fallback {
		if s.net.Contains(ip) {
			return regionCode(s.country, s.subdivision)
		}
	}
	return ""
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}

func regionCode(country, subdivision string) string {
	country = strings.ToUpper(country)
	if country == "" {
		return ""
	}
	if subdivision == "" {
		return country
	}
	return country + "-" + strings.ToUpper(subdivision)
}

// Resolver implements models.SubdivisionResolver for the client's current
// address. The region is resolved when the address changes, so CurrentRegion
// never touches the database.
type Resolver struct {
	geo    *GeoIP
	region atomic.Value
}

// NewResolver returns a resolver with no known region.
func NewResolver(geo *GeoIP) *Resolver {
	r := &Resolver{geo: geo}
	r.region.Store("")
	return r
}

// SetClientIP resolves ip and makes it the current region. An unparsable
// address clears the region.
func (r *Resolver) SetClientIP(ip string) string {
	region := r.geo.Subdivision(net.ParseIP(strings.TrimSpace(ip)))
	r.region.Store(region)
	return region
}

// CurrentRegion returns the last resolved region, or "" when unknown.
func (r *Resolver) CurrentRegion() string {
	return r.region.Load().(string)
}
