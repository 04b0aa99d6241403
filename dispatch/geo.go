package dispatch

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

type GeoLocator interface {
	Country(ip string) (string, error)
}

// GeoIP resolves hosting countries from a MaxMind City or Country database.
type GeoIP struct {
	db *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &GeoIP{db: db}, nil
}

// Country returns the ISO code of the address, or "" when the database
// has no record of it.
func (g *GeoIP) Country(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	record, err := g.db.Country(addr)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

func (g *GeoIP) Close() error {
	return g.db.Close()
}
