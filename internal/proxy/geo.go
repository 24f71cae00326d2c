package proxy

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/xkilldash9x/netguise/api/schemas"
)

// GeoResolver maps a host to a geography snapshot. The MaxMind-backed
// implementation below is optional; a nil resolver simply skips enrichment.
type GeoResolver interface {
	Resolve(host string) (schemas.Geography, error)
}

// MaxMindResolver resolves geographies from a local GeoIP2 City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the database at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

func (m *MaxMindResolver) Resolve(host string) (schemas.Geography, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return schemas.Geography{}, fmt.Errorf("cannot resolve %q to an IP", host)
		}
		ip = ips[0]
	}
	city, err := m.reader.City(ip)
	if err != nil {
		return schemas.Geography{}, fmt.Errorf("geoip lookup for %s failed: %w", ip, err)
	}
	geo := schemas.Geography{
		Country: city.Country.IsoCode,
		City:    city.City.Names["en"],
	}
	if len(city.Subdivisions) > 0 {
		geo.Region = city.Subdivisions[0].Names["en"]
	}
	return geo, nil
}

// Close releases the underlying database handle.
func (m *MaxMindResolver) Close() error {
	return m.reader.Close()
}
