// Package discovery lets terminals find the authority on the local
// network via mDNS/DNS-SD. The authority advertises one service
// instance per deployment; terminals browse for it and match on the
// system name from the TXT record.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// Service constants.
const (
	// ServiceType is the DNS-SD service type of the authority.
	ServiceType = "_maco-authority._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the authority's default listen port.
	DefaultPort = 47810
)

// ErrNotFound is returned when no matching authority was discovered.
var ErrNotFound = errors.New("authority not found")

// AuthorityInfo describes the advertised authority.
type AuthorityInfo struct {
	// InstanceName is the mDNS instance name.
	InstanceName string

	// SystemName identifies the deployment; terminals only connect to
	// an authority with their configured system name.
	SystemName string

	// Port is the TCP listen port; zero selects DefaultPort.
	Port uint16

	// Version is the advertised software version.
	Version string
}

// AuthorityService is a discovered authority.
type AuthorityService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	SystemName   string
	Version      string
}

// Addr returns a dialable "address:port" for the first discovered
// address.
func (s *AuthorityService) Addr() (string, error) {
	if len(s.Addresses) == 0 {
		return "", fmt.Errorf("service %s has no addresses", s.InstanceName)
	}
	return net.JoinHostPort(s.Addresses[0], fmt.Sprintf("%d", s.Port)), nil
}

// encodeTXT builds the TXT record strings.
func encodeTXT(info *AuthorityInfo) []string {
	return []string{
		"sn=" + info.SystemName,
		"ver=" + info.Version,
	}
}

// decodeTXT extracts the system name and version from TXT strings.
func decodeTXT(txt []string) (systemName, version string, err error) {
	for _, record := range txt {
		key, value, found := strings.Cut(record, "=")
		if !found {
			continue
		}
		switch key {
		case "sn":
			systemName = value
		case "ver":
			version = value
		}
	}
	if systemName == "" {
		return "", "", errors.New("TXT record has no system name")
	}
	return systemName, version, nil
}

// Advertiser announces the authority service via zeroconf.
type Advertiser struct {
	// Interface restricts advertising to one network interface when
	// set, otherwise all interfaces are used.
	Interface string

	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise starts (or replaces) the announcement.
func (a *Advertiser) Advertise(info *AuthorityInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	instanceName := info.InstanceName
	if instanceName == "" {
		instanceName = "maco-" + info.SystemName
	}
	port := int(info.Port)
	if port == 0 {
		port = DefaultPort
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		encodeTXT(info),
		a.interfaces(),
	)
	if err != nil {
		return fmt.Errorf("failed to register authority service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Browse emits discovered authorities until ctx is done. Addresses
// from multiple interfaces are aggregated per instance name.
func Browse(ctx context.Context) (<-chan *AuthorityService, error) {
	out := make(chan *AuthorityService)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(out)

		services := make(map[string]*AuthorityService)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := entryToService(entry)
				if svc == nil {
					continue
				}
				if existing, found := services[svc.InstanceName]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.InstanceName] = svc
				select {
				case out <- svc:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entry)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	return out, nil
}

// Find returns the first discovered authority for the system name.
// The context bounds the search.
func Find(ctx context.Context, systemName string) (*AuthorityService, error) {
	results, err := Browse(ctx)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case svc, ok := <-results:
			if !ok {
				return nil, ErrNotFound
			}
			if svc.SystemName == systemName {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func entryToService(entry *zeroconf.ServiceEntry) *AuthorityService {
	systemName, version, err := decodeTXT(entry.Text)
	if err != nil {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &AuthorityService{
		InstanceName: entry.Instance,
		Host:         entry.HostName,
		Port:         uint16(entry.Port),
		Addresses:    addrs,
		SystemName:   systemName,
		Version:      version,
	}
}

// mergeAddresses adds new addresses to the existing list, avoiding
// duplicates.
func mergeAddresses(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range incoming {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses drops the entry's addresses from the list.
func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	toRemove := make(map[string]bool)
	for _, ip := range entry.AddrIPv4 {
		toRemove[ip.String()] = true
	}
	for _, ip := range entry.AddrIPv6 {
		toRemove[ip.String()] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
