package leases

import (
	"errors"
	"strings"
)

// ErrNoLease reports that a MAC has no known address. This is expected
// whenever a device has not requested a lease yet; callers log and skip
// routing work instead of failing the operation.
var ErrNoLease = errors.New("no lease found for device")

// Resolver maps a device MAC to its current IPv4 address, preferring the
// runtime lease table and falling back to static reservations.
type Resolver struct {
	LeaseTablePath string
	Static         *StaticLeaseFile
}

// NewResolver creates a resolver over the given dnsmasq files.
func NewResolver(leaseTablePath, staticLeasePath string) *Resolver {
	return &Resolver{
		LeaseTablePath: leaseTablePath,
		Static:         &StaticLeaseFile{Path: staticLeasePath},
	}
}

// Resolve returns the current address for mac. MAC comparison is
// case-insensitive. Returns ErrNoLease when neither source knows the
// device.
func (r *Resolver) Resolve(mac string) (string, error) {
	records, err := ReadLeaseTable(r.LeaseTablePath)
	if err != nil {
		return "", err
	}
	for _, record := range records {
		if strings.EqualFold(record.MAC, mac) {
			return record.IP, nil
		}
	}

	if r.Static != nil {
		ip, found, err := r.Static.Lookup(mac)
		if err != nil {
			return "", err
		}
		if found {
			return ip, nil
		}
	}
	return "", ErrNoLease
}
