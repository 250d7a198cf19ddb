package trust

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldif"
)

// ICAO PKD LDIF EXPORTS:
// Certificate entries carry the DER under "userCertificate;binary"; master list
// entries carry a complete CSCA master list under "CscaMasterListData". Other
// entries (CRLs, deviation lists) are skipped.

const (
	attrUserCertificate = "usercertificate;binary"
	attrMasterList      = "cscamasterlistdata"
)

// AddLDIF adds the certificates of an ICAO PKD LDIF export and returns their number.
func (s *Store) AddLDIF(data []byte, opts Options) (int, error) {
	parsed, err := ldif.Parse(string(data))
	if err != nil {
		return 0, fmt.Errorf("trust: LDIF: %w", err)
	}

	n := 0
	for _, entry := range parsed.Entries {
		if entry == nil || entry.Entry == nil {
			continue
		}
		for _, attr := range entry.Entry.Attributes {
			switch strings.ToLower(attr.Name) {
			case attrUserCertificate:
				for _, der := range attr.ByteValues {
					if err := s.Add(der); err != nil {
						return n, fmt.Errorf("trust: LDIF entry %s: %w", entry.Entry.DN, err)
					}
					n++
				}
			case attrMasterList:
				for _, ml := range attr.ByteValues {
					added, err := s.AddMasterList(ml, opts)
					if err != nil {
						return n, fmt.Errorf("trust: LDIF entry %s: %w", entry.Entry.DN, err)
					}
					n += added
				}
			}
		}
	}
	return n, nil
}
