package lds

import (
	"fmt"
	"strings"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// EF.COM STRUCTURE:
//
//	60 L
//	   5F01 04 "0107"        LDS version 1.7
//	   5F36 06 "040000"      Unicode version 4.0.0
//	   5C   L  61 75 ...     tags of the data groups present
//
// Every data group file is a single BER-TLV object whose tag identifies the group.
// DG1 holds the MRZ as text under 5F1F.

// COM is the decoded EF.COM.
type COM struct {
	LDSVersion     string // e.g. "1.7"
	UnicodeVersion string // e.g. "4.0.0"
	DataGroups     []DataGroupNumber
	Raw            []byte
}

// Has reports whether EF.COM lists n.
func (c *COM) Has(n DataGroupNumber) bool {
	for _, dg := range c.DataGroups {
		if dg == n {
			return true
		}
	}
	return false
}

// String lists the data objects of EF.COM as read.
func (c *COM) String() string {
	var f comFile
	if err := tlv.Unmarshal(c.Raw, &f); err != nil {
		return fmt.Sprintf("EF.COM: LDS %s, Unicode %s", c.LDSVersion, c.UnicodeVersion)
	}
	var sb strings.Builder
	tlv.WriteStructFields(&sb, "COM", f.COM)
	return sb.String()
}

type comFile struct {
	COM struct {
		LDSVersion     string `tlv:"5F01,text"`
		UnicodeVersion string `tlv:"5F36,text"`
		TagList        []byte `tlv:"5C" fmt:"tags"`
	} `tlv:"60"`
}

// ParseCOM decodes EF.COM. Unknown tags in the tag list are ignored.
func ParseCOM(raw []byte) (*COM, error) {
	const op = "lds.ParseCOM"

	if err := expectTag(raw, TagCOM); err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	var f comFile
	if err := tlv.Unmarshal(raw, &f); err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	c := &COM{
		LDSVersion:     dottedVersion(f.COM.LDSVersion, 2),
		UnicodeVersion: dottedVersion(f.COM.UnicodeVersion, 2),
		Raw:            raw,
	}
	for _, tag := range f.COM.TagList {
		if n, ok := DataGroupByTag(uint32(tag)); ok {
			c.DataGroups = append(c.DataGroups, n)
		}
	}
	return c, nil
}

// dottedVersion turns "0107" into "1.7" and "040000" into "4.0.0".
func dottedVersion(s string, width int) string {
	if s == "" || len(s)%width != 0 {
		return s
	}
	parts := make([]string, 0, len(s)/width)
	for i := 0; i < len(s); i += width {
		part := strings.TrimLeft(s[i:i+width], "0")
		if part == "" {
			part = "0"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ".")
}

// DataGroup is a data group file as read from the chip.
type DataGroup struct {
	Number  DataGroupNumber
	Raw     []byte // the complete file, which is what EF.SOD hashes
	Content []byte // the value of the outer object
}

// ParseDataGroup identifies a data group file by its tag. Bytes after the outer object
// are ignored; the SOD digest still covers Raw as read.
func ParseDataGroup(raw []byte) (*DataGroup, error) {
	const op = "lds.ParseDataGroup"

	obj, _, err := tlv.Next(raw)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	n, ok := DataGroupByTag(obj.Tag)
	if !ok {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "tag %X is not a data group", obj.Tag)
	}
	return &DataGroup{Number: n, Raw: raw, Content: obj.Value}, nil
}

type dg1File struct {
	DG1 struct {
		MRZ string `tlv:"5F1F,text"`
	} `tlv:"61"`
}

// ParseDG1 decodes the MRZ stored in DG1.
func ParseDG1(raw []byte) (*mrz.Data, error) {
	const op = "lds.ParseDG1"

	if err := expectTag(raw, DataGroupNumber(1).Tag()); err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	var f dg1File
	if err := tlv.Unmarshal(raw, &f); err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	if f.DG1.MRZ == "" {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "no MRZ data object (5F1F)")
	}

	data, err := mrz.Parse(f.DG1.MRZ)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	return data, nil
}

func expectTag(raw []byte, want uint32) error {
	tag, _, _, err := tlv.ParseHeader(raw)
	if err != nil {
		return err
	}
	if tag != want {
		return fmt.Errorf("unexpected tag %X, want %X", tag, want)
	}
	return nil
}

// ATRInfo is what EF.ATR/INFO says about APDU lengths.
type ATRInfo struct {
	// ExtendedLength is set when the file carries the extended length information
	// data object (7F66).
	ExtendedLength    bool
	MaxCommandLength  int
	MaxResponseLength int
}

// ParseATRInfo looks for the extended length information in EF.ATR/INFO (ISO 7816-4
// §12.7.1). A file without it yields ExtendedLength false and no error.
func ParseATRInfo(raw []byte) (*ATRInfo, error) {
	const op = "lds.ParseATRInfo"

	objects, err := tlv.Split(raw)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	info := &ATRInfo{}
	ext := tlv.Find(objects, 0x7F66)
	if ext == nil {
		return info, nil
	}
	info.ExtendedLength = true

	inner, err := tlv.Split(ext.Value)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, fmt.Errorf("extended length information: %w", err))
	}
	var limits []int
	for _, o := range inner {
		if o.Tag != 0x02 {
			continue
		}
		v := 0
		for _, b := range o.Value {
			v = v<<8 | int(b)
		}
		limits = append(limits, v)
	}
	if len(limits) > 0 {
		info.MaxCommandLength = limits[0]
	}
	if len(limits) > 1 {
		info.MaxResponseLength = limits[1]
	}
	return info, nil
}
