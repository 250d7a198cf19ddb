package lds_test

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/simchip"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func TestDataGroupNumber(t *testing.T) {
	tests := []struct {
		n   lds.DataGroupNumber
		fid uint16
		tag uint32
	}{
		{1, 0x0101, 0x61},
		{2, 0x0102, 0x75},
		{3, 0x0103, 0x63},
		{4, 0x0104, 0x76},
		{11, 0x010B, 0x6B},
		{14, 0x010E, 0x6E},
		{15, 0x010F, 0x6F},
		{16, 0x0110, 0x70},
	}
	for _, tt := range tests {
		t.Run(tt.n.String(), func(t *testing.T) {
			require.True(t, tt.n.Valid())
			require.Equal(t, tt.fid, tt.n.FID())
			require.Equal(t, tt.tag, tt.n.Tag())

			byTag, ok := lds.DataGroupByTag(tt.tag)
			require.True(t, ok)
			require.Equal(t, tt.n, byTag)

			byFID, ok := lds.DataGroupByFID(tt.fid)
			require.True(t, ok)
			require.Equal(t, tt.n, byFID)
		})
	}

	require.False(t, lds.DataGroupNumber(0).Valid())
	require.False(t, lds.DataGroupNumber(17).Valid())
	_, ok := lds.DataGroupByTag(0x77)
	require.False(t, ok)
	_, ok = lds.DataGroupByFID(lds.FIDSOD)
	require.False(t, ok)
}

func TestFileName(t *testing.T) {
	require.Equal(t, "EF.COM", lds.FileName(lds.FIDCOM))
	require.Equal(t, "EF.SOD", lds.FileName(lds.FIDSOD))
	require.Equal(t, "EF.CardAccess", lds.FileName(lds.FIDCardAccess))
	require.Equal(t, "EF.DG2", lds.FileName(0x0102))
	require.Equal(t, "EF 0200", lds.FileName(0x0200))
}

func TestParseCOM(t *testing.T) {
	// ICAO 9303-10 example: LDS 1.7, Unicode 4.0.0, DG1 DG2 DG4
	raw := mustHex(t, "60 16 5F01 04 30313037 5F36 06 303430303030 5C 04 617576FF")

	com, err := lds.ParseCOM(raw)
	require.NoError(t, err)
	require.Equal(t, "1.7", com.LDSVersion)
	require.Equal(t, "4.0.0", com.UnicodeVersion)
	require.Equal(t, []lds.DataGroupNumber{1, 2, 4}, com.DataGroups)
	require.True(t, com.Has(2))
	require.False(t, com.Has(3))
	require.Equal(t, "    - COM.LDSVersion (5F01): 0107\n"+
		"    - COM.UnicodeVersion (5F36): 040000\n"+
		"    - COM.TagList (5C): 61 75 76 FF", com.String())
}

func TestParseCOM_WrongTag(t *testing.T) {
	_, err := lds.ParseCOM(mustHex(t, "61 03 5C 01 61"))
	require.ErrorIs(t, err, mrtderr.ErrProtocol)
}

func TestParseDataGroup(t *testing.T) {
	dg, err := lds.ParseDataGroup(mustHex(t, "6B 03 5F 0E 00"))
	require.NoError(t, err)
	require.Equal(t, lds.DataGroupNumber(11), dg.Number)
	require.Equal(t, mustHex(t, "5F0E00"), dg.Content)

	_, err = lds.ParseDataGroup(mustHex(t, "77 00"))
	require.ErrorIs(t, err, mrtderr.ErrProtocol)
}

func TestParseDG1(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{})
	require.NoError(t, err)

	data, err := lds.ParseDG1(doc.DataGroup(1))
	require.NoError(t, err)
	require.Equal(t, "L898902C3", data.DocumentNumber)
	require.Equal(t, "ERIKSSON", data.PrimaryIdentifier)

	_, err = lds.ParseDG1(mustHex(t, "61 03 5F 1F 00"))
	require.ErrorIs(t, err, mrtderr.ErrProtocol)
}

func TestParseATRInfo(t *testing.T) {
	info, err := lds.ParseATRInfo(mustHex(t, "7F66 08 02 02 0400 02 02 0800"))
	require.NoError(t, err)
	require.True(t, info.ExtendedLength)
	require.Equal(t, 0x0400, info.MaxCommandLength)
	require.Equal(t, 0x0800, info.MaxResponseLength)

	info, err = lds.ParseATRInfo(mustHex(t, "47 03 948000"))
	require.NoError(t, err)
	require.False(t, info.ExtendedLength)
}

func TestParseSecurityObject_Specimen(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{})
	require.NoError(t, err)

	sod, err := lds.ParseSecurityObject(doc.Files[lds.FIDSOD])
	require.NoError(t, err)

	require.Equal(t, lds.OIDLDSSecurityObject, sod.ContentType)
	h, ok := sod.HashFunc()
	require.True(t, ok)
	require.Equal(t, crypto.SHA256, h)
	require.Equal(t, []lds.DataGroupNumber{1, 2}, sod.DataGroups())

	want := sha256.Sum256(doc.DataGroup(2))
	require.Equal(t, want[:], sod.Hashes[2])

	require.Len(t, sod.Certificates, 1)
	require.Equal(t, doc.DocumentSigner.Raw, sod.Certificates[0])
	require.Equal(t, doc.DocumentSigner.SerialNumber, sod.Signer.SID.SerialNumber)
	require.Equal(t, doc.DocumentSigner.RawIssuer, sod.Signer.SID.Issuer)

	ct, err := sod.Signer.ContentType()
	require.NoError(t, err)
	require.Equal(t, lds.OIDLDSSecurityObject, ct)

	digest, err := sod.Signer.MessageDigest()
	require.NoError(t, err)
	content := sha256.Sum256(sod.Content)
	require.Equal(t, content[:], digest)

	require.Equal(t, byte(0x31), sod.Signer.SignedAttributes[0])
}

func TestParseSecurityObject_Malformed(t *testing.T) {
	tests := map[string]string{
		"wrong tag":      "30 03 02 01 00",
		"not signed":     "77 05 30 03 02 01 00",
		"truncated":      "77 10 30 0E",
		"wrong contents": "77 0D 30 0B 06 09 2A864886F70D010701",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := lds.ParseSecurityObject(mustHex(t, in))
			require.Error(t, err)
			require.Equal(t, mrtderr.KindProtocol, mrtderr.KindOf(err))
		})
	}
}

func TestMarshalLDSSecurityObject(t *testing.T) {
	hashes := map[lds.DataGroupNumber][]byte{
		14: make([]byte, 32),
		1:  mustHex(t, "0101010101010101010101010101010101010101010101010101010101010101"),
	}
	der, err := lds.MarshalLDSSecurityObject(crypto.SHA256, hashes)
	require.NoError(t, err)

	var lso struct {
		Version       int
		HashAlgorithm pkix.AlgorithmIdentifier
		Hashes        []struct {
			Number int
			Value  []byte
		}
	}
	rest, err := asn1.Unmarshal(der, &lso)
	require.NoError(t, err)
	require.Empty(t, rest)

	require.Equal(t, 0, lso.Version)
	oid, _ := lds.HashOID(crypto.SHA256)
	require.True(t, lso.HashAlgorithm.Algorithm.Equal(oid))
	require.Len(t, lso.Hashes, 2)
	require.Equal(t, 1, lso.Hashes[0].Number)
	require.Equal(t, hashes[1], lso.Hashes[0].Value)
	require.Equal(t, 14, lso.Hashes[1].Number)

	_, err = lds.MarshalLDSSecurityObject(crypto.MD5, hashes)
	require.Error(t, err)
}

func TestSecurityObject_ExtraDataGroups(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{
		Hash: crypto.SHA384,
		DataGroups: map[lds.DataGroupNumber][]byte{
			11: mustHex(t, "6B 05 5F0E 02 4141"),
		},
	})
	require.NoError(t, err)

	com, err := lds.ParseCOM(doc.Files[lds.FIDCOM])
	require.NoError(t, err)
	require.Equal(t, []lds.DataGroupNumber{1, 2, 11}, com.DataGroups)

	sod, err := lds.ParseSecurityObject(doc.Files[lds.FIDSOD])
	require.NoError(t, err)
	require.Equal(t, com.DataGroups, sod.DataGroups())
	h, _ := sod.HashFunc()
	require.Equal(t, crypto.SHA384, h)
	require.Len(t, sod.Hashes[11], crypto.SHA384.Size())
}

func TestHashOID(t *testing.T) {
	for _, h := range []crypto.Hash{crypto.SHA1, crypto.SHA224, crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		oid, ok := lds.HashOID(h)
		require.True(t, ok, h.String())
		back, ok := lds.HashFunc(oid)
		require.True(t, ok)
		require.Equal(t, h, back)
	}
}
