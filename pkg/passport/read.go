package passport

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
	"github.com/gregLibert/mrtd-reader/pkg/verify"
)

// Result is what Read returns: the raw files, the parsed MRZ and the passive
// authentication outcome. It is not modified after Read returns.
type Result struct {
	SessionID uuid.UUID
	Protocol  Protocol

	COM *lds.COM
	SOD *lds.SecurityObject
	// DataGroups holds the complete files that were read, keyed by number.
	DataGroups map[lds.DataGroupNumber][]byte
	// Skipped lists data groups listed in EF.COM that the chip refused or lacked.
	Skipped []lds.DataGroupNumber
	// DG1 is nil when DG1 was not read.
	DG1 *mrz.Data

	Verification *verify.Result
}

// SODBase64 returns EF.SOD encoded in standard Base64, the export format of the
// document.
func (r *Result) SODBase64() string {
	return base64.StdEncoding.EncodeToString(r.SOD.Raw)
}

// Read opens a session on ch, reads the document and verifies it. ch is closed when
// Read returns. Handshake and transport failures abort the read; verification
// failures are reported in Result.Verification.
func Read(ctx context.Context, ch *transport.Channel, cfg Config) (*Result, error) {
	s, err := Open(ctx, ch, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Read(ctx)
}

// Read reads EF.COM, EF.SOD and the data groups of cfg.DataGroups that EF.COM lists,
// then verifies them against EF.SOD.
func (s *Session) Read(ctx context.Context) (*Result, error) {
	comRaw, err := s.ReadFile(ctx, lds.FIDCOM)
	if err != nil {
		return nil, err
	}
	com, err := lds.ParseCOM(comRaw)
	if err != nil {
		return nil, err
	}

	sodRaw, err := s.ReadFile(ctx, lds.FIDSOD)
	if err != nil {
		return nil, err
	}
	sod, err := lds.ParseSecurityObject(sodRaw)
	if err != nil {
		return nil, err
	}

	res := &Result{
		SessionID:  s.ID,
		Protocol:   s.protocol,
		COM:        com,
		SOD:        sod,
		DataGroups: make(map[lds.DataGroupNumber][]byte),
	}

	for _, n := range s.wanted(com) {
		raw, err := s.ReadFile(ctx, n.FID())
		if err != nil {
			if !skippable(err) {
				return nil, err
			}
			s.logger.Warn("data group skipped", "dg", n.String(), "err", err)
			res.Skipped = append(res.Skipped, n)
			continue
		}
		res.DataGroups[n] = raw
	}

	if raw, ok := res.DataGroups[1]; ok {
		if res.DG1, err = lds.ParseDG1(raw); err != nil {
			return nil, err
		}
	}

	res.Verification = verify.Verify(sod, res.DataGroups, verify.Options{
		Roots:       s.cfg.Trust,
		CurrentTime: s.cfg.Time,
		Logger:      s.logger,
	})
	return res, nil
}

// wanted returns the data groups to read.
func (s *Session) wanted(com *lds.COM) []lds.DataGroupNumber {
	if s.cfg.DataGroups == nil {
		return com.DataGroups
	}
	var out []lds.DataGroupNumber
	for _, n := range s.cfg.DataGroups {
		if com.Has(n) {
			out = append(out, n)
		} else {
			s.logger.Debug("data group not listed in EF.COM", "dg", n.String())
		}
	}
	return out
}

// skippable reports whether a data group read failed on that file alone: the file is
// absent, or it needs an access right (Extended Access Control) the session lacks.
func skippable(err error) bool {
	if mrtderr.KindOf(err) == mrtderr.KindNotFound {
		return true
	}
	var se *iso7816.StatusError
	return errors.As(err, &se) && se.Reason == iso7816.ReasonSecurityStatusNotSatisfied
}
