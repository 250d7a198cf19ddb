package reader

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/simchip"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
)

func newReader(t *testing.T, doc *simchip.Document, cfg simchip.Config) (*Reader, *simchip.Chip) {
	t.Helper()
	chip, err := simchip.New(doc, cfg)
	require.NoError(t, err)
	return New(iso7816.NewClient(transport.NewChannel(chip))), chip
}

func TestReadFile_ChunkingInvariance(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{PortraitSize: 3000})
	require.NoError(t, err)

	tests := []struct {
		block int
		chip  simchip.Config
	}{
		{block: 223},
		{block: 1},
		{block: 7},
		{block: 256},
		{block: 100, chip: simchip.Config{MaxRead: 37}},
		{block: 223, chip: simchip.Config{ResponseChunk: 50}},
		{block: 64, chip: simchip.Config{EOFWarning: true}},
		{block: 223, chip: simchip.Config{MaxRead: 1, EOFWarning: true}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("block=%d/%+v", tt.block, tt.chip), func(t *testing.T) {
			r, _ := newReader(t, doc, tt.chip)
			r.MaxBlockSize = tt.block

			ctx := context.Background()
			require.NoError(t, r.SelectApplication(ctx))

			for _, fid := range []uint16{lds.FIDCOM, 0x0101, 0x0102, lds.FIDSOD} {
				got, err := r.ReadFile(ctx, fid)
				require.NoError(t, err, lds.FileName(fid))
				require.Equal(t, doc.Files[fid], got, lds.FileName(fid))
			}
		})
	}
}

func TestReadFile_BeyondEvenOffsets(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{PortraitSize: iso7816.MaxEvenOffset + 5000})
	require.NoError(t, err)
	r, chip := newReader(t, doc, simchip.Config{})

	ctx := context.Background()
	require.NoError(t, r.SelectApplication(ctx))
	got, err := r.ReadFile(ctx, 0x0102)
	require.NoError(t, err)
	require.Equal(t, doc.DataGroup(2), got)

	odd := 0
	for _, cmd := range chip.Commands() {
		if cmd.Instruction.Raw == iso7816.INS_READ_BINARY_BER {
			odd++
		}
	}
	require.Positive(t, odd)
}

func TestReadFile_NotFound(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{})
	require.NoError(t, err)
	r, _ := newReader(t, doc, simchip.Config{})

	ctx := context.Background()
	require.NoError(t, r.SelectApplication(ctx))
	_, err = r.ReadFile(ctx, 0x0103)
	require.ErrorIs(t, err, mrtderr.ErrNotFound)
}

func TestReadFile_Protected(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{})
	require.NoError(t, err)
	r, _ := newReader(t, doc, simchip.Config{BAC: true, ResponseChunk: 100})

	ctx := context.Background()
	require.NoError(t, r.SelectApplication(ctx))

	_, err = r.ReadFile(ctx, lds.FIDCOM)
	require.Error(t, err, "plain access to a BAC protected application")

	require.NoError(t, r.SelectApplication(ctx))
	session, err := bac.Authenticate(ctx, r.Client, doc.Key, rand.Reader)
	require.NoError(t, err)
	r.Client.SetProtector(session)

	for _, fid := range []uint16{lds.FIDCOM, 0x0102, lds.FIDSOD} {
		got, err := r.ReadFile(ctx, fid)
		require.NoError(t, err)
		require.Equal(t, doc.Files[fid], got)
	}
}

func TestReadFile_TagLost(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{})
	require.NoError(t, err)
	r, chip := newReader(t, doc, simchip.Config{})

	ctx := context.Background()
	require.NoError(t, r.SelectApplication(ctx))
	chip.RemoveAfter(3)

	_, err = r.ReadFile(ctx, 0x0102)
	require.ErrorIs(t, err, mrtderr.ErrTransport)
	require.True(t, mrtderr.Retryable(err))
}

func TestReadTransparent(t *testing.T) {
	doc, err := simchip.NewSpecimen(simchip.Options{ExtendedLength: true})
	require.NoError(t, err)

	for _, cfg := range []simchip.Config{{}, {EOFWarning: true}} {
		r, _ := newReader(t, doc, cfg)
		r.MaxBlockSize = 4

		ctx := context.Background()
		require.NoError(t, r.SelectMasterFile(ctx))
		got, err := r.ReadTransparent(ctx, lds.FIDATRInfo)
		require.NoError(t, err)
		require.Equal(t, doc.MasterFiles[lds.FIDATRInfo], got)
	}
}
