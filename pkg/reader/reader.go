// Package reader reads elementary files of an eMRTD over an iso7816.Client, with or
// without secure messaging.
//
// A file is read in two steps: the first bytes give the tag and length of its single
// outer TLV object, then READ BINARY is repeated with Le bounded by the block size
// until the announced size is reached. Chips may answer with fewer bytes than asked,
// or end a read with 6282 (end of file reached); both are absorbed here.
package reader

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// DefaultMaxBlockSize keeps a protected READ BINARY response within 256 bytes: 223
// bytes pad to 224, plus the DO87, DO99 and DO8E overhead.
const DefaultMaxBlockSize = 223

// headerLength is enough for a two byte tag and a four byte length.
const headerLength = 8

// Reader reads files through Client.
type Reader struct {
	Client *iso7816.Client
	// MaxBlockSize bounds Le of every READ BINARY. Zero means DefaultMaxBlockSize.
	MaxBlockSize int
	Logger       *slog.Logger
}

// New returns a Reader with the default block size.
func New(client *iso7816.Client) *Reader {
	return &Reader{Client: client, MaxBlockSize: DefaultMaxBlockSize}
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reader) blockSize() int {
	n := r.MaxBlockSize
	if n <= 0 {
		n = DefaultMaxBlockSize
	}
	return min(n, r.Client.MaxNe())
}

// SelectApplication selects the eMRTD application.
func (r *Reader) SelectApplication(ctx context.Context) error {
	_, err := r.Client.Transmit(ctx, iso7816.SelectApplication(lds.AID))
	return err
}

// SelectMasterFile selects the MF, where EF.CardAccess and EF.ATR/INFO live.
func (r *Reader) SelectMasterFile(ctx context.Context) error {
	_, err := r.Client.Transmit(ctx, iso7816.SelectMasterFile())
	return err
}

// SelectFile selects an EF of the current DF. An absent file is a KindNotFound error.
func (r *Reader) SelectFile(ctx context.Context, fid uint16) error {
	_, err := r.Client.Transmit(ctx, iso7816.SelectFile(fid))
	return err
}

// ReadFile selects fid and reads it completely. The file must hold a single TLV
// object, which is the case of every eMRTD file except EF.ATR/INFO.
func (r *Reader) ReadFile(ctx context.Context, fid uint16) ([]byte, error) {
	const op = "reader.ReadFile"

	if err := r.SelectFile(ctx, fid); err != nil {
		return nil, err
	}

	data, total, chunks, err := r.readHeader(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) > total {
		data = data[:total]
	}

	for len(data) < total {
		chunk, eof, err := r.readChunk(ctx, len(data), min(r.blockSize(), total-len(data)))
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		chunks++
		if eof && len(data) < total {
			return nil, mrtderr.Errorf(mrtderr.KindProtocol, op,
				"%s ends after %d of %d bytes", lds.FileName(fid), len(data), total)
		}
	}

	r.logger().Debug("file read", "file", lds.FileName(fid), "size", total, "chunks", chunks)
	return data[:total], nil
}

// readHeader reads until the tag and length of the outer object are known. It
// returns the bytes read, the total size of the object and the number of commands.
func (r *Reader) readHeader(ctx context.Context) ([]byte, int, int, error) {
	const op = "reader.ReadFile"

	var data []byte
	for chunks := 1; ; chunks++ {
		chunk, eof, err := r.readChunk(ctx, len(data), min(headerLength-len(data), r.blockSize()))
		if err != nil {
			return nil, 0, 0, err
		}
		data = append(data, chunk...)

		_, length, hdr, err := tlv.ParseHeader(data)
		if err == nil {
			return data, hdr + length, chunks, nil
		}
		if eof || len(data) >= headerLength {
			return nil, 0, 0, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
	}
}

// ReadTransparent selects fid and reads it until the chip reports the end of the file.
// It serves files that are not a single TLV object.
func (r *Reader) ReadTransparent(ctx context.Context, fid uint16) ([]byte, error) {
	if err := r.SelectFile(ctx, fid); err != nil {
		return nil, err
	}

	var data []byte
	for {
		n := r.blockSize()
		chunk, eof, err := r.readChunk(ctx, len(data), n)
		if err != nil {
			var se *iso7816.StatusError
			if len(data) > 0 && errors.As(err, &se) && se.Reason == iso7816.ReasonWrongParameters {
				// offset beyond the end of the file
				return data, nil
			}
			return nil, err
		}
		data = append(data, chunk...)
		if eof || len(chunk) < n {
			return data, nil
		}
	}
}

// readChunk issues one READ BINARY at offset. eof reports a 6282 status. A response
// without any byte is a protocol error, since the loop would not progress.
func (r *Reader) readChunk(ctx context.Context, offset, n int) ([]byte, bool, error) {
	const op = "reader.ReadBinary"

	cmd, err := iso7816.ReadBinary(offset, n)
	if err != nil {
		return nil, false, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	eof := false
	resp, err := r.Client.Transmit(ctx, cmd)
	if err != nil {
		var se *iso7816.StatusError
		if !errors.As(err, &se) || se.Reason != iso7816.ReasonEndOfFile || resp == nil {
			return nil, false, err
		}
		eof = true
	}

	chunk, err := iso7816.ReadBinaryPayload(cmd.Instruction.Raw, resp.Data)
	if err != nil {
		return nil, false, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	if len(chunk) == 0 {
		return nil, false, mrtderr.Errorf(mrtderr.KindProtocol, op, "no data at offset %d", offset)
	}
	if len(chunk) > n {
		chunk = chunk[:n]
	}
	return chunk, eof, nil
}
