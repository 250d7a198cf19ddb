package simchip

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/pace"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
)

// ACCESS RULES:
// Files of the master file are always readable in plain. Once BAC or PACE is
// configured, files of the eMRTD application are only reachable through a secure
// messaging session; a plain SELECT or READ BINARY there gets 6982. A plain command
// received while a session is open ends that session, as ICAO 9303-11 requires.

// Config selects the behaviour of a Chip.
type Config struct {
	BAC  bool // answer GET CHALLENGE and EXTERNAL AUTHENTICATE
	PACE bool // answer MSE:Set AT and GENERAL AUTHENTICATE
	// ResponseChunk splits responses longer than this many bytes with 61XX. Zero
	// sends every response at once.
	ResponseChunk int
	// MaxRead caps the bytes returned by one READ BINARY. Zero honours Le.
	MaxRead int
	// EOFWarning ends a READ BINARY that reaches the end of the file before Le bytes
	// with 6282 instead of 9000.
	EOFWarning bool
	// RejectPACEStep answers the n-th GENERAL AUTHENTICATE after MSE:Set AT with
	// 6A80, 1 being the nonce request. Zero runs the handshake.
	RejectPACEStep int
	Rand           io.Reader
}

// Chip answers command APDUs for a Document. It implements transport.Card.
type Chip struct {
	doc *Document
	cfg Config

	mu          sync.Mutex
	removed     bool
	answersLeft int // -1: unlimited
	corrupt     bool

	inApp   bool
	current []byte
	session *sm.Session
	bac     *bac.Responder
	pace    *pace.Responder
	gaSteps int

	pending   []byte
	pendingSW iso7816.StatusWord

	commands []*iso7816.CommandAPDU
}

// New powers up a chip holding doc.
func New(doc *Document, cfg Config) (*Chip, error) {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	c := &Chip{doc: doc, cfg: cfg, answersLeft: -1}

	if cfg.BAC {
		r, err := bac.NewResponder(doc.Key, cfg.Rand)
		if err != nil {
			return nil, err
		}
		c.bac = r
	}

	if cfg.PACE {
		raw, ok := doc.MasterFiles[lds.FIDCardAccess]
		if !ok {
			return nil, fmt.Errorf("simchip: PACE needs EF.CardAccess")
		}
		ca, err := pace.ParseCardAccess(raw)
		if err != nil {
			return nil, err
		}
		info, ok := ca.Preferred()
		if !ok {
			return nil, fmt.Errorf("simchip: no supported PACEInfo in EF.CardAccess")
		}
		if c.pace, err = pace.NewResponder(doc.Key, info, cfg.Rand); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Remove takes the chip out of the field: every later exchange fails.
func (c *Chip) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
}

// RemoveAfter leaves the field after answering n more commands.
func (c *Chip) RemoveAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answersLeft = n
}

// CorruptNextResponse flips a bit of the MAC of the next protected response.
func (c *Chip) CorruptNextResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt = true
}

// Commands returns the commands processed so far, after removal of secure messaging.
func (c *Chip) Commands() []*iso7816.CommandAPDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*iso7816.CommandAPDU(nil), c.commands...)
}

// Transmit processes one command APDU.
func (c *Chip) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.answersLeft == 0 {
		c.removed = true
	}
	if c.removed {
		return nil, transport.ErrTagLost
	}
	if c.answersLeft > 0 {
		c.answersLeft--
	}

	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return status(iso7816.SW_ERR_WRONG_LENGTH).Bytes(), nil
	}

	if cmd.Instruction.Raw == iso7816.INS_GET_RESPONSE {
		return c.getResponse(cmd).Bytes(), nil
	}
	c.pending = nil

	return c.split(c.handle(cmd)).Bytes(), nil
}

func (c *Chip) handle(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if cmd.Class.SecureMessaging == iso7816.SMNone {
		c.session = nil
		c.commands = append(c.commands, cmd)
		return c.process(cmd, false)
	}

	if c.session == nil {
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
	}
	plain, err := c.session.UnwrapCommand(cmd)
	if err != nil {
		c.session = nil
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
	}
	c.commands = append(c.commands, plain)

	resp, err := c.session.WrapResponse(c.process(plain, true))
	if err != nil {
		c.session = nil
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT)
	}
	if c.corrupt && len(resp.Data) > 0 {
		c.corrupt = false
		resp.Data[len(resp.Data)-1] ^= 0x01
	}
	return resp
}

func (c *Chip) process(cmd *iso7816.CommandAPDU, protected bool) *iso7816.ResponseAPDU {
	switch cmd.Instruction.Raw {
	case iso7816.INS_SELECT:
		return c.selectFile(cmd, protected)
	case iso7816.INS_READ_BINARY, iso7816.INS_READ_BINARY_BER:
		return c.readBinary(cmd, protected)
	case iso7816.INS_GET_CHALLENGE:
		if c.bac == nil {
			return status(iso7816.SW_ERR_INS_INVALID)
		}
		challenge, err := c.bac.Challenge()
		if err != nil {
			return status(iso7816.SW_ERR_EXEC_NO_INFO)
		}
		return &iso7816.ResponseAPDU{Data: challenge, Status: iso7816.SW_NO_ERROR}
	case iso7816.INS_EXTERNAL_AUTHENTICATE:
		if c.bac == nil {
			return status(iso7816.SW_ERR_INS_INVALID)
		}
		reply, session, err := c.bac.Authenticate(cmd.Data)
		if err != nil {
			return status(rejection(err))
		}
		c.session = session
		return &iso7816.ResponseAPDU{Data: reply, Status: iso7816.SW_NO_ERROR}
	case iso7816.INS_MANAGE_SECURITY_ENVIRONMENT:
		if c.pace == nil {
			return status(iso7816.SW_ERR_INS_INVALID)
		}
		if err := c.pace.SetAT(cmd.Data); err != nil {
			return status(iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
		}
		c.gaSteps = 0
		return status(iso7816.SW_NO_ERROR)
	case iso7816.INS_GENERAL_AUTHENTICATE:
		if c.pace == nil {
			return status(iso7816.SW_ERR_INS_INVALID)
		}
		c.gaSteps++
		if c.gaSteps == c.cfg.RejectPACEStep {
			return status(iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
		}
		out, session, err := c.pace.Step(cmd.Data)
		if err != nil {
			return status(rejection(err))
		}
		if session != nil {
			c.session = session
		}
		return &iso7816.ResponseAPDU{Data: out, Status: iso7816.SW_NO_ERROR}
	default:
		return status(iso7816.SW_ERR_INS_INVALID)
	}
}

// rejection maps a handshake failure to the status a chip reports.
func rejection(err error) iso7816.StatusWord {
	if mrtderr.KindOf(err) == mrtderr.KindAuthentication {
		return iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT
	}
	return iso7816.SW_ERR_INCORRECT_PARAMS_DATA
}

func (c *Chip) secured(protected bool) bool {
	return c.inApp && (c.bac != nil || c.pace != nil) && !protected
}

func (c *Chip) selectFile(cmd *iso7816.CommandAPDU, protected bool) *iso7816.ResponseAPDU {
	switch {
	case cmd.P1 == byte(iso7816.SelectByDFName):
		if !bytes.Equal(cmd.Data, lds.AID) {
			return status(iso7816.SW_ERR_FILE_NOT_FOUND)
		}
		c.inApp, c.current = true, nil
		return status(iso7816.SW_NO_ERROR)
	case bytes.Equal(cmd.Data, []byte{0x3F, 0x00}):
		c.inApp, c.current = false, nil
		return status(iso7816.SW_NO_ERROR)
	case len(cmd.Data) != 2:
		return status(iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}

	if c.secured(protected) {
		return status(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT)
	}
	file, ok := c.file(uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1]))
	if !ok {
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	c.current = file
	return status(iso7816.SW_NO_ERROR)
}

func (c *Chip) file(fid uint16) ([]byte, bool) {
	files := c.doc.MasterFiles
	if c.inApp {
		files = c.doc.Files
	}
	file, ok := files[fid]
	return file, ok
}

func (c *Chip) readBinary(cmd *iso7816.CommandAPDU, protected bool) *iso7816.ResponseAPDU {
	if c.secured(protected) {
		return status(iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT)
	}

	offset, sfi, err := iso7816.ReadBinaryOffset(cmd)
	if err != nil {
		return status(iso7816.SW_ERR_INCORRECT_PARAMS_DATA)
	}
	if sfi != 0 {
		file, ok := c.file(0x0100 | uint16(sfi))
		if !ok {
			return status(iso7816.SW_ERR_FILE_NOT_FOUND)
		}
		c.current = file
	}
	if c.current == nil {
		return status(iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_EF)
	}
	if offset >= len(c.current) {
		return status(iso7816.SW_ERR_WRONG_P1P2)
	}

	ne := cmd.Ne
	odd := cmd.Instruction.Raw == iso7816.INS_READ_BINARY_BER
	if odd {
		ne -= 2 + len(tlv.EncodeLength(ne))
	}
	if c.cfg.MaxRead > 0 && ne > c.cfg.MaxRead {
		ne = c.cfg.MaxRead
	}

	end := offset + ne
	sw := iso7816.SW_NO_ERROR
	if end > len(c.current) {
		end = len(c.current)
		if c.cfg.EOFWarning {
			sw = iso7816.SW_WARN_EOF_REACHED
		}
	}

	data := append([]byte(nil), c.current[offset:end]...)
	if odd {
		data = tlv.Encode(0x53, data)
	}
	return &iso7816.ResponseAPDU{Data: data, Status: sw}
}

// split keeps the part of a response beyond ResponseChunk for GET RESPONSE.
func (c *Chip) split(resp *iso7816.ResponseAPDU) *iso7816.ResponseAPDU {
	if c.cfg.ResponseChunk <= 0 || len(resp.Data) <= c.cfg.ResponseChunk {
		return resp
	}
	c.pending = resp.Data[c.cfg.ResponseChunk:]
	c.pendingSW = resp.Status
	return &iso7816.ResponseAPDU{Data: resp.Data[:c.cfg.ResponseChunk], Status: c.available()}
}

func (c *Chip) getResponse(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if c.pending == nil {
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}
	n := min(cmd.Ne, len(c.pending))
	if c.cfg.ResponseChunk > 0 {
		n = min(n, c.cfg.ResponseChunk)
	}
	out := c.pending[:n]
	c.pending = c.pending[n:]
	if len(c.pending) > 0 {
		return &iso7816.ResponseAPDU{Data: out, Status: c.available()}
	}
	c.pending = nil
	return &iso7816.ResponseAPDU{Data: out, Status: c.pendingSW}
}

// available is 61XX for the pending bytes, 00 standing for 256 or more.
func (c *Chip) available() iso7816.StatusWord {
	n := len(c.pending)
	if n >= 256 {
		n = 0
	}
	return iso7816.NewStatusWord(0x61, byte(n))
}

func status(sw iso7816.StatusWord) *iso7816.ResponseAPDU {
	return &iso7816.ResponseAPDU{Status: sw}
}
