package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/gregLibert/mrtd-reader/pkg/config"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/logging"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/pace"
	"github.com/gregLibert/mrtd-reader/pkg/passport"
	"github.com/gregLibert/mrtd-reader/pkg/simchip"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
	"github.com/gregLibert/mrtd-reader/pkg/trust"
	"github.com/gregLibert/mrtd-reader/pkg/verify"
)

// Exit codes, so that a wrapper can tell "check the document details" from "tap again".
const (
	exitOK          = 0
	exitFailure     = 1
	exitCredentials = 2
	exitTransport   = 3
)

type options struct {
	envFile      string
	simulate     bool
	listReaders  bool
	number       string
	dateOfBirth  string
	dateOfExpiry string
	trustStore   string
}

func main() {
	var opts options
	flag.StringVar(&opts.envFile, "env", "", "environment file (default .env when present)")
	flag.BoolVar(&opts.simulate, "simulate", false, "read a simulated specimen passport instead of a reader")
	flag.BoolVar(&opts.listReaders, "readers", false, "list the PC/SC readers and exit")
	flag.StringVar(&opts.number, "number", "", "document number (overrides MRTD_DOCUMENT_NUMBER)")
	flag.StringVar(&opts.dateOfBirth, "dob", "", "date of birth, YYMMDD or YYYY-MM-DD (overrides MRTD_DATE_OF_BIRTH)")
	flag.StringVar(&opts.dateOfExpiry, "doe", "", "date of expiry, YYMMDD or YYYY-MM-DD (overrides MRTD_DATE_OF_EXPIRY)")
	flag.StringVar(&opts.trustStore, "trust", "", "CSCA trust store (overrides MRTD_TRUST_STORE)")
	flag.Usage = config.Usage("Environment variables:", flag.Usage)
	flag.Parse()

	os.Exit(run(opts))
}

func run(opts options) int {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		color.Red("Configuration error: %v", err)
		return exitFailure
	}
	logger := logging.InitLogger(cfg.LogLevel)

	if opts.listReaders {
		return listReaders()
	}

	overrideCredentials(cfg, opts)
	if opts.trustStore != "" {
		cfg.TrustStore = opts.trustStore
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// --- 1. Credentials & trust anchors ---
	banner("Step 1: MRZ KEY & TRUST ANCHORS")

	var chip *simchip.Chip
	var doc *simchip.Document
	if opts.simulate {
		if doc, chip, err = simulatedPassport(); err != nil {
			color.Red("Simulation setup failed: %v", err)
			return exitFailure
		}
		if cfg.DocumentNumber == "" {
			cfg.DocumentNumber, cfg.DateOfBirth, cfg.DateOfExpiry = "L898902C3", "740812", "120415"
		}
	}

	key, err := cfg.Key()
	if err != nil {
		color.Red("Invalid MRZ key: %v", err)
		return exitCredentials
	}
	fmt.Printf(">> Document number %s, born %s, expires %s\n", key.DocumentNumber(), key.DateOfBirth(), key.DateOfExpiry())

	store, err := cfg.Trust()
	if err != nil {
		color.Red("Trust store error: %v", err)
		return exitFailure
	}
	if store == nil && doc != nil {
		store = trust.FromCertificates(doc.CSCA)
	}
	if store != nil {
		fmt.Printf(">> %d trusted CSCA certificates\n", store.Len())
	} else {
		color.Yellow(">> No trust store: the signer chain will not be evaluated")
	}

	pc := cfg.Passport()
	pc.Key = key
	pc.Trust = store
	pc.Logger = logger

	// --- 2. Connection ---
	banner("Step 2: CONNECTING TO THE CHIP")

	ch, err := connect(cfg, chip, pc)
	if err != nil {
		color.Red("Connection failed: %v", err)
		return exitTransport
	}

	// --- 3. Session & read ---
	banner("Step 3: ACCESS CONTROL & READING")

	res, err := passport.Read(ctx, ch, pc)
	if err != nil {
		return reportError(err)
	}
	color.Green(">> %s session %s", res.Protocol, res.SessionID)

	// --- 4. Results ---
	banner("Step 4: DOCUMENT")
	printDocument(res)

	banner("Step 5: PASSIVE AUTHENTICATION")
	printVerification(res.Verification)

	fmt.Println("\nEF.SOD (Base64):")
	fmt.Println(res.SODBase64())

	if !res.Verification.Valid() {
		return exitFailure
	}
	fmt.Println("\n>> Read Finished Successfully")
	return exitOK
}

// =========================================================================
// Helper Functions
// =========================================================================

func banner(title string) {
	fmt.Println()
	color.Cyan("=============================================")
	color.Cyan(" %s", title)
	color.Cyan("=============================================")
}

func overrideCredentials(cfg *config.Config, opts options) {
	if opts.number != "" {
		cfg.DocumentNumber = opts.number
	}
	if opts.dateOfBirth != "" {
		cfg.DateOfBirth = opts.dateOfBirth
	}
	if opts.dateOfExpiry != "" {
		cfg.DateOfExpiry = opts.dateOfExpiry
	}
}

func listReaders() int {
	readers, err := transport.ListPCSCReaders()
	if err != nil {
		color.Red("Cannot list readers: %v", err)
		return exitTransport
	}
	for _, r := range readers {
		fmt.Println(r)
	}
	return exitOK
}

// simulatedPassport builds the ICAO specimen on a chip offering PACE and BAC.
func simulatedPassport() (*simchip.Document, *simchip.Chip, error) {
	oid, err := pace.ProtocolOID(pace.ECDH, pace.GenericMapping, sm.AES128)
	if err != nil {
		return nil, nil, err
	}
	doc, err := simchip.NewSpecimen(simchip.Options{
		PACE: []pace.Info{{Protocol: oid, Version: 2, ParameterID: 13, HasParameterID: true}},
	})
	if err != nil {
		return nil, nil, err
	}
	chip, err := simchip.New(doc, simchip.Config{BAC: true, PACE: true, ResponseChunk: 128})
	if err != nil {
		return nil, nil, err
	}
	return doc, chip, nil
}

func connect(cfg *config.Config, chip *simchip.Chip, pc passport.Config) (*transport.Channel, error) {
	if chip != nil {
		fmt.Println(">> Using the simulated chip")
		return transport.NewChannel(chip, pc.ChannelOptions()...), nil
	}

	open := transport.OpenPCSC
	if cfg.Backend == "pcsclite" {
		open = transport.OpenPCSCLite
	}
	ch, reader, err := open(cfg.Reader, pc.ChannelOptions()...)
	if err != nil {
		return nil, err
	}
	fmt.Printf(">> Using reader: %s (%s)\n", reader, cfg.Backend)
	return ch, nil
}

func reportError(err error) int {
	kind := mrtderr.KindOf(err)
	color.Red("%s: %v", kind, err)

	switch kind {
	case mrtderr.KindAuthentication, mrtderr.KindInput:
		color.Yellow(">> Check the document number and the dates, then try again.")
		return exitCredentials
	case mrtderr.KindTransport, mrtderr.KindIntegrity:
		color.Yellow(">> Hold the document still on the reader and try again.")
		return exitTransport
	default:
		return exitFailure
	}
}

func printDocument(res *passport.Result) {
	fmt.Printf("LDS %s, Unicode %s, data groups %s\n",
		res.COM.LDSVersion, res.COM.UnicodeVersion, joinGroups(res.COM.DataGroups))
	fmt.Println(res.COM)
	if len(res.Skipped) > 0 {
		color.Yellow("Not read: %s", joinGroups(res.Skipped))
	}

	if res.DG1 == nil {
		return
	}
	printMRZ(res.DG1)
}

func printMRZ(d *mrz.Data) {
	fmt.Printf("\n  %-18s %s\n", "Document code", d.DocumentCode)
	fmt.Printf("  %-18s %s\n", "Issuing state", d.IssuingState)
	fmt.Printf("  %-18s %s\n", "Name", strings.TrimSpace(d.PrimaryIdentifier+", "+d.SecondaryIdentifier))
	fmt.Printf("  %-18s %s\n", "Document number", d.DocumentNumber)
	fmt.Printf("  %-18s %s\n", "Nationality", d.Nationality)
	fmt.Printf("  %-18s %s\n", "Date of birth", d.DateOfBirth)
	fmt.Printf("  %-18s %s\n", "Sex", d.Sex)
	fmt.Printf("  %-18s %s\n", "Date of expiry", d.DateOfExpiry)
}

func printVerification(v *verify.Result) {
	numbers := make([]lds.DataGroupNumber, 0, len(v.DataGroups))
	for n := range v.DataGroups {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)

	for _, n := range numbers {
		s := v.DataGroups[n]
		line := fmt.Sprintf("  %-6s %s", n, s)
		switch s {
		case verify.Valid:
			color.Green("%s", line)
		case verify.NotRead:
			fmt.Println(line)
		default:
			color.Red("%s", line)
		}
	}

	statusLine("Signature", v.Signature.String(), v.Signature == verify.SignatureValid)
	switch v.Chain {
	case verify.ChainNotEvaluated:
		color.Yellow("  %-10s %s", "Chain", v.Chain)
	default:
		statusLine("Chain", v.Chain.String(), v.Chain == verify.ChainValid)
	}
	if v.Signer != nil {
		fmt.Printf("  %-10s %s\n", "Signer", v.Signer.Subject())
	}

	for _, f := range v.Failures {
		color.Red("  (!) %s", f)
	}
	if !v.Valid() {
		color.Red(">> Document NOT authenticated")
		return
	}
	color.Green(">> Document authenticated")
}

func statusLine(label, status string, ok bool) {
	if ok {
		color.Green("  %-10s %s", label, status)
		return
	}
	color.Red("  %-10s %s", label, status)
}

func joinGroups(groups []lds.DataGroupNumber) string {
	names := make([]string, len(groups))
	for i, n := range groups {
		names[i] = n.String()
	}
	return strings.Join(names, " ")
}
