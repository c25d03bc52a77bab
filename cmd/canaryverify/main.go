// Command canaryverify checks a Canary chain export offline.
//
// It replays every record in a .cnry file against the chain invariants
// (dense sequence, linked hashes, Ed25519 signatures) and checks the
// signed manifest, without needing the device or a running daemon.
//
// Usage:
//
//	canaryverify -pubkey <hex> [flags] <export.cnry>
//
// Examples:
//
//	# Verify against the device public key from GET /api/status
//	canaryverify -pubkey 3b6a... export_42_1767000000.cnry
//
//	# Machine-readable result
//	canaryverify -pubkey 3b6a... -format json export.cnry
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"canaryd/internal/chain"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// result is the JSON output shape.
type result struct {
	Valid       bool   `json:"valid"`
	RecordCount int    `json:"record_count"`
	FirstSeq    uint64 `json:"first_seq,omitempty"`
	TipSeq      uint64 `json:"tip_seq,omitempty"`
	TipHash     string `json:"tip_hash,omitempty"`
	DeviceFP    string `json:"device_fp,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	Error       string `json:"error,omitempty"`
}

func main() {
	pubkeyHex := flag.String("pubkey", "", "device Ed25519 public key, hex")
	formatStr := flag.String("format", "text", "output format: text, json")
	quiet := flag.Bool("quiet", false, "suppress output, exit code only")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "canaryverify - verify Canary chain exports offline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -pubkey <hex> [flags] <export.cnry>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe public key is the pubkey field of GET /api/status.\n")
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("canaryverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: export file required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	if *pubkeyHex == "" {
		fmt.Fprintf(os.Stderr, "Error: -pubkey is required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format: %s (use text or json)\n", *formatStr)
		os.Exit(2)
	}

	pub, err := parsePubkey(*pubkeyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	res := verifyFile(flag.Arg(0), pub)

	if !*quiet {
		switch *formatStr {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(res)
		default:
			printText(res)
		}
	}

	if !res.Valid {
		os.Exit(1)
	}
}

func parsePubkey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// verifyFile reads and replays one export. All failures land in
// result.Error so both output formats see the same thing.
func verifyFile(path string, pub ed25519.PublicKey) result {
	f, err := os.Open(path)
	if err != nil {
		return result{Error: err.Error()}
	}
	defer f.Close()

	records, manifest, err := chain.ReadExport(f, pub)
	if err != nil {
		return result{Error: err.Error()}
	}

	res := result{
		RecordCount: len(records),
		TipSeq:      manifest.TipSeq,
		TipHash:     manifest.TipHash,
		DeviceFP:    manifest.DeviceFP,
		Firmware:    manifest.FirmwareVersion,
	}

	if len(records) == 0 {
		res.Error = "export contains no records"
		return res
	}
	res.FirstSeq = records[0].Seq

	// A ranged export starts mid-chain; seed the link check with the
	// first record's own back-pointer. From-genesis exports start with
	// the zero hash either way.
	if err := chain.VerifyRecords(pub, records, records[0].PrevHash); err != nil {
		res.Error = err.Error()
		return res
	}

	tip := records[len(records)-1]
	if tip.Seq != manifest.TipSeq || hex.EncodeToString(tip.Hash[:]) != manifest.TipHash {
		res.Error = "manifest tip does not match replayed records"
		return res
	}

	res.Valid = true
	return res
}

func printText(res result) {
	if res.Valid {
		fmt.Printf("VALID: %d records, seq %d..%d\n", res.RecordCount, res.FirstSeq, res.TipSeq)
		fmt.Printf("  tip hash: %s\n", res.TipHash)
		fmt.Printf("  device:   %s (firmware %s)\n", res.DeviceFP, res.Firmware)
		return
	}
	fmt.Printf("INVALID: %s\n", res.Error)
	if res.RecordCount > 0 {
		fmt.Printf("  records read: %d\n", res.RecordCount)
	}
}
