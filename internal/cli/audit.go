package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/audit"
)

var (
	tailLines      int
	summaryChannel string
	summaryKind    string
	summarySince   time.Duration
	summaryFormat  string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditSummaryCmd.Flags().StringVar(&summaryChannel, "channel", "", "Only entries for this channel")
	auditSummaryCmd.Flags().StringVar(&summaryKind, "kind", "", "Only entries for this record kind")
	auditSummaryCmd.Flags().DurationVar(&summarySince, "since", 0, "Only entries newer than this (e.g. 24h)")
	auditSummaryCmd.Flags().StringVarP(&summaryFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the responder's hash-chained decision log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary <path>",
	Short: "Summarize decisions per record kind",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditSummary,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Fprintf(stdout(cmd), "OK: %d entries verified\n", result.Lines)
		return nil
	}
	return fmt.Errorf("FAILED at line %d: %s", result.ErrorLine, result.Error)
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := max(len(lines)-tailLines, 0)
	out := stdout(cmd)
	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		b, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Fprintln(out, string(b))
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{Channel: summaryChannel, Kind: summaryKind}
	if summarySince > 0 {
		filter.From = time.Now().Add(-summarySince)
	}
	sum, err := audit.Summarize(args[0], filter)
	if err != nil {
		return err
	}
	out := stdout(cmd)
	if summaryFormat == "json" {
		b, err := json.MarshalIndent(sum, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	}
	fmt.Fprint(out, sum.Format())
	return nil
}
