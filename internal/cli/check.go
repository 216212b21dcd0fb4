package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/model"
)

var (
	checkKind   string
	checkFormat string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkKind, "kind", "", "Record kind: numbers, loans, messages, queues (default from config)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
	addConnectFlags(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <id>...",
	Short: "Ask the privileged responder which ids are admissible",
	Long: "Joins the configured channel, performs the discovery handshake and sends\n" +
		"one batch check through the installed interception filters.\n\n" +
		"Exit code 1 if the responder cannot be found, the hub goes away, or no\n" +
		"answer arrives within query_timeout.",
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

type checkReport struct {
	Kind     string   `json:"kind"`
	Admitted []string `json:"admitted"`
	Denied   []string `json:"denied"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	kind, err := model.KindByName(firstNonEmpty(checkKind, cfg.Kind))
	if err != nil {
		return err
	}
	ctx, stop := interruptContext(cmd)
	defer stop()
	sess, err := connect(ctx, newLogger())
	if err != nil {
		return err
	}
	defer sess.Close()

	qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout.Std())
	defer cancel()
	admitted, err := sess.agent.Check(qctx, kind, args)
	if err != nil {
		return err
	}

	report := checkReport{Kind: kind.Name, Admitted: []string{}, Denied: []string{}}
	for _, id := range args {
		if slices.Contains(admitted, id) {
			report.Admitted = append(report.Admitted, id)
		} else {
			report.Denied = append(report.Denied, id)
		}
	}

	out := stdout(cmd)
	switch checkFormat {
	case "json":
		b, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
	default:
		fmt.Fprintf(out, "kind:     %s\n", report.Kind)
		fmt.Fprintf(out, "admitted: %s\n", strings.Join(report.Admitted, " "))
		fmt.Fprintf(out, "denied:   %s\n", strings.Join(report.Denied, " "))
	}
	return nil
}
