package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rowguard/internal/htmlview"
	"github.com/ppiankov/rowguard/internal/model"
)

var (
	syncOutput string
	syncKind   string
	syncIDRole string
)

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVarP(&syncOutput, "output", "o", "", "Write the redacted page here (default stdout)")
	syncCmd.Flags().StringVar(&syncKind, "kind", "", "Record kind the rows show (default from config)")
	syncCmd.Flags().StringVar(&syncIDRole, "id-role", "", "data-role of the id cell (default from config)")
	addConnectFlags(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync <page.html>",
	Short: "Redact a rendered record page against the authorization set",
	Long: "Parses an HTML page, collects the ids of rows marked data-rowguard-row,\n" +
		"checks them with the privileged responder and removes rows that are not\n" +
		"admissible. If the check fails the page is written in its not-provisioned\n" +
		"state and the command exits 1.",
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	kind, err := model.KindByName(firstNonEmpty(syncKind, cfg.Kind))
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	doc, err := htmlview.Parse(f)
	f.Close()
	if err != nil {
		return err
	}

	ctx, stop := interruptContext(cmd)
	defer stop()
	logger := newLogger()
	sess, err := connect(ctx, logger)
	if err != nil {
		doc.SetPending(true)
		doc.MarkNotProvisioned()
		if werr := writePage(cmd, doc); werr != nil {
			return werr
		}
		return err
	}
	defer sess.Close()

	s, err := sess.agent.Synchronizer(doc, kind, firstNonEmpty(syncIDRole, cfg.IDRole))
	if err != nil {
		return err
	}
	qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout.Std())
	defer cancel()
	res, syncErr := s.Sync(qctx)
	if err := writePage(cmd, doc); err != nil {
		return err
	}
	if syncErr != nil {
		return syncErr
	}
	stderrf("removed %d of %d rows\n", res.Removed, res.Candidates)
	return nil
}

func writePage(cmd *cobra.Command, doc *htmlview.Document) error {
	if syncOutput == "" {
		return doc.Render(stdout(cmd))
	}
	f, err := os.Create(syncOutput)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := doc.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
