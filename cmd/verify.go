package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/face-verify/internal/decision"
)

// errNotMatched makes the process exit non-zero without an error message.
var errNotMatched = errors.New("faces did not match")

var (
	verifyReference string
	verifyProbe     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare a probe image with a reference image once",
	Long: `Verify loads the model, captures --reference and matches --probe against it.
Both flags accept a local path or a file://, http(s):// or s3:// URI. The
result is printed as JSON; the exit status is 1 when the faces do not match.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		refBytes, err := a.prepare(ctx, cfg.Model.URI, verifyReference)
		if err != nil {
			return err
		}
		if _, err := a.ctrl.CaptureReference(ctx, refBytes); err != nil {
			return fmt.Errorf("reference: %w", err)
		}
		m, err := a.ctrl.MatchAgainstURI(ctx, verifyProbe)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return err
		}
		if m.Verdict != decision.Matched {
			return errNotMatched
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyReference, "reference", "", "reference image path or URI")
	verifyCmd.Flags().StringVar(&verifyProbe, "probe", "", "probe image path or URI")
	_ = verifyCmd.MarkFlagRequired("reference")
	_ = verifyCmd.MarkFlagRequired("probe")
	rootCmd.AddCommand(verifyCmd)
}
