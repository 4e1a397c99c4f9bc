package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"combo-gateway/internal/translator"
)

type translateOptions struct {
	from, to string
	file     string
}

func newTranslateCmd() *cobra.Command {
	var opts translateOptions
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Convert a request body between vendor formats",
		Example: "  combo-gateway translate --from openai --to gemini --file request.json\n" +
			"  cat request.json | combo-gateway translate --from claude --to openai",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return translate(cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "format of the input body (openai, claude, gemini, gemini-cli)")
	cmd.Flags().StringVar(&opts.to, "to", "", "format to produce")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "-", "input file, - for stdin")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func translate(stdin io.Reader, stdout io.Writer, opts translateOptions) error {
	var (
		raw []byte
		err error
	)
	if opts.file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(opts.file)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	out, err := translator.DefaultRegistry().TranslateRequest(translator.Format(opts.from), translator.Format(opts.to), raw)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(out))
	return err
}
