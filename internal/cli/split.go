package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/evyataryagoni/ipgeo/internal/ingest"
	"github.com/spf13/cobra"
)

func (a *app) newSplitCommand() *cobra.Command {
	var (
		v4Path   string
		v6Path   string
		header   string
		strict   bool
		reportAt int
	)
	cmd := &cobra.Command{
		Use:   "split <input.csv>",
		Short: "Split a geolocation CSV into IPv4 and IPv6 files with numeric endpoints",
		Long: "Copies each row to the IPv4 or IPv6 output according to its family.\n" +
			"IPv4 endpoints become unsigned decimal integers, IPv6 endpoints become\n" +
			"32-digit lowercase hex. Outputs default to <input>.v4.csv and <input>.v6.csv.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			base := strings.TrimSuffix(input, ".csv")
			if v4Path == "" {
				v4Path = base + ".v4.csv"
			}
			if v6Path == "" {
				v6Path = base + ".v6.csv"
			}
			mode, err := ingest.ParseHeaderMode(header)
			if err != nil {
				return err
			}
			return a.runSplit(cmd, input, v4Path, v6Path, mode, strict, reportAt)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&v4Path, "v4", "", "IPv4 output file")
	flags.StringVar(&v6Path, "v6", "", "IPv6 output file")
	flags.StringVar(&header, "header", "auto", "auto, present or absent")
	flags.BoolVar(&strict, "strict-numeric", false, "fail on unparsable non-blank numeric fields")
	flags.IntVar(&reportAt, "progress-every", ingest.DefaultBatchSize, "log progress every N rows")
	return cmd
}

func (a *app) runSplit(cmd *cobra.Command, input, v4Path, v6Path string, mode ingest.HeaderMode, strict bool, reportAt int) (err error) {
	log := a.log.WithComponent("Split")

	in, err := os.Open(input)
	if err != nil {
		return &ingest.InputAccessError{Source: input, Err: err}
	}
	defer in.Close()

	v4, err := createOutput(v4Path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, v4.Close()) }()
	v6, err := createOutput(v6Path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, v6.Close()) }()

	src := ingest.NewSource(bufio.NewReader(in), input, mode)
	stats, err := ingest.SplitByFamily(cmd.Context(), src, v4, v6, strict, reportAt, func(rows int) {
		log.Info().Str("rows", humanize.Comma(int64(rows))).Msg("Rows split")
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "wrote %s IPv4 rows to %s and %s IPv6 rows to %s\n",
		humanize.Comma(int64(stats.RowsV4)), v4Path,
		humanize.Comma(int64(stats.RowsV6)), v6Path)
	return nil
}

func createOutput(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return f, nil
}
