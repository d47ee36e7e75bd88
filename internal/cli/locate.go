package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/evyataryagoni/ipgeo/internal/service"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// locateLine is one JSON output line; Location is nil when Error is set
type locateLine struct {
	IP       string      `json:"ip"`
	Location interface{} `json:"location,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func (a *app) newLocateCommand() *cobra.Command {
	var output string
	var cacheSize int
	cmd := &cobra.Command{
		Use:   "locate <ip> [ip...]",
		Short: "Look up the location of one or more IP addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != outputTable && output != outputJSON {
				return fmt.Errorf("unknown output format %q (supported: %s, %s)", output, outputTable, outputJSON)
			}
			if cmd.Flags().Changed("cache-size") {
				a.cfg.LookupCacheSize = cacheSize
			}
			return a.runLocate(cmd, args, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "table or json")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 0, "lookup cache entries (overrides LOOKUP_CACHE_SIZE)")
	return cmd
}

func (a *app) runLocate(cmd *cobra.Command, ips []string, output string) error {
	s, err := a.openStore(true)
	if err != nil {
		return err
	}
	svc, err := service.NewLocateService(s, service.Options{CacheSize: a.cfg.LookupCacheSize}, a.metrics, a.log)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer svc.Close()

	results := svc.LocateMany(cmd.Context(), ips)
	if output == outputJSON {
		err = writeJSON(a.stdout, results)
	} else {
		err = writeTable(a.stdout, results)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, service.ErrNotFound) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d lookups failed", failed, len(results))
	}
	return nil
}

func writeJSON(w io.Writer, results []service.Result) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	for _, r := range results {
		line := locateLine{IP: r.IP}
		if r.Err != nil {
			line.Error = r.Err.Error()
		} else {
			line.Location = r.Location
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}
	return nil
}

func writeTable(w io.Writer, results []service.Result) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"IP", "Range", "Country", "Region", "City", "Zip", "Lat", "Lon", "Timezone", "ISP", "Connection", "Organization"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, r := range results {
		if r.Err != nil {
			table.Append([]string{r.IP, r.Err.Error(), "", "", "", "", "", "", "", "", "", ""})
			continue
		}
		loc := r.Location
		connection := "-"
		if loc.ConnectionType != nil {
			connection = *loc.ConnectionType
		}
		table.Append([]string{
			loc.IP,
			loc.RangeStart + " - " + loc.RangeEnd,
			loc.Country,
			loc.StateProv,
			loc.City,
			loc.ZipCode,
			strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
			strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
			loc.TimezoneName,
			loc.ISPName,
			connection,
			loc.OrganizationName,
		})
	}
	table.Render()
	return nil
}
