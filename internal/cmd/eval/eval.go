// Package eval implements the dry-run command: it replays a sequence of
// prices against a band configuration and prints which band each price would
// select, without touching any device.
package eval

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/clambin/go-common/charmer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/strategy"
)

var (
	Cmd = cobra.Command{
		Use:   "eval <bands.yaml> <price>...",
		Short: "dry-run a price sequence against a band configuration",
		Args:  cobra.MinimumNArgs(2),
		RunE:  run,
	}

	args = charmer.Arguments{
		"changes-only": {Default: false, Help: "only print prices that change the band"},
	}
)

func init() {
	_ = charmer.SetPersistentFlags(&Cmd, viper.GetViper(), args)
}

func run(cmd *cobra.Command, cmdArgs []string) error {
	bands, err := getBands(cmdArgs[0])
	if err != nil {
		return err
	}
	for _, warning := range bands.Validate() {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", warning)
	}

	prices := make([]float64, 0, len(cmdArgs)-1)
	for _, arg := range cmdArgs[1:] {
		price, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", arg, err)
		}
		prices = append(prices, price)
	}

	evalPrices(bands, prices, viper.GetBool("changes-only")).writeTo(cmd.OutOrStdout())
	return nil
}

func getBands(filename string) (strategy.Bands, error) {
	var r io.ReadCloser
	var err error
	switch filename {
	case "-":
		r = os.Stdin
	default:
		r, err = os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Close() }()
	}
	return strategy.LoadBands(r)
}

const formatString = "%-10s %-16s %-6v %s\n"

type results []result

func evalPrices(bands strategy.Bands, prices []float64, changesOnly bool) results {
	var r results
	lastOrder := -1
	for _, price := range prices {
		band, _, gap := bands.Lookup(price)
		change := band.SortOrder != lastOrder
		lastOrder = band.SortOrder
		if changesOnly && !change {
			continue
		}
		r = append(r, result{price: price, band: band, gap: gap, change: change})
	}
	return r
}

func (r results) writeTo(w io.Writer) {
	if len(r) > 0 {
		_, _ = fmt.Fprintf(w, formatString, "PRICE", "BAND", "CHANGE", "MODES")
	}
	for _, res := range r {
		res.writeTo(w)
	}
}

type result struct {
	price  float64
	band   strategy.Band
	gap    bool
	change bool
}

func (r result) writeTo(w io.Writer) {
	name := r.band.Name
	if r.gap {
		name += " (gap)"
	}
	_, _ = fmt.Fprintf(w, formatString, strconv.FormatFloat(r.price, 'f', -1, 64), name, r.change, modeSummary(r.band))
}

func modeSummary(band strategy.Band) string {
	classes := make([]string, 0, len(band.ModeByClass))
	for class := range band.ModeByClass {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	parts := make([]string, 0, len(classes))
	for _, class := range classes {
		parts = append(parts, fmt.Sprintf("%s=%s", class, band.ModeByClass[device.Class(class)]))
	}
	return strings.Join(parts, " ")
}
