package analyzer

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/rebalancer/internal/decimals"
)

// Report renders the analysis as a table, one row per token.
func Report(w io.Writer, res Result) error {
	table := tablewriter.NewWriter(w)
	table.Header("Chain", "Token", "State", "Balance", "Target", "Diff", "Band min", "Band max")

	for _, a := range res.Items {
		token := a.Position.Symbol
		if token == "" {
			token = a.Position.Address.Hex()
		}
		if err := table.Append(
			strconv.FormatInt(a.Position.ChainID, 10),
			token,
			string(a.State),
			decimals.ToUnits(a.Current, decimals.Canonical),
			decimals.ToUnits(a.Target, decimals.Canonical),
			decimals.ToUnits(a.Diff, decimals.Canonical),
			decimals.ToUnits(a.Band.Min, decimals.Canonical),
			decimals.ToUnits(a.Band.Max, decimals.Canonical),
		); err != nil {
			return fmt.Errorf("analyzer: report row: %w", err)
		}
	}
	return table.Render()
}

// Counts returns the partition sizes, handy for log attributes.
func Counts(res Result) (surplus, deficit, inRange int) {
	return len(res.Surplus), len(res.Deficit), len(res.InRange)
}
