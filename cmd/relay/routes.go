package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/wippyai/wasm-relay/bundle"
	"github.com/wippyai/wasm-relay/errors"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	qualifiedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func init() {
	var interactive, all bool
	register(command{
		name:  "routes",
		usage: "routes [--scan-root <dir>] [--all] [-i]",
		flags: func(fs *pflag.FlagSet) {
			fs.BoolVarP(&interactive, "interactive", "i", false, "browse routes in a terminal UI")
			fs.BoolVarP(&all, "all", "a", false, "include manifests that do not qualify")
		},
		run: func(ctx context.Context, env *cli, _ []string) error {
			loc := bundle.NewLocator(env.cfg, bundle.WithLogger(env.logger), bundle.WithMetrics(env.metrics))
			if loc.Root() == "" {
				return errors.InvalidInput(errors.PhaseDiscover, "--scan-root or --bundle is required")
			}
			if interactive {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return errors.InvalidInput(errors.PhaseDiscover, "interactive mode needs a terminal")
				}
				return runRoutesUI(ctx, env, loc)
			}
			candidates, err := loc.Candidates(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderCandidates(candidates, all))
			return nil
		},
	})
}

// candidateRow flattens a candidate into the columns shown by both views.
func candidateRow(c bundle.Candidate) []string {
	name, addr := c.Route.FunctionName, c.Route.FunctionAddress
	if c.Status != bundle.StatusQualified {
		name, addr = "-", "-"
		if c.Err != nil {
			addr = c.Err.Error()
		}
	}
	return []string{c.Dir, name, addr, string(c.Status)}
}

var candidateHeaders = []string{"BUNDLE", "FUNCTION", "ADDRESS", "STATUS"}

func renderCandidates(candidates []bundle.Candidate, all bool) string {
	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(helpStyle).
		Headers(candidateHeaders...)

	var statuses []bundle.Status
	for _, c := range candidates {
		if !all && c.Status != bundle.StatusQualified {
			continue
		}
		t.Row(candidateRow(c)...)
		statuses = append(statuses, c.Status)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == ltable.HeaderRow:
			return headerStyle
		case col == 3 && row >= 0 && row < len(statuses) && statuses[row] == bundle.StatusQualified:
			return qualifiedStyle.Padding(0, 1)
		case col == 3:
			return errorStyle.Padding(0, 1)
		}
		return cellStyle
	})

	summary := fmt.Sprintf("%d route(s) under scan root, scanned %s", len(statuses), time.Now().Format(time.TimeOnly))
	return t.String() + "\n" + helpStyle.Render(summary)
}
