package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ScrollbackOptions holds flags for the scrollback command.
type ScrollbackOptions struct {
	*RootOptions
	Pages int
}

// ScrollbackReport summarizes the history fetched for one stream.
type ScrollbackReport struct {
	StreamID      string `json:"stream_id"`
	Pages         int    `json:"pages"`
	FromMiniblock int64  `json:"from_miniblock"`
	Terminus      bool   `json:"terminus"`
	Events        int    `json:"events"`
}

func (r ScrollbackReport) String() string {
	end := "more history available"
	if r.Terminus {
		end = "reached the start of the stream"
	}
	return fmt.Sprintf("%s: %d page(s), from miniblock %d, %d event(s), %s",
		r.StreamID, r.Pages, r.FromMiniblock, r.Events, end)
}

// NewScrollbackCommand creates the scrollback command.
func NewScrollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScrollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scrollback <stream-id>",
		Short: "Fetch older history of a stream",
		Long: `Fetch history older than the earliest known miniblock of a stream.

Each page spans back to the previous snapshot. Blocks already in the store
are used without asking the node. Stops early at the start of the stream.

Example:
  strand scrollback 20aa...
  strand scrollback --pages 5 20aa...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrollback(opts, cmd, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Pages, "pages", 0, "pages to fetch (default: scrollback.pages from the configuration)")

	return cmd
}

func runScrollback(opts *ScrollbackOptions, cmd *cobra.Command, rawID string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	id, err := parseStreamID(rawID, f)
	if err != nil {
		return err
	}
	if opts.Pages < 0 {
		return f.Fail(ExitCommandError, CodeArgs, "--pages must be positive", nil)
	}

	s, err := openSession(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close()

	pages := opts.Pages
	if pages == 0 {
		pages = s.cfg.Scrollback.Pages
	}

	h, err := s.registry.Init(ctx, id, true, nil)
	if err != nil {
		if isNotFound(err) {
			return f.Fail(ExitCommandError, CodeNotFound, "stream not found", err)
		}
		return f.Fail(ExitFailure, CodeNode, "failed to load stream", err)
	}

	report := ScrollbackReport{StreamID: id.String(), FromMiniblock: h.MinMiniblockNum()}
	for report.Pages < pages && !report.Terminus {
		res, err := s.registry.Scrollback().Scrollback(ctx, id)
		if err != nil {
			return f.Fail(ExitFailure, CodeScrollback, "scrollback failed", err)
		}
		report.Pages++
		report.Terminus = res.Terminus
		report.FromMiniblock = res.FromInclusiveMiniblockNum
		f.VerboseLog("page %d: from miniblock %d", report.Pages, res.FromInclusiveMiniblockNum)
	}
	report.Events = len(h.View().Timeline())

	return f.Success(report)
}
