package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [stream-id]",
		Short: "Show what the local store holds",
		Long: `Show the persisted state of a stream without contacting the node.

With no argument, lists every synced stream in the store and marks the
high-priority ones.

Example:
  strand inspect
  strand inspect 20aa... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd, args)
		},
	}
	return cmd
}

// miniblockLine is one row of an inspect report.
type miniblockLine struct {
	Num      int64  `json:"num"`
	Hash     string `json:"hash"`
	Events   int    `json:"events"`
	Snapshot bool   `json:"snapshot,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
}

// inspectReport describes one persisted stream.
type inspectReport struct {
	StreamID         string          `json:"stream_id"`
	Kind             string          `json:"kind"`
	SnapshotNum      int64           `json:"snapshot_miniblock_num"`
	LastMiniblockNum int64           `json:"last_miniblock_num"`
	Head             string          `json:"head"`
	MinipoolEvents   int             `json:"minipool_events"`
	Cleartexts       int             `json:"cleartexts"`
	Members          []string        `json:"members,omitempty"`
	Miniblocks       []miniblockLine `json:"miniblocks"`
}

func newInspectReport(ls *store.LoadedStream) inspectReport {
	p := ls.Persisted
	r := inspectReport{
		StreamID:         p.StreamID.String(),
		Kind:             p.StreamID.Kind().String(),
		SnapshotNum:      p.LastSnapshotMiniblockNum,
		LastMiniblockNum: p.LastMiniblockNum,
		Head:             p.SyncCookie.PrevMiniblockHash.String(),
		MinipoolEvents:   len(p.MinipoolEvents),
		Cleartexts:       len(ls.Cleartexts),
	}
	if ls.Snapshot != nil {
		for member, op := range ls.Snapshot.Members {
			r.Members = append(r.Members, fmt.Sprintf("%s:%s", member, op))
		}
		slices.Sort(r.Members)
	}
	for _, mb := range ls.Miniblocks {
		r.Miniblocks = append(r.Miniblocks, miniblockLine{
			Num:      mb.Header.Num,
			Hash:     mb.Hash.Short(),
			Events:   len(mb.Events),
			Snapshot: mb.IsSnapshot(),
			Partial:  mb.Partial,
		})
	}
	return r
}

func (r inspectReport) String() string {
	var b strings.Builder
	row := func(label string, value any) {
		fmt.Fprintf(&b, "%-13s %v\n", label, value)
	}
	row("stream", r.StreamID)
	row("kind", r.Kind)
	row("snapshot", r.SnapshotNum)
	row("last block", r.LastMiniblockNum)
	row("head", r.Head)
	row("minipool", r.MinipoolEvents)
	row("cleartexts", r.Cleartexts)
	if len(r.Members) > 0 {
		row("members", strings.Join(r.Members, ", "))
	}
	b.WriteString("miniblocks\n")
	for _, mb := range r.Miniblocks {
		fmt.Fprintf(&b, "  %4d  %s  events=%d", mb.Num, mb.Hash, mb.Events)
		if mb.Snapshot {
			b.WriteString("  snapshot")
		}
		if mb.Partial {
			b.WriteString("  partial")
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// streamListing is the no-argument form of inspect.
type streamListing struct {
	Streams      []string `json:"streams"`
	HighPriority []string `json:"high_priority"`
}

func (l streamListing) String() string {
	if len(l.Streams) == 0 {
		return "No synced streams."
	}
	var b strings.Builder
	for _, id := range l.Streams {
		mark := " "
		if slices.Contains(l.HighPriority, id) {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %-13s %s\n", mark, streamid.ID(id).Kind(), id)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func runInspect(opts *RootOptions, cmd *cobra.Command, args []string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	cfg, err := loadConfig(opts, f)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, f)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 0 {
		ids, err := st.ListSyncedStreams(ctx)
		if err != nil {
			return f.Fail(ExitFailure, CodeStore, "failed to list streams", err)
		}
		hp, err := st.HighPriorityStreams(ctx)
		if err != nil {
			return f.Fail(ExitFailure, CodeStore, "failed to read high-priority streams", err)
		}
		listing := streamListing{Streams: []string{}, HighPriority: []string{}}
		for _, id := range ids {
			listing.Streams = append(listing.Streams, id.String())
		}
		for _, id := range hp {
			listing.HighPriority = append(listing.HighPriority, id.String())
		}
		return f.Success(listing)
	}

	id, err := parseStreamID(args[0], f)
	if err != nil {
		return err
	}
	ls, err := st.LoadStream(ctx, id)
	if err != nil {
		return f.Fail(ExitFailure, CodeStore, "failed to load stream", err)
	}
	if ls == nil {
		return f.Fail(ExitCommandError, CodeNotFound, "stream not in store", fmt.Errorf("stream %s", id))
	}
	return f.Success(newInspectReport(ls))
}
