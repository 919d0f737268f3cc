package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/devnode"
	"github.com/roach88/strand/internal/logging"
)

// DevnodeOptions holds flags for the devnode command.
type DevnodeOptions struct {
	*RootOptions
	Addr              string
	SealEvery         int
	SnapshotEvery     int
	EnforceMembership bool
	VerifySignatures  bool
}

// NewDevnodeCommand creates the devnode command.
func NewDevnodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevnodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "devnode",
		Short: "Run an in-memory stream node for development",
		Long: `Run an in-memory stream node that speaks the client protocol over
WebSocket at ` + devnode.Path + `. State is lost on exit.

Example:
  strand devnode
  strand devnode --addr :9000 --seal-every 5 --snapshot-every 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevnode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7171", "listen address")
	cmd.Flags().IntVar(&opts.SealEvery, "seal-every", 1, "seal the minipool after this many events")
	cmd.Flags().IntVar(&opts.SnapshotEvery, "snapshot-every", 0, "attach a snapshot every N miniblocks (0: genesis only)")
	cmd.Flags().BoolVar(&opts.EnforceMembership, "enforce-membership", false, "reject messages from non-members")
	cmd.Flags().BoolVar(&opts.VerifySignatures, "verify-signatures", false, "verify event hashes and signatures")

	return cmd
}

func runDevnode(opts *DevnodeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	level := "info"
	if opts.Verbose {
		level = "debug"
	}
	logging.Configure(logging.Config{Level: level, Format: "text"}, f.GetErrWriter())

	if opts.SealEvery < 0 || opts.SnapshotEvery < 0 {
		return f.Fail(ExitCommandError, CodeArgs, "--seal-every and --snapshot-every must not be negative", nil)
	}

	node, err := devnode.New(devnode.Options{
		SealEvery:         opts.SealEvery,
		SnapshotEvery:     opts.SnapshotEvery,
		EnforceMembership: opts.EnforceMembership,
		VerifySignatures:  opts.VerifySignatures,
		Log:               logging.NewLogger("devnode"),
	})
	if err != nil {
		return f.Fail(ExitFailure, CodeNode, "failed to create node", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.ListenAndServe(ctx, opts.Addr); err != nil {
		return f.Fail(ExitFailure, CodeNode, "node stopped", err)
	}
	return nil
}
