package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/client"
	"github.com/roach88/strand/internal/config"
	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
	"github.com/roach88/strand/internal/syncctl"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Mode string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync streams until interrupted",
		Long: `Sync the account's streams with the node until interrupted.

The account's user streams are created if missing. Streams listed in the
configuration, streams already in the store and streams the account has
joined are handed to the sync controller, which loads high-priority streams
first and then the rest. Status changes are printed as they happen.

Example:
  strand run
  strand run --mode lite --config ./strand.yml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", "", "sync mode (full|lite), overrides the configuration")

	return cmd
}

// statusEvent is one line of run output.
type statusEvent struct {
	Event string `json:"event"`
	syncctl.InitStatus
}

func (e statusEvent) String() string {
	return fmt.Sprintf("%s %s", e.Event, e.InitStatus)
}

func runSync(opts *RunOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	s, err := openSession(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close()

	mode := s.cfg.Sync.Mode
	if opts.Mode != "" {
		mode = syncctl.Mode(opts.Mode)
	}
	ctlOpts := s.cfg.Sync.Controller
	ctlOpts.Log = logging.NewLogger("syncctl")
	ctl, err := syncctl.New(mode, s.registry, s.store, ctlOpts)
	if err != nil {
		return f.Fail(ExitCommandError, CodeArgs, "invalid sync mode", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.log.WithField("signal", sig).Info("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.registry.EnsureUserStreams(ctx); err != nil {
		return f.Fail(ExitFailure, CodeNode, "failed to initialize user streams", err)
	}

	joined := make(chan streamid.ID, 64)
	unsubscribe := s.registry.Subscribe(func(n client.Notification) {
		switch n.Kind {
		case client.InitStatusUpdated:
			_ = f.Event(statusEvent{Event: "status", InitStatus: n.Status})
		case client.MembershipChanged:
			if n.Membership == protocol.MembershipJoin {
				select {
				case joined <- n.StreamID:
				default:
					s.log.WithField("stream", n.StreamID).Warn("join backlog full, stream picked up on next run")
				}
			}
		}
	})
	defer unsubscribe()

	if err := seedController(ctx, s, ctl); err != nil {
		return f.Fail(ExitFailure, CodeStore, "failed to read persisted streams", err)
	}

	if path := s.cfg.Sync.FocusFile; path != "" {
		go func() {
			err := config.WatchFocusFile(ctx, path, logging.NewLogger("focus"), func(focus config.Focus) {
				ctl.SetHighPriorityIDs(focus.HighPriority)
				ctl.SetFavoriteIDs(focus.Favorites)
			})
			if err != nil {
				s.log.WithError(err).Warn("focus file not watched")
			}
		}()
	}

	s.log.WithField("mode", mode).Info("sync starting")
	fmt.Fprintf(f.GetErrWriter(), "Syncing as %s. Press Ctrl-C to stop.\n", s.registry.UserID())
	ctl.Start(ctx)
	defer ctl.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync stopped")
			return nil
		case id := <-joined:
			ctl.SetStreamIDs([]streamid.ID{id})
		}
	}
}

// seedController hands the controller every stream the account should
// sync: the user streams, configured streams, persisted streams and the
// streams the user stream says the account has joined.
func seedController(ctx context.Context, s *session, ctl syncctl.Controller) error {
	userIDs, err := streamid.UserStreamIDs(s.signer.Address())
	if err != nil {
		return err
	}
	ids := append([]streamid.ID(nil), userIDs...)

	configured, err := config.ParseStreamIDs(s.cfg.Sync.Streams)
	if err != nil {
		return err
	}
	ids = append(ids, configured...)

	persisted, err := s.store.ListSyncedStreams(ctx)
	if err != nil {
		return err
	}
	ids = append(ids, persisted...)

	if h := s.registry.Get(s.registry.UserStreamID()); h != nil && h.IsInitialized() {
		if state := h.View().State; state != nil {
			for id, op := range state.Memberships {
				if op == protocol.MembershipJoin {
					ids = append(ids, id)
				}
			}
		}
	}

	hp, err := config.ParseStreamIDs(s.cfg.Sync.HighPriority)
	if err != nil {
		return err
	}
	if len(hp) == 0 {
		if hp, err = s.store.HighPriorityStreams(ctx); err != nil {
			return err
		}
	}
	favorites, err := config.ParseStreamIDs(s.cfg.Sync.Favorites)
	if err != nil {
		return err
	}

	ctl.SetStreamIDs(ids)
	ctl.SetHighPriorityIDs(hp)
	ctl.SetFavoriteIDs(favorites)
	return nil
}
