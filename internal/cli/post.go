package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/strand/internal/client"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// PostOptions holds flags for the post command.
type PostOptions struct {
	*RootOptions
	LocalID   string
	Ephemeral bool
}

// PostResult is the output of a successful post.
type PostResult struct {
	StreamID string `json:"stream_id"`
	LocalID  string `json:"local_id"`
	EventID  string `json:"event_id"`
	Attempts int    `json:"attempts"`
}

func (r PostResult) String() string {
	return fmt.Sprintf("Posted %s to %s (local %s, %d attempt(s))", r.EventID, r.StreamID, r.LocalID, r.Attempts)
}

// NewPostCommand creates the post command.
func NewPostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "post <stream-id> <text>",
		Short: "Post a message to a channel, DM or GDM stream",
		Long: `Post a message to a channel, DM or group DM stream.

The stream is loaded first (from the store when possible), then the event is
committed against its latest miniblock. Stale pointers are resolved by
re-signing against the pointer the node expects.

Example:
  strand post 20aa... "hello"
  strand post --local-id draft-1 88bb... "hi there"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.LocalID, "local-id", "", "local id to correlate the optimistic event (default: generated)")
	cmd.Flags().BoolVar(&opts.Ephemeral, "ephemeral", false, "mark the event ephemeral")

	return cmd
}

// messagePayload wraps text in the message payload for id's stream kind.
func messagePayload(id streamid.ID, text string) (protocol.Payload, error) {
	msg := protocol.EncryptedData{Algorithm: "plaintext", Ciphertext: text}
	switch id.Kind() {
	case streamid.KindChannel:
		return &protocol.ChannelPayload{Message: msg}, nil
	case streamid.KindDM:
		return &protocol.DMPayload{Message: msg}, nil
	case streamid.KindGDM:
		return &protocol.GDMPayload{Message: msg}, nil
	default:
		return nil, fmt.Errorf("cannot post messages to a %s stream", id.Kind())
	}
}

func runPost(opts *PostOptions, cmd *cobra.Command, rawID, text string) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	id, err := parseStreamID(rawID, f)
	if err != nil {
		return err
	}
	payload, err := messagePayload(id, text)
	if err != nil {
		return f.Fail(ExitCommandError, CodeArgs, "unsupported stream kind", err)
	}

	s, err := openSession(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.registry.Init(ctx, id, true, nil); err != nil {
		if isNotFound(err) {
			return f.Fail(ExitCommandError, CodeNotFound, "stream not found", err)
		}
		return f.Fail(ExitFailure, CodeNode, "failed to load stream", err)
	}

	commitOpts := client.CommitOptions{
		LocalID:   opts.LocalID,
		Cleartext: []byte(text),
		Ephemeral: opts.Ephemeral,
		Method:    "cli.post",
	}
	var (
		localID = opts.LocalID
		res     client.CommitResult
	)
	if localID == "" {
		localID, res, err = s.registry.Committer().Post(ctx, id, payload, commitOpts)
	} else {
		res, err = s.registry.Committer().Commit(ctx, id, payload, commitOpts)
	}
	if err != nil {
		return f.Fail(ExitFailure, CodeCommit, "commit failed", err)
	}

	return f.Success(PostResult{
		StreamID: id.String(),
		LocalID:  localID,
		EventID:  res.EventID,
		Attempts: res.Attempts,
	})
}
