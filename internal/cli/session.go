package cli

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/client"
	"github.com/roach88/strand/internal/config"
	"github.com/roach88/strand/internal/devnode"
	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/signer"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/streamid"
)

// session is everything a command needs to talk to a node: configuration,
// store, identity, node connection and the stream registry on top.
type session struct {
	cfg      *config.Config
	log      *logrus.Entry
	store    *store.Store
	signer   *signer.Ed25519
	node     rpc.Client
	registry *client.Registry

	closers []func() error
}

// newEmbeddedNode builds the in-process node used when node.embedded is set.
var newEmbeddedNode = func() (*devnode.Node, error) {
	return devnode.New(devnode.Options{SealEvery: 1, Log: logging.NewLogger("devnode")})
}

// loadConfig reads the configuration and applies its logging section.
func loadConfig(opts *RootOptions, f *OutputFormatter) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, f.Fail(ExitCommandError, CodeConfig, "failed to load configuration", err)
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	logging.Configure(cfg.Logging, f.GetErrWriter())
	return cfg, nil
}

func openStore(cfg *config.Config, f *OutputFormatter) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, CodeStore, "failed to open store", err)
	}
	return st, nil
}

func openSession(ctx context.Context, opts *RootOptions, f *OutputFormatter) (*session, error) {
	cfg, err := loadConfig(opts, f)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: logging.NewLogger("cli")}

	s.store, err = openStore(cfg, f)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)

	s.signer, err = signer.LoadKeyFile(cfg.Identity.KeyFile)
	if err != nil {
		s.Close()
		return nil, f.Fail(ExitCommandError, CodeConfig, "failed to load identity", err)
	}

	var embedded *devnode.Node
	if cfg.Node.Embedded {
		embedded, err = newEmbeddedNode()
		if err != nil {
			s.Close()
			return nil, f.Fail(ExitFailure, CodeNode, "failed to start embedded node", err)
		}
		s.node = embedded
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Node.DialTimeout)
		ws, err := rpc.Dial(dialCtx, cfg.Node.URL, logging.NewLogger("rpc"))
		cancel()
		if err != nil {
			s.Close()
			return nil, f.Fail(ExitFailure, CodeNode, "failed to connect to node", err)
		}
		s.node = ws
		s.closers = append(s.closers, ws.Close)
	}

	clientOpts := cfg.ClientOptions()
	clientOpts.Log = logging.NewLogger("registry")
	s.registry = client.New(s.node, s.store, s.signer, clientOpts)
	s.closers = append(s.closers, func() error { s.registry.Close(); return nil })

	if embedded != nil {
		unsubscribe := embedded.OnSeal(func(id streamid.ID, mb protocol.Miniblock) {
			if err := s.registry.ApplyMiniblock(context.Background(), id, mb); err != nil {
				s.log.WithError(err).WithField("stream", id).Debug("apply sealed miniblock")
			}
		})
		s.closers = append(s.closers, func() error { unsubscribe(); return nil })
	}

	s.log.WithFields(logrus.Fields{
		"user":     s.registry.UserID(),
		"store":    cfg.Store.Path,
		"embedded": cfg.Node.Embedded,
	}).Debug("session open")
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// parseStreamID validates a stream id argument.
func parseStreamID(arg string, f *OutputFormatter) (streamid.ID, error) {
	id, err := streamid.Parse(arg)
	if err != nil {
		return "", f.Fail(ExitCommandError, CodeArgs, "invalid stream id", err)
	}
	return id, nil
}

// isNotFound reports whether err means the stream does not exist, locally
// or on the node.
func isNotFound(err error) bool {
	return client.IsStreamNotFound(err) || rpc.IsNotFound(err)
}
