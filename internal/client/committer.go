package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/rpc"
	"github.com/roach88/strand/internal/streamid"
)

// CommitPolicy bounds the committer's retries. Zero fields take defaults.
type CommitPolicy struct {
	// MaxStaleAttempts is the number of submissions allowed while the node
	// keeps reporting a stale pointer. Default 3.
	MaxStaleAttempts int `yaml:"max_stale_attempts" json:"max_stale_attempts,omitempty"`
	// MaxConfirmationAttempts is the number of submissions allowed while a
	// referenced transaction is unconfirmed. Default 3.
	MaxConfirmationAttempts int `yaml:"max_confirmation_attempts" json:"max_confirmation_attempts,omitempty"`
	// TooNewDelay is the wait before resubmitting after the node reports
	// the pointer is ahead of it. Default 1s.
	TooNewDelay time.Duration `yaml:"too_new_delay" json:"too_new_delay,omitempty"`
	// ConfirmationDelay is the wait before resubmitting an event whose
	// transaction is unconfirmed. Default 2s.
	ConfirmationDelay time.Duration `yaml:"confirmation_delay" json:"confirmation_delay,omitempty"`
}

// DefaultCommitPolicy returns the standard retry bounds.
func DefaultCommitPolicy() CommitPolicy {
	return CommitPolicy{
		MaxStaleAttempts:        3,
		MaxConfirmationAttempts: 3,
		TooNewDelay:             time.Second,
		ConfirmationDelay:       2 * time.Second,
	}
}

func (p CommitPolicy) withDefaults() CommitPolicy {
	d := DefaultCommitPolicy()
	if p.MaxStaleAttempts <= 0 {
		p.MaxStaleAttempts = d.MaxStaleAttempts
	}
	if p.MaxConfirmationAttempts <= 0 {
		p.MaxConfirmationAttempts = d.MaxConfirmationAttempts
	}
	if p.TooNewDelay <= 0 {
		p.TooNewDelay = d.TooNewDelay
	}
	if p.ConfirmationDelay <= 0 {
		p.ConfirmationDelay = d.ConfirmationDelay
	}
	return p
}

// CommitOptions are the optional inputs of a commit.
type CommitOptions struct {
	// LocalID correlates an optimistic local event. If no local event with
	// this id exists yet, one is added.
	LocalID string
	// Cleartext is cached under the event id so it need not be decrypted
	// again.
	Cleartext []byte
	Tags      *protocol.Tags
	Ephemeral bool
	// Method names the caller in logs.
	Method string
}

// CommitResult describes an accepted event.
type CommitResult struct {
	EventID           string
	PrevMiniblockHash protocol.Hash
	NewEvents         []protocol.EventRef
	// Attempts is the number of submissions it took.
	Attempts int
}

// Committer signs events against a stream's current commit pointer and
// submits them, resolving pointer conflicts without caller intervention.
type Committer struct {
	reg    *Registry
	policy CommitPolicy
	log    *logrus.Entry
}

func newCommitter(r *Registry) *Committer {
	return &Committer{reg: r, policy: r.opts.Commit, log: r.log.WithField("component", "committer")}
}

// Commit submits payload to id.
//
// A stale pointer is replaced by the one the node expects and resubmitted
// immediately, up to MaxStaleAttempts submissions. A pointer ahead of the
// node is resubmitted after TooNewDelay for as long as ctx allows. An
// unconfirmed transaction is resubmitted after ConfirmationDelay, up to
// MaxConfirmationAttempts submissions. Anything else fails at once. Every
// failure marks the local event failed.
func (c *Committer) Commit(ctx context.Context, id streamid.ID, payload protocol.Payload, opts CommitOptions) (CommitResult, error) {
	h := c.reg.Get(id)
	if h == nil {
		return CommitResult{}, newError(ErrCodeStreamNotFound, id, "commit to unregistered stream")
	}
	ptr, ok := h.Pointer()
	if !ok {
		return CommitResult{}, newError(ErrCodeNoCommitPointer, id, "stream has no miniblock to commit against")
	}

	log := c.log.WithFields(logrus.Fields{"stream": id, "method": opts.Method})
	if opts.Method == "" {
		log = log.WithField("method", payload.Category())
	}

	prevID := opts.LocalID
	if opts.LocalID != "" {
		if _, known := h.updateLocalEvent(opts.LocalID, opts.LocalID, LocalSending); !known {
			c.reg.addLocalEvent(h, opts.LocalID, payload)
		}
	}
	fail := func(eventID string, err error) (CommitResult, error) {
		if opts.LocalID != "" {
			c.reg.updateLocalEvent(h, prevID, eventID, LocalFailed)
		}
		return CommitResult{}, err
	}

	var attempts, stale, unconfirmed int
	for {
		ev, err := protocol.MakeEnvelope(ctx, c.reg.signer, payload, ptr, opts.Tags, opts.Ephemeral)
		if err != nil {
			return fail(prevID, fmt.Errorf("commit to %s: %w", id, err))
		}
		eventID := ev.ID()
		if opts.LocalID != "" {
			c.reg.updateLocalEvent(h, prevID, eventID, LocalSending)
			prevID = eventID
		}
		if opts.Cleartext != nil {
			if err := c.reg.store.SaveCleartext(ctx, eventID, opts.Cleartext); err != nil {
				return fail(eventID, fmt.Errorf("commit to %s: save cleartext: %w", id, err))
			}
		}

		attempts++
		resp, err := c.reg.rpc.AddEvent(ctx, id, ev)
		if err == nil {
			if opts.LocalID != "" {
				c.reg.updateLocalEvent(h, eventID, eventID, LocalSent)
			}
			log.WithFields(logrus.Fields{"event": ev.Hash.Short(), "attempts": attempts}).Debug("event committed")
			var newEvents []protocol.EventRef
			if resp != nil {
				newEvents = resp.NewEvents
			}
			return CommitResult{EventID: eventID, PrevMiniblockHash: ptr.Hash, NewEvents: newEvents, Attempts: attempts}, nil
		}

		if expected, isStale := rpc.ExpectedPointer(err); isStale {
			stale++
			if stale >= c.policy.MaxStaleAttempts {
				log.WithError(err).WithField("attempts", stale).Warn("stale pointer retries exhausted")
				return fail(eventID, fmt.Errorf("commit to %s: %w", id, err))
			}
			log.WithFields(logrus.Fields{"pointer": ptr, "expected": expected, "attempt": stale}).Info("retrying event after stale pointer")
			ptr = expected
			continue
		}

		if rpc.IsMiniblockTooNew(err) {
			log.WithFields(logrus.Fields{"pointer": ptr, "attempts": attempts}).Info("retrying event after pointer too new")
			if err := c.reg.opts.Sleeper.Sleep(ctx, c.policy.TooNewDelay); err != nil {
				return fail(eventID, fmt.Errorf("commit to %s: %w", id, err))
			}
			continue
		}

		if rpc.IsAwaitingConfirmation(err) {
			unconfirmed++
			if unconfirmed >= c.policy.MaxConfirmationAttempts {
				log.WithError(err).WithField("attempts", unconfirmed).Warn("confirmation retries exhausted")
				return fail(eventID, fmt.Errorf("commit to %s: %w", id, err))
			}
			log.WithFields(logrus.Fields{"pointer": ptr, "attempt": unconfirmed}).Info("retrying event after unconfirmed transaction")
			if err := c.reg.opts.Sleeper.Sleep(ctx, c.policy.ConfirmationDelay); err != nil {
				return fail(eventID, fmt.Errorf("commit to %s: %w", id, err))
			}
			continue
		}

		log.WithError(err).Warn("event rejected")
		return fail(eventID, fmt.Errorf("commit to %s: %w", id, err))
	}
}

// Post adds a local event for payload under a fresh local id and commits
// it. The local id is returned even when the commit fails, so the caller
// can find the failed event.
func (c *Committer) Post(ctx context.Context, id streamid.ID, payload protocol.Payload, opts CommitOptions) (string, CommitResult, error) {
	opts.LocalID = c.reg.opts.LocalIDs.Generate()
	res, err := c.Commit(ctx, id, payload, opts)
	return opts.LocalID, res, err
}

// CommitMedia uploads one media chunk against cookie and returns the cookie
// for the next chunk.
func (c *Committer) CommitMedia(ctx context.Context, cookie protocol.CreationCookie, payload *protocol.MediaPayload, last bool) (*protocol.CreationCookie, error) {
	ptr := protocol.CommitPointer{Hash: cookie.PrevMiniblockHash, Num: cookie.MiniblockNum}
	ev, err := protocol.MakeEnvelope(ctx, c.reg.signer, payload, ptr, nil, false)
	if err != nil {
		return nil, fmt.Errorf("commit media to %s: %w", cookie.StreamID, err)
	}
	next, err := c.reg.rpc.AddMediaEvent(ctx, ev, cookie, last)
	if err != nil {
		return nil, fmt.Errorf("commit media to %s: %w", cookie.StreamID, err)
	}
	c.log.WithFields(logrus.Fields{"stream": cookie.StreamID, "chunk": payload.ChunkIndex, "last": last}).Debug("media chunk committed")
	return next, nil
}
