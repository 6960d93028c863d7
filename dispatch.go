package webcom

import (
	"errors"
	"log/slog"
)

// Router classifies pushed envelopes and routes them to the delivering or
// receiving side. Unknown envelope types and states are ignored.
type Router struct {
	cache  *Cache
	runner *Runner
	focus  func() string
	logger *slog.Logger
}

// NewRouter creates a router for the user owning cache. focus returns the
// currently open peer ("" when none).
func NewRouter(cache *Cache, runner *Runner, focus func() string, logger *slog.Logger) *Router {
	if focus == nil {
		focus = func() string { return "" }
	}
	return &Router{cache: cache, runner: runner, focus: focus, logger: noopIfNil(logger)}
}

// Dispatch handles one envelope.
func (r *Router) Dispatch(env Envelope) error {
	switch env.Type {
	case EnvelopeAcknowledgement:
		return r.acknowledge(env.Hangout, false)
	case EnvelopeOfflineAck:
		return r.acknowledge(env.Hangout, true)
	case EnvelopeHangout:
		if env.Hangout == nil {
			return nil
		}
		return r.notify(*env.Hangout, r.focus() != env.Hangout.Username)
	case EnvelopeUnreadHangouts:
		var errs []error
		for _, h := range env.Hangouts {
			if err := r.notify(h, true); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	default:
		r.logger.Debug("ignoring envelope", "type", env.Type)
		return nil
	}
}

func (r *Router) acknowledge(h *Hangout, wasOffline bool) error {
	if h == nil {
		return nil
	}
	switch h.State {
	case StateInvited, StateUnblocked, StateDeclined, StateBlocked, StateAccepted, StateMessaged:
		fx, err := AcknowledgeDelivered(r.cache, h.Username, *h, wasOffline)
		if err != nil {
			return err
		}
		return r.runner.Apply(fx)
	default:
		r.logger.Debug("ignoring acknowledgment", "state", h.State, "peer", h.Username)
		return nil
	}
}

func (r *Router) notify(h Hangout, markUnread bool) error {
	switch h.State {
	case StateAccepter, StateBlocker, StateDecliner, StateInviter, StateMessanger, StateUnblocker:
		fx, err := MergeReceivedHangout(r.cache, h.Username, h, MergeOptions{
			FocusedPeer:    r.focus(),
			RouteOnArrival: true,
			MarkUnread:     markUnread,
		})
		if err != nil {
			return err
		}
		return r.runner.Apply(fx)
	default:
		r.logger.Debug("ignoring hangout", "state", h.State, "peer", h.Username)
		return nil
	}
}
