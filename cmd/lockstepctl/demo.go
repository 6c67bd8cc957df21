package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/lockstep/internal/events"
	"github.com/danmuck/lockstep/internal/protocol"
	"github.com/danmuck/lockstep/internal/session"
	"github.com/danmuck/lockstep/internal/transport/memnet"
	"github.com/rs/zerolog/log"
)

// runDemo drives a scripted lockstep session over the in-process mesh:
// peer-0 hosts, the rest join, a play/seek/pause sequence runs with the
// last guest issuing the playback requests, and with host_leaves set the
// host departs mid-run so the election is visible in the event tail.
// Blocks until the script finishes or a signal arrives.
func runDemo(cfg demoConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	net := memnet.New()
	mesh := make([]*session.Coordinator, 0, cfg.Peers)
	for i := 0; i < cfg.Peers; i++ {
		scfg := cfg.Session
		scfg.SelfID = fmt.Sprintf("%s-%d", cfg.PeerPrefix, i)
		mesh = append(mesh, session.New(scfg, net.Endpoint(scfg.SelfID), net))
	}
	defer func() {
		for _, p := range mesh {
			_ = p.LeaveSession()
		}
	}()

	var tails sync.WaitGroup
	cancels := make([]func(), 0, len(mesh))
	for _, p := range mesh {
		ch, cancel := p.Events().Subscribe()
		cancels = append(cancels, cancel)
		tails.Add(1)
		go func(id string, ch <-chan events.Event) {
			defer tails.Done()
			tailEvents(id, ch)
		}(p.SelfID(), ch)
	}

	host := mesh[0]
	sid, err := host.CreateSession(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("session", sid).Str("host", host.SelfID()).Msg("session created")

	for _, p := range mesh[1:] {
		if err := p.JoinSession(ctx, sid); err != nil {
			return err
		}
		log.Info().Str("peer", p.SelfID()).Str("host", p.HostID()).Msg("joined")
	}

	guest := mesh[len(mesh)-1]
	steps := []struct {
		name string
		run  func() error
	}{
		{"host play", host.Play},
		{"guest seek", func() error { return guest.Seek(cfg.SeekToMS) }},
		{"guest pause", guest.Pause},
	}
	// Script beats: three intents, an optional host departure, a settle
	// pause at the end.
	beat := cfg.RunFor / 5

	for _, step := range steps {
		if err := sleepOrDone(ctx, beat); err != nil {
			return err
		}
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		log.Info().Str("step", step.name).Msg("intent submitted")
	}

	if cfg.HostLeaves {
		if err := sleepOrDone(ctx, beat); err != nil {
			return err
		}
		log.Info().Str("host", host.SelfID()).Msg("host leaving, survivors elect")
		if err := host.LeaveSession(); err != nil {
			return err
		}
	}

	if err := sleepOrDone(ctx, beat); err != nil {
		return err
	}

	now := protocol.NowMS()
	for _, p := range mesh {
		st := p.State()
		sess := p.Session()
		log.Info().
			Str("peer", p.SelfID()).
			Str("session", sess.ID).
			Str("host", sess.HostID).
			Str("authority", st.Authority).
			Bool("is_host", p.IsHost()).
			Bool("playing", st.Playing).
			Int64("position_ms", st.PositionAt(now)).
			Strs("connected", p.ConnectedPeers()).
			Msg("final state")
	}

	for _, p := range mesh {
		_ = p.LeaveSession()
	}
	for _, cancel := range cancels {
		cancel()
	}
	tails.Wait()
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// tailEvents prints one line per bus event until the subscription is
// canceled.
func tailEvents(id string, ch <-chan events.Event) {
	for ev := range ch {
		line := log.Info().Str("peer", id).Str("topic", string(ev.Topic))
		switch p := ev.Payload.(type) {
		case events.PeerConnected:
			line = line.Str("remote", p.PeerID)
		case events.PeerDisconnected:
			line = line.Str("remote", p.PeerID).Str("kind", string(p.Kind))
		case events.ConnStateChange:
			line = line.Str("remote", p.PeerID).Str("from", p.From).Str("to", p.To)
		case events.SyncApplied:
			line = line.
				Str("type", string(p.Message.Type)).
				Str("origin", p.Message.Origin).
				Int64("position_ms", p.Message.PositionMS).
				Bool("playing", p.Message.Playing)
		case events.ErrorEvent:
			if p.Err != nil {
				line = line.Str("kind", string(p.Err.Kind)).Str("error", p.Err.Error())
			}
		}
		line.Msg("event")
	}
}
