package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
)

const (
	ringFor      = 800 * time.Millisecond // bob lets it ring before answering
	promptDelay  = 300 * time.Millisecond // simulated permission prompt
	demoInterval = time.Second
)

// runDemo plays a scripted video call between alice and bob: ringing, answer,
// mute, camera switch, a network drop with recovery, then hangup.
func runDemo(ctx context.Context, cfg config.Config, m *metrics.Collector) error {
	hub := signaling.NewHub(
		signaling.WithLatency(cfg.MinLatency, cfg.MaxLatency),
		signaling.WithDuplicateRate(cfg.DuplicateRate),
	)
	defer hub.Close()
	network := transport.NewFakeNetwork()
	registry := call.NewRegistry()

	newParty := func(identity string) (*call.Controller, error) {
		provider := media.NewSyntheticProvider(media.WithPromptDelay(promptDelay))
		return call.New(identity, hub, provider, network,
			call.WithConfig(cfg), call.WithRegistry(registry), call.WithMetrics(m))
	}
	alice, err := newParty("alice")
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := newParty("bob")
	if err != nil {
		return err
	}
	defer bob.Close()

	aliceEvents, cancelAlice := alice.Subscribe()
	defer cancelAlice()
	bobEvents, cancelBob := bob.Subscribe()
	defer cancelBob()

	pterm.DefaultSection.Println("Demo: alice calls bob")
	pterm.Info.Printfln("signaling latency %v–%v, duplicate rate %.2f", cfg.MinLatency, cfg.MaxLatency, cfg.DuplicateRate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return answerLeg(gctx, bob, bobEvents) })
	g.Go(func() error { return callerLeg(gctx, alice, aliceEvents, network) })

	if err := g.Wait(); err != nil {
		return err
	}
	pterm.Success.Println("demo finished")
	return nil
}

// answerLeg lets every incoming call ring for a moment, answers it, and
// returns once the call has ended.
func answerLeg(ctx context.Context, bob *call.Controller, events <-chan call.Event) error {
	return await(ctx, events, func(ev call.Event) (bool, error) {
		switch ev.Type {
		case call.EventIncomingCall:
			if err := pause(ctx, ringFor); err != nil {
				return false, err
			}
			step("bob answers")
			if err := bob.AcceptCall(ctx); err != nil {
				return false, fmt.Errorf("bob accept: %w", err)
			}
		case call.EventCallEnded:
			return true, nil
		}
		return false, nil
	})
}

func callerLeg(ctx context.Context, alice *call.Controller, events <-chan call.Event, network *transport.FakeNetwork) error {
	step("alice calls bob (video)")
	if err := alice.StartCall(ctx, "bob", media.Video); err != nil {
		return fmt.Errorf("alice call: %w", err)
	}
	if err := awaitState(ctx, events, call.StateConnected); err != nil {
		return err
	}

	actions := []struct {
		name string
		run  func() error
	}{
		{"alice mutes her microphone", func() error { return alice.ToggleMicrophone(ctx, false) }},
		{"alice switches to the back camera", func() error { return alice.SwitchCamera(ctx) }},
		{"alice unmutes", func() error { return alice.ToggleMicrophone(ctx, true) }},
	}
	for _, a := range actions {
		if err := pause(ctx, demoInterval); err != nil {
			return err
		}
		step(a.name)
		if err := a.run(); err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}
	}

	step("the network drops")
	network.Partition()
	if err := awaitState(ctx, events, call.StateReconnecting); err != nil {
		return err
	}
	if err := pause(ctx, demoInterval); err != nil {
		return err
	}
	step("the network comes back")
	network.Heal()
	if err := awaitState(ctx, events, call.StateConnected); err != nil {
		return err
	}

	if err := pause(ctx, demoInterval); err != nil {
		return err
	}
	step("alice hangs up")
	if err := alice.EndCall(ctx); err != nil {
		return err
	}
	return await(ctx, events, func(ev call.Event) (bool, error) {
		return ev.Type == call.EventCallEnded, nil
	})
}

// await prints events until done reports true, fails, or ctx ends.
func await(ctx context.Context, events <-chan call.Event, done func(call.Event) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			describe(ev)
			if ev.Type == call.EventCallEnded && ev.Reason != call.ReasonHangup && ev.Reason != call.ReasonRemoteHangup {
				return fmt.Errorf("call ended early: %s", ev.Reason)
			}
			if finished, err := done(ev); finished || err != nil {
				return err
			}
		}
	}
}

func awaitState(ctx context.Context, events <-chan call.Event, state call.State) error {
	return await(ctx, events, func(ev call.Event) (bool, error) {
		return ev.Type == call.EventCallStateChanged && ev.State == state, nil
	})
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func step(name string) {
	pterm.Println()
	pterm.DefaultBasicText.Println(pterm.LightCyan("▶ " + name))
}
