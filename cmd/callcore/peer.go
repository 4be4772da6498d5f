package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

// errQuit ends the console on "quit" or end of input.
var errQuit = errors.New("quit")

// runPeer connects to the relay as cfg.Identity and runs the console until
// the user quits, ctx is cancelled or the relay connection drops.
func runPeer(ctx context.Context, cfg config.Config, m *metrics.Collector) error {
	client, err := signaling.Dial(ctx, cfg.RelayURL, cfg.Identity, cfg.PIN)
	if err != nil {
		return err
	}
	defer client.Close()

	factory, err := transport.NewPeerFactory(cfg.STUNServers)
	if err != nil {
		return err
	}

	ctl, err := call.New(cfg.Identity, client, media.NewSyntheticProvider(), factory,
		call.WithConfig(cfg), call.WithMetrics(m))
	if err != nil {
		return err
	}
	defer ctl.Close()

	events, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	pterm.Success.Printfln("connected to %s as %s", cfg.RelayURL, cfg.Identity)
	printHelp()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchEvents(gctx, events) })
	g.Go(func() error { return console(gctx, ctl, cfg.RelayURL, readLines(os.Stdin)) })
	g.Go(func() error {
		select {
		case <-client.Done():
			if err := client.Err(); err != nil {
				return fmt.Errorf("relay connection lost: %w", err)
			}
			return errors.New("relay closed the connection")
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// readLines feeds stdin lines to a channel. The reader goroutine is not
// stoppable; it ends with the process.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func console(ctx context.Context, ctl *call.Controller, relayURL string, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if quit := execute(ctx, ctl, relayURL, strings.Fields(line)); quit {
				return errQuit
			}
		}
	}
}

// execute runs one console command and reports whether the user quit.
func execute(ctx context.Context, ctl *call.Controller, relayURL string, args []string) bool {
	if len(args) == 0 {
		return false
	}

	var err error
	switch args[0] {
	case "call":
		if len(args) < 2 {
			util.LogWarning("usage: call <identity> [audio|video]")
			return false
		}
		callType := media.Audio
		if len(args) > 2 {
			if callType, err = media.ParseCallType(args[2]); err != nil {
				break
			}
		}
		err = ctl.StartCall(ctx, args[1], callType)
	case "accept":
		err = ctl.AcceptCall(ctx)
	case "reject":
		err = ctl.RejectCall(ctx, "")
	case "hangup", "end":
		err = ctl.EndCall(ctx)
	case "mute":
		err = ctl.ToggleMicrophone(ctx, false)
	case "unmute":
		err = ctl.ToggleMicrophone(ctx, true)
	case "camera":
		err = ctl.ToggleCamera(ctx, len(args) < 2 || args[1] != "off")
	case "switch":
		err = ctl.SwitchCamera(ctx)
	case "devices":
		var devices []media.Device
		if devices, err = ctl.EnumerateDevices(ctx); err == nil {
			printDevices(devices)
		}
	case "users":
		var users []string
		if users, err = fetchUsers(ctx, relayURL); err == nil {
			pterm.Info.Println("online: " + strings.Join(users, ", "))
		}
	case "status":
		printStatus(ctl)
	case "help":
		printHelp()
	case "quit", "exit":
		return true
	default:
		util.LogWarning("unknown command %q (try 'help')", args[0])
	}

	if err != nil {
		util.LogWarning("%s: %v", args[0], err)
	}
	return false
}

// fetchUsers asks the relay who is online.
func fetchUsers(ctx context.Context, relayURL string) ([]string, error) {
	endpoint, err := usersURL(relayURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay answered %s", resp.Status)
	}

	var users []string
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

func printHelp() {
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Command", "Effect"},
		{"call <id> [audio|video]", "place a call"},
		{"accept / reject", "answer or decline the ringing call"},
		{"hangup", "end the current call"},
		{"mute / unmute", "toggle the microphone"},
		{"camera on|off", "toggle the camera"},
		{"switch", "switch between front and back camera"},
		{"devices", "list capture devices"},
		{"users", "list identities online at the relay"},
		{"status", "show the current call"},
		{"quit", "hang up and exit"},
	}).Render()
	pterm.Println()
}

func printDevices(devices []media.Device) {
	data := pterm.TableData{{"Kind", "Label", "Facing", "ID"}}
	for _, d := range devices {
		data = append(data, []string{string(d.Kind), d.Label, string(d.Facing), d.ID})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printStatus(ctl *call.Controller) {
	info, ok := ctl.GetCurrentCall()
	if !ok {
		pterm.Info.Println("no call")
		return
	}
	pterm.Info.Printfln("%s %s call with %s: %s (%s)", info.Direction, info.Type, info.Remote, info.State, info.Duration().Round(time.Second))
	pterm.Info.Printfln("mic %s, camera %s, %d remote track(s)", onOff(info.MicrophoneOn), onOff(info.CameraOn && info.HasVideo), len(info.RemoteTracks))
}

// watchEvents prints events until ctx ends or the stream closes.
func watchEvents(ctx context.Context, events <-chan call.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			describe(ev)
		}
	}
}

// describe prints the user-facing events. State transitions are already
// logged by the controller.
func describe(ev call.Event) {
	who := util.Tag(ev.Call.Local, ev.Call.Remote)
	switch ev.Type {
	case call.EventIncomingCall:
		pterm.Info.Printfln("%s incoming %s call from %s", who, ev.Call.Type, ev.Call.Remote)
	case call.EventRemoteStreamUpdated:
		pterm.Info.Printfln("%s receiving remote %s", who, ev.Track.Kind)
	case call.EventCallRejected:
		pterm.Warning.Printfln("%s call rejected: %s", who, ev.Reason)
	case call.EventRemoteHangup:
		pterm.Info.Printfln("%s %s hung up", who, ev.Call.Remote)
	case call.EventCallEnded:
		pterm.Info.Printfln("%s call ended (%s) after %s", who, ev.Reason, ev.Call.Duration().Round(time.Second))
	case call.EventError:
		pterm.Error.Printfln("%s %v", who, ev.Err)
	case call.EventMicrophoneToggled:
		pterm.Info.Printfln("%s microphone %s", who, onOff(ev.Enabled))
	case call.EventCameraToggled:
		pterm.Info.Printfln("%s camera %s", who, onOff(ev.Enabled))
	case call.EventCameraSwitched:
		pterm.Info.Printfln("%s now using the %s camera", who, ev.Facing)
	case call.EventCallStateChanged:
		if ev.State == call.StateConnected && ev.Previous == call.StateConnecting {
			pterm.Success.Printfln("%s connected", who)
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
