package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/controller"
	"github.com/caesar-terminal/depthbook/internal/display"
	"github.com/caesar-terminal/depthbook/internal/host"
	"github.com/caesar-terminal/depthbook/internal/server"
)

const usage = `Usage: bookctl [flags] <command> [subscription]

Commands:
  watch                 stream events and render every book update
  connect [sub]         connect (default: current subscription)
  close                 close the connection
  change <sub>          change the subscription
  toggle                flip between the primary and alternate subscriptions
  reconnect             connect again to the current subscription

Flags:
`

type options struct {
	network string
	addr    string
	format  display.Format
	rows    int
	timeout time.Duration
}

// eventView is how events are printed in json and yaml formats.
type eventView struct {
	Type         host.EventType `json:"type" yaml:"type"`
	Subscription string         `json:"subscription,omitempty" yaml:"subscription,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Value        any            `json:"value,omitempty" yaml:"value,omitempty"`
}

func main() {
	var opts options
	var format string
	pflag.StringVar(&opts.network, "network", "unix", "BookService network: unix or tcp")
	pflag.StringVarP(&opts.addr, "addr", "a", "/tmp/depthbook.sock", "BookService socket path or host:port")
	pflag.StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")
	pflag.IntVarP(&opts.rows, "rows", "n", 10, "levels per side to render (0 for all)")
	pflag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "how long one-shot commands wait for a result")
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	f, err := display.ParseFormat(format)
	if err != nil {
		fatal(err)
	}
	opts.format = f

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, args); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "bookctl: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, opts options, args []string) error {
	var (
		cmd  host.Command
		want []host.EventType
	)
	arg := func() string {
		if len(args) > 1 {
			return args[1]
		}
		return ""
	}

	switch args[0] {
	case "watch":
	case "connect":
		cmd = host.Connect(arg())
		want = []host.EventType{host.EventConnected}
	case "reconnect":
		cmd = host.Command{Type: controller.CommandReconnect}
		want = []host.EventType{host.EventConnected}
	case "close":
		cmd = host.Close()
		want = []host.EventType{host.EventClosed}
	case "change":
		if arg() == "" {
			return errors.New("change needs a subscription")
		}
		cmd = host.ChangeSubscription(arg())
		want = []host.EventType{host.EventSubscriptionChanged}
	case "toggle":
		cmd = host.Command{Type: controller.CommandToggle}
		want = []host.EventType{host.EventSubscriptionChanged}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	client, err := server.Dial(opts.network, opts.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if cmd.Type == "" {
		return watch(ctx, client, opts)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return oneShot(ctx, client, opts, cmd, want)
}

func watch(ctx context.Context, client *server.Client, opts options) error {
	stream, err := client.Session(ctx)
	if err != nil {
		return err
	}
	for {
		fe, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		if err := printEvent(os.Stdout, opts, fe); err != nil {
			return err
		}
	}
}

// oneShot sends cmd and prints events until one of want arrives. The
// server replays the current state without timestamps when a stream
// opens; those events are skipped so they are not mistaken for a result.
func oneShot(ctx context.Context, client *server.Client, opts options, cmd host.Command, want []host.EventType) error {
	stream, err := client.Session(ctx)
	if err != nil {
		return err
	}
	if err := stream.Send(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}

	for {
		fe, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("no result for %s within %s", cmd.Type, opts.timeout)
			}
			return err
		}
		if fe.Timestamp.IsZero() && fe.Event.Type != host.EventActionError {
			continue
		}
		if fe.Event.Type == host.EventUpdate {
			continue
		}
		if err := printEvent(os.Stdout, opts, fe); err != nil {
			return err
		}

		switch fe.Event.Type {
		case host.EventActionError:
			// Rejections of our own command arrive on this stream only.
			// Another caller's change timing out is shared and only
			// matters to change and toggle.
			if fe.Event.Text() == host.MsgChangeNotConfirmed && !slices.Contains(want, host.EventSubscriptionChanged) {
				continue
			}
			return errors.New(fe.Event.Text())
		case host.EventConnectionError:
			return errors.New(fe.Event.Text())
		}
		for _, t := range want {
			if fe.Event.Type == t {
				return nil
			}
		}
	}
}

func printEvent(w io.Writer, opts options, fe adapter.FeedEvent) error {
	if opts.format != display.FormatText {
		view := eventView{Type: fe.Event.Type, Subscription: fe.Subscription, Value: fe.Event.Value}
		if !fe.Timestamp.IsZero() {
			view.Timestamp = fe.Timestamp.UnixMilli()
		}
		if snap, ok := fe.Event.Snapshot(); ok {
			view.Value = snap.Truncate(opts.rows)
		}
		return display.Encode(w, opts.format, view)
	}

	stamp := fe.Timestamp.Format("15:04:05.000")
	if fe.Timestamp.IsZero() {
		stamp = "--:--:--.---"
	}
	if snap, ok := fe.Event.Snapshot(); ok {
		fmt.Fprintf(w, "%s %s %s\n", stamp, fe.Event.Type, fe.Subscription)
		return display.Render(w, snap, opts.rows)
	}
	text := fe.Event.Text()
	if text == "" {
		_, err := fmt.Fprintf(w, "%s %s\n", stamp, fe.Event.Type)
		return err
	}
	_, err := fmt.Fprintf(w, "%s %s %s\n", stamp, fe.Event.Type, text)
	return err
}
