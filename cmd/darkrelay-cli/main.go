package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/lk2023060901/darkrelay-go/internal/config"
	"github.com/lk2023060901/darkrelay-go/internal/network/connector"
	"github.com/lk2023060901/darkrelay-go/internal/protocol"
)

const requestTimeout = 10 * time.Second

type options struct {
	addr       string
	key        string
	username   string
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "darkrelay-cli",
		Short:         "Line-oriented DarkRelay client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "server address, host:port or ws://host:port/ws")
	cmd.Flags().StringVar(&opts.key, "key", "", "special auth key (default from config or $DARKRELAY_SPECIAL_KEY)")
	cmd.Flags().StringVarP(&opts.username, "user", "u", "", "username, prompted when empty")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file providing codec settings and the key")
	return cmd
}

func run(ctx context.Context, opts options, stdin io.Reader, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	c, err := cfg.BuildCodec()
	if err != nil {
		return err
	}
	key := opts.key
	if key == "" {
		key = cfg.SpecialKey
	}

	conn, err := connector.Dial(ctx, opts.addr, connector.Options{Codec: c})
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(out, "* connected to %s (protocol %s)\n", conn.RemoteAddr(), conn.Challenge().Version)

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	res, err := conn.Authenticate(rctx, []byte(key))
	cancel()
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.Newf("authentication failed: %s", res.Reason)
	}

	lines := bufio.NewScanner(stdin)
	if err := login(ctx, conn, opts.username, lines, out); err != nil {
		return err
	}

	go printInbound(ctx, conn, out)

	for lines.Scan() {
		cmd, err := protocol.ParseCommand(lines.Text())
		if errors.Is(err, protocol.ErrEmptyCommand) {
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		if cmd.Local {
			fmt.Fprintln(out, protocol.HelpText)
			continue
		}
		if err := conn.Send(cmd.Message); err != nil {
			return err
		}
		if _, ok := cmd.Message.(*protocol.Quit); ok {
			break
		}
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	return nil
}

// login 提示输入用户名，直到登录成功；服务端因重试次数过多断开时返回错误。
func login(ctx context.Context, conn *connector.Conn, username string, lines *bufio.Scanner, out io.Writer) error {
	for {
		if username == "" {
			fmt.Fprint(out, "username: ")
			if !lines.Scan() {
				return errors.New("no username given")
			}
			username = strings.TrimSpace(lines.Text())
		}

		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		res, err := conn.Login(rctx, username)
		cancel()
		if err == nil && res.Success {
			fmt.Fprintf(out, "* logged in as %s (session %d)\n", res.Username, res.SessionID)
			return nil
		}
		var serr *connector.ServerError
		if !errors.As(err, &serr) {
			return err
		}
		fmt.Fprintf(out, "! %s\n", serr.Text)
		username = ""
	}
}

func printInbound(ctx context.Context, conn *connector.Conn, out io.Writer) {
	for {
		in, err := conn.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				fmt.Fprintln(out, "* disconnected")
			}
			return
		}
		if line := render(in.Message); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func render(msg protocol.Message) string {
	switch m := msg.(type) {
	case *protocol.Broadcast:
		return formatEnvelope(m.Envelope)
	case *protocol.ChannelList:
		return "* channels: " + strings.Join(m.Channels, ", ")
	case *protocol.JoinResult:
		if !m.Success {
			return fmt.Sprintf("! cannot join %s: %s", m.Channel, m.Reason)
		}
		lines := []string{fmt.Sprintf("* joined %s", m.Channel)}
		for _, env := range m.History {
			lines = append(lines, formatEnvelope(env))
		}
		return strings.Join(lines, "\n")
	case *protocol.History:
		lines := []string{fmt.Sprintf("* history of %s (%d)", m.Channel, len(m.Envelopes))}
		for _, env := range m.Envelopes {
			lines = append(lines, formatEnvelope(env))
		}
		return strings.Join(lines, "\n")
	case *protocol.UserJoined:
		return fmt.Sprintf("* %s joined %s", m.Username, m.Channel)
	case *protocol.UserLeft:
		return fmt.Sprintf("* %s left %s", m.Username, m.Channel)
	case *protocol.System:
		return "* " + m.Text
	case *protocol.Error:
		return fmt.Sprintf("! %s: %s", m.Kind, m.Text)
	default:
		return ""
	}
}

func formatEnvelope(env protocol.Envelope) string {
	ts := time.UnixMilli(env.Timestamp).Format("15:04:05")
	return fmt.Sprintf("[%s] #%s <%s> %s", ts, env.Channel, env.Sender, env.Payload)
}
