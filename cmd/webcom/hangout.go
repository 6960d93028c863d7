package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	webcom "github.com/webcom-chat/webcom-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// send commands
	sendEmail   string
	sendOffline bool

	// listen
	listenWebhookAddr   string
	listenFocus         string
	listenFlushInterval time.Duration
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")

	for _, c := range commandCmds() {
		c.Flags().StringVar(&sendEmail, "email", "", "peer email")
		c.Flags().BoolVar(&sendOffline, "offline", false, "queue locally instead of sending")
		rootCmd.AddCommand(c)
	}

	listenCmd.Flags().StringVar(&listenWebhookAddr, "webhook", "", "receive Parse afterSave webhooks on this address instead of LiveQuery")
	listenCmd.Flags().StringVar(&listenFocus, "open", "", "peer to keep focused while listening")
	listenCmd.Flags().DurationVar(&listenFlushInterval, "flush-interval", 0, "replay the offline queue on this interval (overrides client.flush_interval)")

	rootCmd.AddCommand(hangoutsCmd, messagesCmd, unreadCmd, openCmd, searchCmd, listenCmd, flushCmd, syncCmd)
}

// ============================================================================
// Relationship commands
// ============================================================================

func commandCmds() []*cobra.Command {
	var cmds []*cobra.Command
	for _, c := range []webcom.ClientCommand{
		webcom.CommandInvite, webcom.CommandAccept, webcom.CommandDecline,
		webcom.CommandBlock, webcom.CommandUnblock,
	} {
		cmds = append(cmds, newCommandCmd(c, "<peer> [text]", cobra.RangeArgs(1, 2)))
	}
	cmds = append(cmds, newCommandCmd(webcom.CommandMessage, "<peer> <text>", cobra.ExactArgs(2)))
	return cmds
}

func newCommandCmd(command webcom.ClientCommand, usage string, args cobra.PositionalArgs) *cobra.Command {
	name := strings.ToLower(string(command))
	return &cobra.Command{
		Use:   name + " " + usage,
		Short: fmt.Sprintf("Send %s to a peer", command),
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			ctx, cancel := commandContext()
			defer cancel()

			s, err := openSession(ctx, webcom.WithOfflineOptions(&webcom.OfflineOptions{StartOffline: sendOffline}))
			if err != nil {
				return err
			}
			defer s.close()

			email := sendEmail
			if email == "" {
				if h, _ := s.client.Cache().Hangout(peer); h != nil {
					email = h.Email
				}
			}
			res, err := s.client.Send(ctx, peer, email, command, text)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"outcome": res.Outcome.String(), "error": errString(res.Err)})
			}
			switch {
			case sendOffline:
				fmt.Printf("Queued %s for %s\n", command, peer)
			case res.Outcome == webcom.BothSaved:
				fmt.Printf("Sent %s to %s\n", command, peer)
			default:
				fmt.Printf("%s to %s: %s", command, peer, res.Outcome)
				if res.Err != nil {
					fmt.Printf(" (%v)", res.Err)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ============================================================================
// Cache views
// ============================================================================

var hangoutsCmd = &cobra.Command{
	Use:   "hangouts",
	Short: "List cached hangouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLoggedIn()
		if err != nil {
			return err
		}
		defer s.close()

		hangouts := s.client.Snapshot().Hangouts
		if jsonOutput {
			return printJSON(hangouts)
		}
		if len(hangouts) == 0 {
			fmt.Println("No hangouts.")
			return nil
		}
		for _, h := range hangouts {
			fmt.Printf("%-20s %-10s %-9s %s\n", h.Username, h.State, h.Status(), previewOf(h))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <peer>",
	Short: "Show the cached conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLoggedIn()
		if err != nil {
			return err
		}
		defer s.close()

		messages, err := s.client.Cache().Messages(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(messages)
		}
		for _, m := range messages {
			mark := " "
			if m.Delivered {
				mark = "✓"
			}
			fmt.Printf("[%s] %s %-15s %s\n", time.UnixMilli(m.Timestamp).Format(time.DateTime), mark, m.Username, m.Text)
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "List unread hangouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLoggedIn()
		if err != nil {
			return err
		}
		defer s.close()

		unread := s.client.Snapshot().Unread
		if jsonOutput {
			return printJSON(unread)
		}
		if len(unread) == 0 {
			fmt.Println("Nothing unread.")
			return nil
		}
		for _, h := range unread {
			fmt.Printf("%-20s %-10s %s\n", h.Username, h.State, previewOf(h))
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <peer>",
	Short: "Open a hangout and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openLoggedIn()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.client.Open(args[0]); err != nil {
			return err
		}
		snap := s.client.Snapshot()
		if jsonOutput {
			return printJSON(snap)
		}
		if snap.Hangout != nil {
			fmt.Printf("%s (%s)\n", snap.Hangout.Username, snap.Hangout.State)
		}
		for _, m := range snap.Messages {
			fmt.Printf("  %-15s %s\n", m.Username, m.Text)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <name>",
	Short: "Find a user or an existing hangout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		found, err := s.client.Search(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(found)
		}
		if len(found) == 0 {
			fmt.Println("No match.")
			return nil
		}
		for _, h := range found {
			fmt.Printf("%-20s %-25s %s\n", h.Username, h.Email, h.State)
		}
		return nil
	},
}

// ============================================================================
// Sync
// ============================================================================

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send hangouts queued while offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		err = s.client.FlushOffline(ctx)
		if errors.Is(err, webcom.ErrOfflineQueueMissing) {
			fmt.Println("Nothing queued.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Flushed; %d still queued\n", len(s.client.Snapshot().OfflineHangouts))
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Go online: fetch missed hangouts and flush the offline queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.client.GoOnline(ctx); err != nil {
			return err
		}
		snap := s.client.Snapshot()
		fmt.Printf("%d hangouts, %d unread, %d queued\n", len(snap.Hangouts), len(snap.Unread), len(snap.OfflineHangouts))
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and apply pushed changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		offlineOpts, err := listenOfflineOptions(cfg, listenFlushInterval)
		if err != nil {
			return err
		}
		var hook *webcom.ParseWebhook
		if listenWebhookAddr != "" {
			hook, err = webcom.NewParseWebhook(cfg.Parse.WebhookKey)
			if err != nil {
				return err
			}
		}

		s, err := openSession(ctx, webcom.WithOfflineOptions(offlineOpts))
		if err != nil {
			return err
		}
		defer s.close()
		if s.client.Session() == nil {
			return webcom.ErrNotLoggedIn
		}

		client := s.client
		if hook != nil {
			// Rebuild the client so subscriptions come from the webhook.
			client = webcom.NewClient(hook.Wrap(client.Adapter().Backend()), client.Cache().Store(),
				webcom.WithLogger(s.logger), webcom.WithOfflineOptions(offlineOpts))
			defer client.Close()
		}
		client.Offline().Start()
		if listenFocus != "" {
			if err := client.Open(listenFocus); err != nil {
				return err
			}
		}

		client.On("*", func(name string, payload any) {
			if jsonOutput {
				_ = printJSON(map[string]any{"event": name, "payload": payload})
				return
			}
			switch ev := payload.(type) {
			case webcom.HangoutsUpdated:
				fmt.Printf("%s: %d hangouts\n", name, len(ev.Hangouts))
			case webcom.MessagesUpdated:
				if n := len(ev.Messages); n > 0 {
					last := ev.Messages[n-1]
					fmt.Printf("%s: %s: %s\n", ev.Peer, last.Username, last.Text)
				}
			case webcom.UnreadUpdated:
				fmt.Printf("%s: %d unread\n", name, len(ev.Hangouts))
			case webcom.Navigate:
				fmt.Printf("%s: %s\n", name, ev.Route)
			default:
				fmt.Println(name)
			}
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := client.Listen(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		if hook != nil {
			srv := &http.Server{Addr: listenWebhookAddr, Handler: hook.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		fmt.Fprintln(os.Stderr, "Listening. Press Ctrl+C to stop.")
		return g.Wait()
	},
}

// ============================================================================
// Helpers
// ============================================================================

// listenOfflineOptions flushes the queue whenever the client comes back
// online and, when an interval is set by flag or config, on a timer.
func listenOfflineOptions(cfg *Config, override time.Duration) (*webcom.OfflineOptions, error) {
	interval := override
	if interval <= 0 {
		d, err := cfg.Client.flushInterval()
		if err != nil {
			return nil, err
		}
		interval = d
	}
	return &webcom.OfflineOptions{FlushOnReconnect: true, FlushInterval: interval}, nil
}

func openLoggedIn() (*session, error) {
	ctx, cancel := commandContext()
	defer cancel()
	s, err := openSession(ctx)
	if err != nil {
		return nil, err
	}
	if s.client.Session() == nil {
		s.close()
		return nil, fmt.Errorf("not logged in. Run 'webcom login <username>' first")
	}
	return s, nil
}

func previewOf(h webcom.Hangout) string {
	if !h.HasText() {
		return ""
	}
	text := h.Message.Text
	if len(text) > 40 {
		text = text[:37] + "..."
	}
	return text
}
