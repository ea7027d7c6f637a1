package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"medchat/internal/chat"
	"medchat/internal/orchestrator"
)

var errQuit = errors.New("quit")

const chatHelp = `Type a message and press enter to send it.
  /list            show conversations
  /open <id>       switch conversation
  /reconnect       reconnect after the connection gave up
  /disconnect      close the connection
  /quit            leave`

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Open an interactive chat session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClientDeps()
			if err != nil {
				return err
			}
			defer d.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			username, password := credentials(cmd)
			selfID, err := d.authenticate(ctx, username, password)
			if err != nil {
				return err
			}

			var target string
			if len(args) == 1 {
				target = args[0]
			}
			doctor, _ := cmd.Flags().GetString("doctor")
			appointment, _ := cmd.Flags().GetString("appointment")
			if doctor != "" {
				conv, err := d.api.CreateConversation(ctx, doctor, appointment)
				if err != nil {
					return err
				}
				target = conv.ID
			}
			return runChat(ctx, d, selfID, target, os.Stdin, cmd.OutOrStdout())
		},
	}
	addCredentialFlags(cmd)
	cmd.Flags().String("doctor", "", "open or create a conversation with this doctor id")
	cmd.Flags().String("appointment", "", "appointment the conversation with --doctor belongs to")
	return cmd
}

func runChat(ctx context.Context, d *clientDeps, selfID, target string, in io.Reader, out io.Writer) error {
	tr := d.transport()
	defer tr.Close()

	orch := orchestrator.New(d.api, tr, orchestrator.Options{
		Role:   d.cfg.ClientRole(),
		SelfID: selfID,
		Logger: d.logger,
	})
	r := newRenderer(out, d.cfg.ClientRole())

	// Scanner.Scan cannot be interrupted, so stdin is read outside the group.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-orch.Changes():
				r.render(orch.State())
			}
		}
	})

	if err := tr.Connect(gctx); err != nil {
		d.logger.Warn().Err(err).Msg("could not connect; history is still available")
	}
	if err := orch.LoadConversations(gctx); err == nil {
		openConversation(gctx, orch, out, target)
	}
	fmt.Fprintln(out, chatHelp)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(gctx, orch, tr, out, line); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type reconnector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

func handleLine(ctx context.Context, orch *orchestrator.Orchestrator, tr reconnector, out io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/list":
		if err := orch.LoadConversations(ctx); err == nil {
			printConversations(out, orch.State().Conversations)
		}
	case "/open":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /open <id>")
			return nil
		}
		openConversation(ctx, orch, out, fields[1])
	case "/reconnect":
		if err := tr.Connect(ctx); err != nil {
			fmt.Fprintf(out, "!! reconnect failed: %v\n", err)
		}
	case "/disconnect":
		tr.Disconnect()
	default:
		// Failures are flagged on the timeline by the renderer.
		_ = orch.Send(ctx, line)
	}
	return nil
}

// openConversation selects the conversation with id, or the most recent one
// when id is empty.
func openConversation(ctx context.Context, orch *orchestrator.Orchestrator, out io.Writer, id string) {
	convs := orch.State().Conversations
	var conv *chat.Conversation
	for i := range convs {
		if id == "" || convs[i].ID == id {
			conv = &convs[i]
			break
		}
	}
	if conv == nil {
		if id != "" {
			fmt.Fprintf(out, "!! no conversation %s\n", id)
		}
		printConversations(out, convs)
		return
	}
	_ = orch.SelectConversation(ctx, *conv)
}
