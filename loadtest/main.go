// Command loadtest drives pairs of patients and doctors against a running
// backend: each pair opens a conversation, connects both sockets and
// exchanges messages while frames are counted on the receiving side.
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"medchat/internal/chat"
	"medchat/internal/chatapi"
	"medchat/internal/session"
	"medchat/internal/transport"
)

type options struct {
	baseURL     string
	pairs       int
	messages    int
	concurrency int
	interval    time.Duration
	persistEach int
}

type counters struct {
	sent      atomic.Int64
	persisted atomic.Int64
	received  atomic.Int64
	failed    atomic.Int64
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Exercise the chat backend with concurrent patient-doctor pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			return run(cmd.Context(), opts, logger)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "backend base URL")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 50, "patient-doctor pairs")
	cmd.Flags().IntVar(&opts.messages, "messages", 20, "messages per user")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 100, "pairs running at once")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between messages")
	cmd.Flags().IntVar(&opts.persistEach, "persist-every", 5, "also submit every nth message over REST (0 disables)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	logger.Info().Int("users", opts.pairs*2).Int("messages", opts.messages).Msg("starting load test")
	start := time.Now()
	stats := &counters{}
	runID := time.Now().Unix()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(gctx, opts, runID, pairID, stats); err != nil {
				stats.failed.Add(1)
				logger.Warn().Err(err).Int("pair", pairID).Msg("pair failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().
		Dur("elapsed", time.Since(start)).
		Int64("sent", stats.sent.Load()).
		Int64("persisted", stats.persisted.Load()).
		Int64("received", stats.received.Load()).
		Int64("failed_pairs", stats.failed.Load()).
		Msg("load test complete")
	return nil
}

type user struct {
	name string
	role chat.Role
	id   string
	api  *chatapi.Client
	tr   *transport.Manager
}

func authenticate(ctx context.Context, opts options, name string, role chat.Role) (*user, error) {
	tokens := session.NewMemoryStore()
	api := chatapi.NewClient(opts.baseURL, tokens, chatapi.WithViewer(role))

	// Already registered on a rerun; login decides.
	_ = api.Register(ctx, name, "password123", role)
	res, err := api.Login(ctx, name, "password123")
	if err != nil {
		return nil, err
	}
	if err := tokens.Save(ctx, res.AccessToken); err != nil {
		return nil, err
	}

	tr := transport.New(transport.Config{
		BaseURL:     opts.baseURL,
		Tokens:      tokens,
		MaxAttempts: 3,
		Logger:      zerolog.Nop(),
	})
	return &user{name: name, role: role, id: string(res.ID), api: api, tr: tr}, nil
}

func runPair(ctx context.Context, opts options, runID int64, pairID int, stats *counters) error {
	patient, err := authenticate(ctx, opts, fmt.Sprintf("lt_%d_%d_p", runID, pairID), chat.RolePatient)
	if err != nil {
		return err
	}
	doctor, err := authenticate(ctx, opts, fmt.Sprintf("lt_%d_%d_d", runID, pairID), chat.RoleDoctor)
	if err != nil {
		return err
	}
	conv, err := patient.api.CreateConversation(ctx, doctor.id, "")
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range []*user{patient, doctor} {
		u := u
		g.Go(func() error {
			defer u.tr.Close()
			if err := u.tr.Connect(gctx); err != nil {
				return err
			}
			counted := make(chan struct{})
			go func() {
				defer close(counted)
				countFrames(u.tr, stats)
			}()
			err := spam(gctx, opts, u, conv.ID, stats)
			// Give in-flight frames a moment before closing.
			time.Sleep(200 * time.Millisecond)
			u.tr.Close()
			<-counted
			return err
		})
	}
	return g.Wait()
}

func countFrames(tr *transport.Manager, stats *counters) {
	idle := time.NewTimer(time.Second)
	defer idle.Stop()
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == transport.EventMessage {
				stats.received.Add(1)
			}
			if ev.Kind == transport.EventDisconnected {
				return
			}
		case <-idle.C:
			if !tr.Status().Connected {
				return
			}
			idle.Reset(time.Second)
		}
	}
}

func spam(ctx context.Context, opts options, u *user, convID string, stats *counters) error {
	for i := 0; i < opts.messages; i++ {
		content := fmt.Sprintf("load test message %d from %s", i, u.name)
		frame := chat.OutboundFrame{
			ConversationID: convID,
			Content:        content,
			SenderType:     u.role,
			CorrelationID:  chat.NewCorrelationID(),
		}
		if err := u.tr.Send(frame); err != nil {
			return err
		}
		stats.sent.Add(1)

		if opts.persistEach > 0 && i%opts.persistEach == 0 {
			if _, err := u.api.SubmitMessage(ctx, chat.Submission{
				ConversationID: convID,
				Content:        content,
				SenderRole:     u.role,
				CorrelationID:  frame.CorrelationID,
			}); err != nil {
				return err
			}
			stats.persisted.Add(1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.interval):
		}
	}
	return nil
}
