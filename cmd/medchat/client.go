package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"medchat/internal/chat"
	"medchat/internal/chatapi"
	"medchat/internal/config"
	"medchat/internal/session"
	"medchat/internal/transport"
)

// tokenStore is where the CLI keeps the bearer token between commands.
type tokenStore interface {
	session.TokenSource
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// clientDeps holds everything a client command needs, built from config.
type clientDeps struct {
	cfg    *config.Config
	logger zerolog.Logger
	tokens tokenStore
	api    *chatapi.Client
	close  func()
}

func newClientDeps() (*clientDeps, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	d := &clientDeps{cfg: cfg, logger: logger, close: func() {}}
	if cfg.SessionID != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		d.tokens = session.NewRedisStore(rdb, cfg.SessionID)
		d.close = func() { rdb.Close() }
	} else {
		d.tokens = session.NewMemoryStore()
	}
	d.api = chatapi.NewClient(cfg.APIURL, d.tokens,
		chatapi.WithLogger(logger),
		chatapi.WithViewer(cfg.ClientRole()),
	)
	return d, nil
}

func (d *clientDeps) transport() *transport.Manager {
	return transport.New(transport.Config{
		BaseURL:     d.cfg.WebsocketURL(),
		Path:        d.cfg.WSPath,
		Tokens:      d.tokens,
		BaseDelay:   d.cfg.ReconnectBaseDelay,
		MaxAttempts: d.cfg.ReconnectMaxAttempts,
		Logger:      d.logger,
	})
}

// authenticate logs in when credentials were given, otherwise it relies on
// the stored session. It returns the caller's user id when known.
func (d *clientDeps) authenticate(ctx context.Context, username, password string) (string, error) {
	if username == "" {
		token, err := d.tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, chat.ErrAuthMissing) {
				return "", fmt.Errorf("%w: pass --username and --password or run `medchat login`", err)
			}
			return "", err
		}
		if claims, err := session.ParseClaims(token); err == nil {
			return claims.UserID, nil
		}
		return "", nil
	}

	res, err := d.api.Login(ctx, username, password)
	if err != nil {
		return "", err
	}
	if err := d.tokens.Save(ctx, res.AccessToken); err != nil {
		return "", err
	}
	d.logger.Debug().Str("username", res.Username).Msg("logged in")
	return string(res.ID), nil
}

func addCredentialFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("username", "u", "", "account to log in as")
	cmd.Flags().StringP("password", "p", "", "account password")
}

func credentials(cmd *cobra.Command) (string, string) {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	return username, password
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClientDeps()
			if err != nil {
				return err
			}
			defer d.close()

			username, password := credentials(cmd)
			if username == "" {
				return errors.New("--username is required")
			}
			if register, _ := cmd.Flags().GetBool("register"); register {
				if err := d.api.Register(cmd.Context(), username, password, d.cfg.ClientRole()); err != nil {
					return err
				}
			}
			if _, err := d.authenticate(cmd.Context(), username, password); err != nil {
				return err
			}
			if d.cfg.SessionID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Logged in. Set MEDCHAT_SESSION_ID to keep the session between commands.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in; session %s saved.\n", d.cfg.SessionID)
			return nil
		},
	}
	addCredentialFlags(cmd)
	cmd.Flags().Bool("register", false, "create the account first, with MEDCHAT_ROLE as its role")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect once and report the connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClientDeps()
			if err != nil {
				return err
			}
			defer d.close()

			username, password := credentials(cmd)
			if _, err := d.authenticate(cmd.Context(), username, password); err != nil {
				return err
			}
			tr := d.transport()
			defer tr.Close()

			connectErr := tr.Connect(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), statusLine(tr.Status()))
			return connectErr
		},
	}
	addCredentialFlags(cmd)
	return cmd
}
