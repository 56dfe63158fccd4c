package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/seshat/internal/broker"
	discordadapter "github.com/zulandar/seshat/internal/broker/discord"
	slackadapter "github.com/zulandar/seshat/internal/broker/slack"
	xmppadapter "github.com/zulandar/seshat/internal/broker/xmpp"
	"github.com/zulandar/seshat/internal/config"
	"github.com/zulandar/seshat/internal/db"
	"github.com/zulandar/seshat/internal/visitor"
	"golang.org/x/term"
)

func newStartCmd() *cobra.Command {
	var t target

	cmd := &cobra.Command{
		Use:   "start [config] [section]",
		Short: "Start the broker daemon",
		Long: "Logs in to the configured messaging network, tracks operator presence\n" +
			"and relays chats until interrupted.",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := t.resolve(args)
			if err != nil {
				return err
			}
			return runStart(cmd, resolved)
		},
	}
	t.bind(cmd)
	return cmd
}

// passwordPrompt reads the broker password when the config leaves it empty.
// Replaced in tests.
var passwordPrompt = promptPassword

func promptPassword(in *os.File, out io.Writer, account string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("broker_password is empty and stdin is not a terminal")
	}
	fmt.Fprintf(out, "Password for %s: ", account)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func runStart(cmd *cobra.Command, t target) error {
	out := cmd.OutOrStdout()

	cfg, err := t.load()
	if err != nil {
		return err
	}

	if cfg.Platform == config.PlatformXMPP && cfg.BrokerPassword == "" {
		pw, err := passwordPrompt(os.Stdin, out, cfg.BrokerUsername)
		if err != nil {
			return err
		}
		cfg.BrokerPassword = pw
	}

	gormDB, err := db.Open(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedOperators(gormDB, cfg.LocalUsers); err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := broker.NewDaemon(ctx, broker.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Adapter: adapter,
		Out:     out,
	})
	if err != nil {
		return err
	}

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.VisitorAPI.Listen != "" {
		go func() {
			err := visitor.Start(ctx, visitor.StartOpts{
				Service:    daemon,
				Listen:     cfg.VisitorAPI.Listen,
				RatePerSec: cfg.VisitorAPI.RatePerSec,
				Burst:      cfg.VisitorAPI.Burst,
				Out:        out,
			})
			if err != nil {
				log.Printf("seshat: visitor api: %v", err)
				cancel()
			}
		}()
	}

	return daemon.Run(ctx)
}

// createAdapter builds the messaging network adapter named by the config.
func createAdapter(cfg *config.Config) (broker.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformXMPP:
		return xmppadapter.New(xmppadapter.AdapterOpts{
			Username:           cfg.BrokerUsername,
			Password:           cfg.BrokerPassword,
			Host:               cfg.XMPP.Host,
			Resource:           cfg.XMPP.Resource,
			NoTLS:              cfg.XMPP.NoTLS,
			StartTLS:           cfg.XMPP.StartTLS,
			InsecureSkipVerify: cfg.XMPP.InsecureSkipVerify,
		})
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
		})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:     cfg.Slack.AppToken,
			BotToken:     cfg.Slack.BotToken,
			Users:        cfg.LocalUsers,
			PresencePoll: time.Duration(cfg.Slack.PresencePollSec) * time.Second,
		})
	default:
		return nil, fmt.Errorf("seshat: unsupported platform %q", cfg.Platform)
	}
}
