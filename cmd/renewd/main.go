package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/renewd/renewd/internal/challenge"
	"github.com/renewd/renewd/internal/config"
	"github.com/renewd/renewd/internal/eab"
	"github.com/renewd/renewd/internal/issuer"
	"github.com/renewd/renewd/internal/scheduler"
)

const defaultConfigPath = "/etc/renewd/renewd.yaml"

func runAgent(cCtx *cli.Context) error {
	if cCtx.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	configPath := cCtx.String("config")
	store := config.NewStore(configPath)

	settings, err := store.Load()
	if err != nil {
		return err
	}
	// Everything is validated up front, before the first network request.
	if err := config.Validate(settings); err != nil {
		return err
	}

	creds, err := eab.Load(cCtx.String("eab-kid"), cCtx.String("eab-hmac"), cCtx.String("eab-file"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publisher challenge.Publisher
	var challengeServer interface {
		Shutdown(ctx context.Context) error
	}
	if settings.ACME.HTTPResponderURL != "" {
		log.WithField("responder_url", settings.ACME.HTTPResponderURL).Info("Using remote challenge responder")
		publisher = challenge.NewResponderPublisher(settings.ACME)
	} else {
		tokenStore := challenge.NewStore()
		publisher = &challenge.LocalPublisher{Store: tokenStore}

		app := challenge.NewServer(tokenStore)
		challengeServer = app
		go func() {
			addr := fmt.Sprintf(":%d", settings.ACME.HTTPChallengePort)
			log.WithField("addr", addr).Info("Starting local challenge server")
			if err := app.Start(addr); err != nil {
				log.WithError(err).Error("Challenge server stopped")
			}
		}()
	}

	orch := issuer.NewOrchestrator(store, settings, publisher)
	orch.DirectoryURL = cCtx.String("directory-url")
	orch.InsecureOverride = cCtx.Bool("insecure")
	orch.EAB = creds

	if orch.InsecureOverride {
		log.Warn("Running with --insecure, certificate verification is disabled and the trust state will not be hardened")
	}

	sched := scheduler.New(settings, orch)

	var runErr error
	if cCtx.Bool("oneshot") {
		runErr = sched.RunOnce(ctx)
	} else {
		log.Info("Starting renewal daemon")
		runErr = sched.RunDaemon(ctx)
	}

	if challengeServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := challengeServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Challenge server shutdown failed")
		}
	}

	return runErr
}

func runCheck(cCtx *cli.Context) error {
	settings, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	if err := config.Validate(settings); err != nil {
		return err
	}
	fmt.Printf("%s: configuration is valid (%d profiles)\n", cCtx.String("config"), len(settings.Profiles))
	return nil
}

func main() {
	app := &cli.App{
		Name:        "renewd",
		Description: "ACME certificate issuance and renewal agent with trust-on-first-use hardening",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				Usage:   "path to the settings file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "issue and renew certificates for all configured profiles",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "oneshot",
						Usage: "issue every profile once and exit instead of running the renewal daemon",
					},
					&cli.BoolFlag{
						Name:  "insecure",
						Usage: "skip server certificate verification for this run without hardening the trust state afterwards",
					},
					&cli.StringFlag{
						Name:  "directory-url",
						Usage: "override the configured ACME directory URL",
					},
					&cli.StringFlag{
						Name:  "eab-kid",
						Usage: "external account binding key identifier",
					},
					&cli.StringFlag{
						Name:  "eab-hmac",
						Usage: "external account binding HMAC key (base64)",
					},
					&cli.StringFlag{
						Name:  "eab-file",
						Usage: "path to a JSON file with external account binding credentials",
					},
				},
				Action: runAgent,
			},
			{
				Name:   "check",
				Usage:  "validate the settings file and exit",
				Action: runCheck,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
