package main

import (
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/renewd/renewd/internal/responder"
)

const envPort = "RENEWD_RESPONDER_PORT"
const envDBPath = "RENEWD_RESPONDER_DB_PATH"
const envHMAC = "RENEWD_RESPONDER_HMAC"
const envSweepInterval = "RENEWD_RESPONDER_SWEEP_INTERVAL"
const envMaxClockSkewSecs = "RENEWD_RESPONDER_MAX_CLOCK_SKEW_SECS"

func runServe(cCtx *cli.Context) error {
	port := os.Getenv(envPort)
	if port == "" {
		port = "80"
	}

	dbPath := os.Getenv(envDBPath)
	if dbPath == "" {
		dbPath = "./renewd-responder.db"
	}

	secret := os.Getenv(envHMAC)
	if secret == "" {
		return cli.Exit("please provide the shared admin secret in "+envHMAC, 1)
	}

	sweepInterval := time.Minute
	if raw := os.Getenv(envSweepInterval); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return cli.Exit("invalid "+envSweepInterval+": "+err.Error(), 1)
		}
		sweepInterval = parsed
	}

	maxSkew := int64(0)
	if raw := os.Getenv(envMaxClockSkewSecs); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cli.Exit("invalid "+envMaxClockSkewSecs+": "+err.Error(), 1)
		}
		maxSkew = parsed
	}

	store, err := responder.NewBoltStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Seed(); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go responder.SweepLoop(store, sweepInterval, stop)

	app := responder.NewServer(store, responder.ServerConfig{
		HMACSecret:       secret,
		MaxClockSkewSecs: maxSkew,
	})

	log.WithField("port", port).Info("Starting challenge responder")
	return app.Start(":" + port)
}

func main() {
	app := &cli.App{
		Name:        "renewd-responder",
		Description: "standalone http-01 challenge responder for renewd agents that cannot bind the public challenge port",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the challenge responder",
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
