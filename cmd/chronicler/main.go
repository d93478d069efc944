package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chronicler-app/chronicler/config"
	"github.com/chronicler-app/chronicler/runtime"
	"github.com/chronicler-app/chronicler/store"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitStoreError  = 2
)

type cmdServe struct {
	config.Config
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Logging level"`
}

// Execute runs the pipeline until signaled to exit.
func (c *cmdServe) Execute(args []string) error {
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&log.JSONFormatter{})

	if err := c.Config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	var ctx = context.Background()
	var app, err = runtime.New(ctx, &c.Config)
	if err != nil {
		var fatal *store.FatalError
		var transient *store.TransientError
		if errors.As(err, &fatal) || errors.As(err, &transient) {
			log.WithField("err", err).Error("store unavailable at startup")
			os.Exit(exitStoreError)
		}
		return err
	}

	if err = app.Serve(ctx); err != nil {
		return err
	}
	os.Exit(exitOK)
	return nil
}

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	if _, err := parser.AddCommand("serve", "Run the outreach pipeline", `
Run the chronicler pipeline until signaled to exit (via SIGTERM). Upon
receiving a signal the scheduler stops firing, in-flight stage handlers are
drained with a grace period, and the store is disconnected cleanly.
`, &cmdServe{}); err != nil {
		panic(err)
	}

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(exitOK)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}
