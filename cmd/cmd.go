// Package cmd parse args to configure application.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"duo/duo"
	"duo/hub"
	"duo/metric"
)

// Run starts the application and blocks until interrupted.
func Run() {
	config, err := SetupConfig(os.Stdout, os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	d, err := duo.New(config)
	if err != nil {
		log.Printf("failed to create client: %v", err)
		os.Exit(1)
	}
	if err := d.Start(); err != nil {
		log.Printf("failed to start client: %v", err)
		os.Exit(1)
	}
	defer d.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
}

// SetupConfig sets up and returns the configuration.
func SetupConfig(w io.Writer, args []string) (duo.Config, error) {
	config, err := Parse(w, args)
	if err != nil {
		return config, err
	}
	if err = config.Validate(); err != nil {
		fmt.Fprintf(w, "invalid configuration: %v\n", err)
		return config, err
	}
	return config, nil
}

// Parse parses the command line arguments.
func Parse(w io.Writer, args []string) (duo.Config, error) {
	con := duo.Config{}

	fs := flag.NewFlagSet("duo", flag.ContinueOnError)
	fs.SetOutput(w)
	fs.StringVar(&con.Self.UID, "uid", "", "local user id")
	fs.StringVar(&con.Self.DisplayName, "name", "", "display name, defaults to the user id")
	fs.StringVar(&con.Self.PhotoURL, "photo", "", "profile photo url")
	fs.StringVar(&con.HubAddr, "hub", fmt.Sprintf("localhost:%d", hub.DefaultPort), "sync hub address")
	fs.BoolVar(&con.Serve, "serve", false, "run an embedded sync hub")
	fs.IntVar(&con.Hub.Port, "port", hub.DefaultPort, "embedded hub listening port")
	fs.BoolVar(&con.Hub.Debug, "debug", false, "debug mode")
	fs.StringVar(&con.Hub.KeyFile, "key", "", "key file path")
	fs.StringVar(&con.Hub.CertFile, "cert", "", "cert file path")
	fs.IntVar(&con.Metrics.Port, "metric-port", metric.DefaultMetricsPort, "metrics listening port")
	fs.StringVar(&con.Upload.Endpoint, "upload-url", "", "attachment upload endpoint")
	fs.StringVar(&con.Upload.Preset, "upload-preset", "", "attachment upload preset")

	err := fs.Parse(args)
	if err != nil {
		return duo.Config{}, fmt.Errorf("failed to parse args: %w", err)
	}

	if fs.NArg() != 0 {
		return duo.Config{}, errors.New("some args are not parsed")
	}

	if con.Self.DisplayName == "" {
		con.Self.DisplayName = con.Self.UID
	}
	con.Metrics.Path = metric.DefaultMetricsPath

	return con, nil
}
