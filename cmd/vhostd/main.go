package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	vhostd "github.com/wrfsh/vhostd"
	"github.com/wrfsh/vhostd/config"
	"github.com/wrfsh/vhostd/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(*configPath); err != nil {
		fmt.Printf("failed to load config: %s\n", err)
		os.Exit(1)
	}

	ctrl, err := vhostd.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		util.LogWithContextIfNeeded("failed to start devices", err, l)
		os.Exit(1)
	}

	<-ctx.Done()
	l.Info("shutting down")
	ctrl.ShutdownBlock(context.Background())

	os.Exit(0)
}
