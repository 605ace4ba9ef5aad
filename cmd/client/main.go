package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agent_relay/internal/service/app"

	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("relay-client", pflag.ExitOnError)
	to := fs.String("to", "", "recipient agent id")
	group := fs.String("group", "", "group id to join and talk in")
	host := fs.String("server", app.DefaultHost, "relay server address")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: client <agent-id> [--to agent | --group group] [--server host:port]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}
	agentID := fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.NewApp(app.NewAPI(*host))

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		cancel()
		a.Stop()
	}()

	if err := a.Run(ctx, agentID, app.Target{Agent: *to, Group: *group}); err != nil {
		fmt.Fprintln(os.Stderr, "client failed:", err)
		os.Exit(1)
	}
	a.Stop()
}
