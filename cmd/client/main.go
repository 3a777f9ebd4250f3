// Package main provides a command-line subscriber for a bounty feed server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/codeGROOVE-dev/bountyhook/pkg/bounty"
	"github.com/codeGROOVE-dev/bountyhook/pkg/client"
)

func parseRepoIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid repository id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func run() error {
	var (
		serverAddr = flag.String("addr", "localhost:8080", "server address")
		repos      = flag.String("repos", "", "Comma-separated repository ids to watch; empty watches all")
		claimedBy  = flag.String("claimed-by", "", "Only show changes involving this GitHub login")
		useTLS     = flag.Bool("tls", false, "Use TLS (wss://)")
		verbose    = flag.Bool("verbose", false, "Print full change JSON")
		noRetry    = flag.Bool("no-reconnect", false, "Exit instead of reconnecting when the connection drops")
	)
	flag.Parse()

	repoIDs, err := parseRepoIDs(*repos)
	if err != nil {
		return err
	}

	scheme := "ws"
	if *useTLS {
		scheme = "wss"
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c, err := client.New(client.Config{
		ServerURL:   fmt.Sprintf("%s://%s/ws", scheme, *serverAddr),
		RepoIDs:     repoIDs,
		ClaimedBy:   *claimedBy,
		Logger:      log,
		NoReconnect: *noRetry,
		OnChange: func(ch bounty.Change) {
			if *verbose {
				out, err := json.MarshalIndent(ch, "", "  ")
				if err == nil {
					fmt.Println(string(out))
					return
				}
			}
			who := ""
			if ch.ClaimedBy != "" {
				who = " by " + ch.ClaimedBy
			}
			fmt.Printf("[%s] repo %d issue %d %s%s %s\n",
				ch.Timestamp.Format("15:04:05"), ch.RepoID, ch.IssueID, ch.Type, who, ch.URL)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.Start(ctx)
	if ctx.Err() != nil {
		return nil
	}
	var rejected *client.RejectedError
	if errors.As(err, &rejected) {
		return rejected
	}
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
