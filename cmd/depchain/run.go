package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/node"
	"github.com/iykyk-syn/depchain/pool"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	id := flags.Int("id", envInt("DEPCHAIN_ID", 1), "ID of the process")
	membersPath := flags.String("membership", envString("DEPCHAIN_MEMBERSHIP", "./cluster/membership.json"),
		"Path to the membership file",
	)
	keyPath := flags.String("key", envString("DEPCHAIN_KEY", ""),
		"Path to the private key file. Defaults to <id>.key next to the membership file",
	)
	retransmit := flags.Duration("retransmit", envDuration("DEPCHAIN_RETRANSMIT", 500*time.Millisecond),
		"Retransmission interval of unacknowledged messages",
	)
	genesis := flags.String("genesis", envString("DEPCHAIN_GENESIS", "genesis"),
		"Value the leader proposes for the first instance. Empty skips it",
	)
	randomEvery := flags.Duration("random-every", envDuration("DEPCHAIN_RANDOM_EVERY", 0),
		"Submit a random value every given time on the leader. 0 disables it",
	)
	logLevel := flags.String("log-level", envString("DEPCHAIN_LOG_LEVEL", "info"), "Log level")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := setLogLevel(*logLevel); err != nil {
		return err
	}
	if *keyPath == "" {
		*keyPath = filepath.Join(filepath.Dir(*membersPath), depchain.ProcessID(*id).String()+".key")
	}

	nd, err := node.New(node.Config{
		ID:                 depchain.ProcessID(*id),
		MembershipPath:     *membersPath,
		KeyPath:            *keyPath,
		RetransmitInterval: *retransmit,
		Genesis:            *genesis,
	})
	if err != nil {
		return err
	}

	err = nd.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := nd.Stop(ctx); err != nil {
			slog.Error("stopping", "err", err)
		}
	}()

	if nd.IsLeader() {
		fmt.Println("Leader is accepting values, one per line")
		go submitLines(ctx, nd)
		if *randomEvery > 0 {
			go RandomValues(ctx, nd, *randomEvery)
		}
	}

	<-ctx.Done()
	return nil
}

// submitLines submits every line of the standard input.
func submitLines(ctx context.Context, nd *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		err := nd.Submit(ctx, line)
		switch {
		case errors.Is(err, pool.ErrDuplicate):
			fmt.Printf("%q is already pending\n", line)
		case err != nil:
			slog.ErrorContext(ctx, "submitting value", "err", err)
			return
		}
	}
}
