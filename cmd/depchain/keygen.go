package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iykyk-syn/depchain/membership"
)

func keygen(args []string) error {
	flags := flag.NewFlagSet("keygen", flag.ContinueOnError)
	size := flags.Int("n", envInt("DEPCHAIN_SIZE", 4), "Number of processes")
	dir := flags.String("dir", envString("DEPCHAIN_DIR", "./cluster"), "Directory to write membership and keys to")
	host := flags.String("host", envString("DEPCHAIN_HOST", "127.0.0.1"), "Host of every process")
	basePort := flags.Int("base-port", envInt("DEPCHAIN_BASE_PORT", 7000), "Process i listens on base-port + i")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *size < 1 {
		return fmt.Errorf("at least one process is required")
	}

	members, keys, err := membership.Generate(*size, *host, *basePort)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*dir, 0o700); err != nil {
		return err
	}
	data, err := members.Marshal()
	if err != nil {
		return err
	}
	membersPath := filepath.Join(*dir, "membership.json")
	if err := os.WriteFile(membersPath, data, 0o644); err != nil {
		return err
	}

	for id, key := range keys {
		if err := membership.WritePrivateKey(filepath.Join(*dir, id.String()+".key"), key); err != nil {
			return err
		}
	}

	fmt.Printf("Wrote membership of %d processes tolerating %d faults to %s\n", members.Len(), members.F(), membersPath)
	return nil
}
