package membership

import (
	"github.com/iykyk-syn/depchain"
	"github.com/iykyk-syn/depchain/crypto"
)

// Generate makes a Membership of n processes with fresh keys listening on consecutive ports
// of the given host, starting from basePort + 1. Process IDs start from 1 and the first
// process is the leader.
func Generate(n int, host string, basePort int) (*Membership, map[depchain.ProcessID]crypto.PrivKey, error) {
	ports := make([]int, n)
	for i := range ports {
		ports[i] = basePort + i + 1
	}
	return GenerateWithPorts(host, ports)
}

// GenerateWithPorts is like Generate, but takes ports of every process explicitly.
func GenerateWithPorts(host string, ports []int) (*Membership, map[depchain.ProcessID]crypto.PrivKey, error) {
	processes := make([]Process, 0, len(ports))
	keys := make(map[depchain.ProcessID]crypto.PrivKey, len(ports))
	for i, port := range ports {
		key, err := GenerateKey()
		if err != nil {
			return nil, nil, err
		}

		id := depchain.ProcessID(i + 1)
		keys[id] = key
		processes = append(processes, Process{
			ID:        id,
			Host:      host,
			Port:      port,
			PublicKey: key.PubKey(),
			Leader:    i == 0,
		})
	}

	m, err := New(processes)
	if err != nil {
		return nil, nil, err
	}
	return m, keys, nil
}
