package peers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	jsonPeerPath = "peers.json"
)

// JSONPeers reads a list of bootstrap addresses from a peers.json file in the
// data directory. This allows human operators to seed a node without
// command-line flags. The file is a JSON array of "ip:port" or
// "tls://ip:port" strings.
type JSONPeers struct {
	l      sync.Mutex
	path   string
	logger *logrus.Entry
}

// NewJSONPeers creates a new JSONPeers reader.
func NewJSONPeers(base string, logger *logrus.Entry) *JSONPeers {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	path := filepath.Join(base, jsonPeerPath)
	store := &JSONPeers{
		path:   path,
		logger: logger,
	}
	return store
}

// Path returns the location of the peers file.
func (j *JSONPeers) Path() string {
	return j.path
}

// Peers returns the addresses listed in the file. A missing file yields an
// empty list. Entries that do not parse are skipped.
func (j *JSONPeers) Peers() ([]PeerAddress, error) {
	j.l.Lock()
	defer j.l.Unlock()

	// Read the file
	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []PeerAddress{}, nil
		}
		return nil, err
	}

	// Check for no peers
	if len(bytes.TrimSpace(buf)) == 0 {
		return []PeerAddress{}, nil
	}

	// Decode the peers
	var raw []string
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", j.path, err)
	}

	addrs := make([]PeerAddress, 0, len(raw))
	for _, r := range raw {
		addr, err := ParsePeerAddress(r)
		if err != nil {
			j.logger.WithError(err).WithField("file", j.path).Warn("Skipping peer address")
			continue
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// SetPeers writes addrs to the file, replacing its content.
func (j *JSONPeers) SetPeers(addrs []PeerAddress) error {
	j.l.Lock()
	defer j.l.Unlock()

	raw := make([]string, 0, len(addrs))
	for _, a := range addrs {
		raw = append(raw, a.String())
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(raw); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0644)
}
