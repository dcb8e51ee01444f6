// Package config parses and validates the proxy's CLI surface (§6):
// the two flags that gate operation (`--port`, `--authority`) plus
// this module's ambient additions for logging, metrics, the identity
// registry's key directory and the pluggable record store.
package config

import (
	"flag"
	"fmt"
	"os"
)

// Error aborts cmd/znsd before the reactor starts, exit code 1 per
// spec.md §6's "Exit codes" ("1: fatal error before the reactor
// starts").
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// StoreKind selects a store.Backend implementation.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreMySQL  StoreKind = "mysql"
)

// Config is the fully parsed and validated set of settings cmd/znsd
// wires the rest of the module together from.
type Config struct {
	// Port is the SOCKS5 listen port (§6: "default 7777").
	Port uint16
	// AuthorityPath names the PEM file holding the root CA cert and
	// key C6 mints leaf certificates from.
	AuthorityPath string

	LogLevel string

	// MetricsAddr, if non-empty, is the listen address for the
	// Prometheus /metrics endpoint (§9).
	MetricsAddr string

	// ZoneDir is the identity registry's key directory (§6's
	// "Persisted state").
	ZoneDir string

	Store    StoreKind
	StoreDSN string

	// Ego names the local zone the human-readable managed suffix
	// aliases. Decided here (an Open Question in §4.7/glossary,
	// recorded in DESIGN.md) rather than assumed: the operator's own
	// ego, by name, anchors the human-readable suffix; the key-based
	// suffix needs no such anchor.
	Ego string
	// Suffix is the human-readable managed suffix (no leading dot),
	// e.g. "zns" for "example.zns".
	Suffix string
	// KeySuffix is the key-based managed suffix (no leading dot), e.g.
	// "zkey" for "<base32-pubkey>.zkey".
	KeySuffix string

	// BootstrapPeers are libp2p multiaddrs the DHT collaborator joins
	// through at startup (repeatable, matching the teacher's own
	// `--bootnode` flag).
	BootstrapPeers []string
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Parse parses args (typically os.Args[1:]) into a validated Config,
// or a *Error describing why it cannot.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("znsd", flag.ContinueOnError)

	var cfg Config
	var port uint
	var boots stringList

	fs.UintVar(&port, "port", 7777, "SOCKS5 listen port")
	fs.StringVar(&cfg.AuthorityPath, "authority", "", "PEM file containing the root CA cert and private key")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "listen address for the Prometheus /metrics endpoint (empty disables it)")
	fs.StringVar(&cfg.ZoneDir, "zone-dir", "./zones", "directory holding per-ego zone key files")
	fs.StringVar((*string)(&cfg.Store), "store", string(StoreMemory), "record store backend (memory|file|mysql)")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "store backend data source (file: base directory; mysql: DSN)")
	fs.StringVar(&cfg.Ego, "ego", "master", "ego whose zone anchors the human-readable managed suffix")
	fs.StringVar(&cfg.Suffix, "suffix", "zns", "human-readable managed suffix")
	fs.StringVar(&cfg.KeySuffix, "key-suffix", "zkey", "key-based managed suffix")
	fs.Var(&boots, "bootnode", "libp2p multiaddr of a DHT bootstrap peer (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, &Error{Op: "parse flags", Err: err}
	}

	cfg.Port = uint16(port)
	cfg.BootstrapPeers = []string(boots)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port == 0 {
		return &Error{Op: "validate", Err: fmt.Errorf("--port must be nonzero")}
	}
	if c.AuthorityPath == "" {
		return &Error{Op: "validate", Err: fmt.Errorf("--authority is required")}
	}
	if _, err := os.Stat(c.AuthorityPath); err != nil {
		return &Error{Op: "validate", Err: fmt.Errorf("--authority %q: %w", c.AuthorityPath, err)}
	}
	switch StoreKind(c.Store) {
	case StoreMemory:
	case StoreFile:
		if c.StoreDSN == "" {
			return &Error{Op: "validate", Err: fmt.Errorf("--store=file requires --store-dsn (base directory)")}
		}
	case StoreMySQL:
		if c.StoreDSN == "" {
			return &Error{Op: "validate", Err: fmt.Errorf("--store=mysql requires --store-dsn")}
		}
	default:
		return &Error{Op: "validate", Err: fmt.Errorf("unknown --store %q (want memory|file|mysql)", c.Store)}
	}
	if c.Suffix == "" && c.KeySuffix == "" {
		return &Error{Op: "validate", Err: fmt.Errorf("at least one of --suffix/--key-suffix must be set")}
	}
	return nil
}
