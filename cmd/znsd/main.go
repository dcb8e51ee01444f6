// Command znsd is the proxy's process entry point: parse the CLI
// surface (§6), open the configured record store and identity
// registry, bring up the DHT collaborator, and run the SOCKS5
// front-end until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/zns-net/zns/internal/bridge"
	"github.com/zns-net/zns/internal/ca"
	"github.com/zns-net/zns/internal/config"
	"github.com/zns-net/zns/internal/dht"
	"github.com/zns-net/zns/internal/httpsrv"
	"github.com/zns-net/zns/internal/identity"
	"github.com/zns-net/zns/internal/metrics"
	"github.com/zns-net/zns/internal/reactor"
	"github.com/zns-net/zns/internal/socks5"
	"github.com/zns-net/zns/internal/store"
	"github.com/zns-net/zns/internal/store/file"
	"github.com/zns-net/zns/internal/store/memory"
	"github.com/zns-net/zns/internal/store/mysql"
	"github.com/zns-net/zns/internal/upstream"
)

var log = logging.Logger("znsd")

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code (§6: 0 normal shutdown, 1 fatal
// error before the reactor starts).
func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: %v\n", cfg.LogLevel, err)
		return 1
	}

	authorityPEM, err := os.ReadFile(cfg.AuthorityPath)
	if err != nil {
		log.Errorf("read authority file: %v", err)
		return 1
	}
	authority, err := ca.Load(authorityPEM)
	if err != nil {
		log.Errorf("load authority: %v", err)
		return 1
	}

	backend, err := openStore(cfg)
	if err != nil {
		log.Errorf("open store: %v", err)
		return 1
	}
	defer backend.Close()

	registry, err := identity.Open(cfg.ZoneDir)
	if err != nil {
		log.Errorf("open identity registry: %v", err)
		return 1
	}

	rootSK, rootPub, ok := registry.Zone(cfg.Ego)
	if !ok {
		rootPub, err = registry.Create(cfg.Ego)
		if err != nil {
			log.Errorf("create ego %q: %v", cfg.Ego, err)
			return 1
		}
		rootSK, rootPub, _ = registry.Zone(cfg.Ego)
	}
	_ = rootSK

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collaborator, err := dht.NewAdapter(ctx, cfg.BootstrapPeers)
	if err != nil {
		log.Errorf("start DHT collaborator: %v", err)
		return 1
	}
	defer collaborator.Close()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			metricsServer.Close()
		}()
	}

	r := reactor.New(ctx)

	suffixes := socks5.ManagedSuffixes{
		HumanReadable: cfg.Suffix,
		Root:          rootPub,
		KeySuffix:     cfg.KeySuffix,
	}
	var resolver socks5.Resolver = socks5.DualResolver{
		Naming: socks5.NamingResolver{
			Suffixes:     suffixes,
			Backend:      instrumentedStore{Backend: backend, metrics: m},
			Collaborator: collaborator,
		},
		DNS: socks5.DNSResolver{},
	}
	resolver = instrumentedResolver{inner: resolver, metrics: m}

	handler := bridge.Handler{Upstream: upstream.Client{}, Reactor: r, Metrics: m}
	pool, err := httpsrv.NewPool(authority, handler, r)
	if err != nil {
		log.Errorf("start HTTPS listener pool: %v", err)
		return 1
	}

	socksServer := &socks5.Server{
		Reactor:  r,
		Resolver: resolver,
		Handoff:  pool,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Errorf("listen on port %d: %v", cfg.Port, err)
		return 1
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutdown signal received")
		cancel()
		r.Shutdown()
	}()

	log.Infof("znsd listening on :%d (ego %q, suffix %q, key-suffix %q)", cfg.Port, cfg.Ego, cfg.Suffix, cfg.KeySuffix)
	if err := socksServer.Serve(ctx, ln); err != nil {
		log.Errorf("SOCKS5 server: %v", err)
		return 1
	}
	return 0
}

func openStore(cfg config.Config) (store.Backend, error) {
	switch cfg.Store {
	case config.StoreFile:
		return file.New(cfg.StoreDSN)
	case config.StoreMySQL:
		return mysql.Open(cfg.StoreDSN)
	default:
		return memory.New(0)
	}
}
