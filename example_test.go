package ddnsync_test

import (
	"context"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Travis-Britz/ddnsync"
)

func ExampleNew() {
	cfg, _, err := ddnsync.LoadConfig("config.json")
	if err != nil {
		log.Fatalf("error loading config: %s", err)
	}
	r, err := ddnsync.New(cfg,
		ddnsync.WithLogger(logrus.NewEntry(logrus.StandardLogger())),
		ddnsync.UsingHTTPClient(http.DefaultClient),
	)
	if err != nil {
		log.Fatalf("error creating reconciler: %s", err)
	}
	// run once:
	if _, err := r.RunOnce(context.Background(), false); err != nil {
		log.Fatalf("ddns update failed: %s", err)
	}
}

func ExampleWebResolver() {
	// I'm not vouching for these services, but they do return the IP of the client connection.
	// If possible, run your own and provide the URL here instead.
	resolver := ddnsync.WebResolver(
		"https://checkip.amazonaws.com/",
		"https://icanhazip.com/", // operated by Cloudflare since ~2021
		"https://ipinfo.io/ip",
	)
	cfg, _, err := ddnsync.LoadConfig("config.json")
	if err != nil {
		log.Fatalf("error loading config: %s", err)
	}
	r, err := ddnsync.New(cfg, ddnsync.UsingResolver(resolver))
	if err != nil {
		log.Fatalf("error creating reconciler: %s", err)
	}
	if _, err := r.RunOnce(context.Background(), false); err != nil {
		log.Fatalf("ddns update failed: %s", err)
	}
}

func ExampleInterfaceResolver() {
	cfg, _, err := ddnsync.LoadConfig("config.json")
	if err != nil {
		log.Fatalf("error loading config: %s", err)
	}
	r, err := ddnsync.New(cfg, ddnsync.UsingResolver(ddnsync.InterfaceResolver("eth0", "wlan0")))
	if err != nil {
		log.Fatalf("error creating reconciler: %s", err)
	}
	// rewrite every record even if it already holds the address:
	if _, err := r.RunOnce(context.Background(), true); err != nil {
		log.Fatalf("ddns update failed: %s", err)
	}
}

func ExampleResolverFunc() {
	fn := func(ctx context.Context) (netip.Addr, error) {
		select {
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		case <-time.After(100 * time.Millisecond): // simulating some lookup method
			return netip.ParseAddr("203.0.113.10")
		}
	}
	cfg, _, err := ddnsync.LoadConfig("config.json")
	if err != nil {
		log.Fatalf("error loading config: %s", err)
	}
	r, err := ddnsync.New(cfg, ddnsync.UsingResolver(ddnsync.ResolverFunc(fn)))
	if err != nil {
		log.Fatalf("error creating reconciler: %s", err)
	}
	if _, err := r.RunOnce(context.Background(), false); err != nil {
		log.Fatalf("ddns update failed: %s", err)
	}
}

func ExampleReconciler_Run() {
	cfg, seed, err := ddnsync.LoadConfig("config.json")
	if err != nil {
		log.Fatalf("error loading config: %s", err)
	}
	r, err := ddnsync.New(cfg,
		ddnsync.WithMetrics(ddnsync.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		log.Fatalf("error creating reconciler: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// pick up edits to config.json while running:
	go ddnsync.NewWatcher("config.json", r, seed).Run(ctx)

	// check every check_interval seconds until interrupted:
	if err := r.Run(ctx); err != nil {
		log.Fatalf("daemon stopped: %s", err)
	}
}
