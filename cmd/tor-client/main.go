// Command tor-client demonstrates the core client's end-to-end flow: it
// fetches a consensus from the directory authorities' DirPorts (spec.md
// section 4.6) and optionally authenticates to a local control port,
// reports the "version" GETINFO value, and subscribes to BW events, which
// it logs at debug level (spec.md section 4.4). It opens no ORPort
// connection or circuit itself. It is a demonstration wrapper, not the library
// itself — every behavior it exercises lives in pkg/relay, pkg/control,
// pkg/remote, pkg/descriptor, and pkg/onion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/torproject-go/gotor-core/pkg/control"
	"github.com/torproject-go/gotor-core/pkg/logger"
	"github.com/torproject-go/gotor-core/pkg/onion"
	"github.com/torproject-go/gotor-core/pkg/remote"
)

func main() {
	var (
		controlAddr = flag.String("control", "", "tor control port address (e.g. 127.0.0.1:9051); skipped if empty")
		onionAddr   = flag.String("onion", "", "validate a v3 .onion address and exit")
		cacheFile   = flag.String("cache", "", "key-per-line endpoint cache file (spec.md section 6); written after a successful fetch")
		logLevel    = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	level, _ := logger.ParseLevel(*logLevel)
	log := logger.New(level, os.Stdout)

	if *onionAddr != "" {
		addr, err := onion.ParseAddress(*onionAddr)
		if err != nil {
			log.Error("invalid onion address", "address", *onionAddr, "error", err)
			os.Exit(1)
		}
		fmt.Printf("%s -> %x\n", addr.String(), addr.Pubkey)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if *controlAddr != "" {
		if err := runControlDemo(ctx, *controlAddr, log); err != nil {
			log.Error("control demo failed", "error", err)
		}
	}

	if err := runDirectoryDemo(ctx, *cacheFile, log); err != nil {
		log.Error("directory demo failed", "error", err)
		os.Exit(1)
	}
}

func runControlDemo(ctx context.Context, addr string, log *logger.Logger) error {
	c, err := control.Dial(ctx, "tcp", addr, log)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer c.Close()

	if err := c.Authenticate(ctx, control.AuthenticateOptions{}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	info, err := c.GetInfo(ctx, "version")
	if err != nil {
		return fmt.Errorf("getinfo version: %w", err)
	}
	log.Info("connected to tor", "version", info["version"])

	_, err = c.AddEventListener(ctx, []control.EventType{control.EventBW}, func(ev control.Event) {
		if bw, ok := ev.(*control.BandwidthEvent); ok {
			log.Debug("bandwidth", "read", bw.BytesRead, "written", bw.BytesWritten)
		}
	})
	return err
}

func runDirectoryDemo(ctx context.Context, cacheFile string, log *logger.Logger) error {
	endpoints := remote.DefaultAuthorityEndpoints()
	if cacheFile != "" {
		if cached, blacklist, err := remote.LoadEndpointCache(cacheFile); err == nil && len(cached) > 0 {
			endpoints = append(cached, remote.AuthorityEndpoints(blacklist)...)
		}
	}

	downloader := remote.NewDownloader(endpoints, log)
	consensus, err := downloader.GetConsensus(ctx, "", true)
	if err != nil {
		return fmt.Errorf("fetch consensus: %w", err)
	}
	log.Info("fetched consensus", "routers", len(consensus.Routers), "valid-until", consensus.ValidUntil)

	if cacheFile != "" {
		if err := remote.SaveEndpointCache(cacheFile, nil, nil); err != nil {
			log.Warn("save endpoint cache", "error", err)
		}
	}
	return nil
}
