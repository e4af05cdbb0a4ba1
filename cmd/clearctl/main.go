// Package main implements clearctl, a small demo client that connects to a
// clearing authority, authenticates with a throwaway wallet key and dumps the
// discovered assets, balances and channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClearMesh/clearing_client/internal/client"
	"github.com/ClearMesh/clearing_client/internal/config"
	"github.com/ClearMesh/clearing_client/internal/metrics"
	"github.com/ClearMesh/clearing_client/internal/signer"
	"github.com/ClearMesh/clearing_client/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	endpoint := flag.String("endpoint", "", "Clearing authority WebSocket URL (overrides config)")
	walletKey := flag.String("wallet-key", "", "Hex private key for the demo wallet (generated when empty)")
	metricsAddr := flag.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	wallet, err := demoWallet(*walletKey)
	if err != nil {
		log.Errorf("wallet setup: %v", err)
		os.Exit(1)
	}
	log.WithField("address", wallet.Address()).Info("demo wallet ready")

	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, metrics.Handler()); err != nil {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	c := client.New(cfg, wallet)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}

	dump(c, log)

	// Stay connected so pushed updates keep the cache warm.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}

// demoWallet builds a wallet signer backed by an in-process key. A real
// integration would hand challenges to an external custodian instead.
func demoWallet(keyHex string) (*signer.WalletSigner, error) {
	var key *signer.SessionSigner
	var err error
	if keyHex != "" {
		key, err = signer.SessionSignerFromHex(keyHex)
	} else {
		key, err = signer.NewSessionSigner()
	}
	if err != nil {
		return nil, err
	}
	return signer.NewWalletSigner(key.Address(), signer.LocalChallengeSigner(key)), nil
}

func dump(c *client.Client, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg := c.Registry()

	if assets, err := reg.GetSupportedAssets(ctx); err != nil {
		log.Warnf("get assets: %v", err)
	} else {
		for _, a := range assets {
			fmt.Printf("asset  %-8s chain=%d token=%s decimals=%d\n", a.Symbol, a.ChainID, a.Token, a.Decimals)
		}
	}

	if balances, err := reg.GetBalances(ctx); err != nil {
		log.Warnf("get balances: %v", err)
	} else {
		for _, b := range balances {
			fmt.Printf("balance %-8s available=%s locked=%s total=%s\n", b.Asset, b.Available, b.Locked, b.Total)
		}
	}

	if channels, err := reg.GetChannels(ctx); err != nil {
		log.Warnf("get channels: %v", err)
	} else {
		for _, ch := range channels {
			fmt.Printf("channel %s status=%s amount=%s\n", ch.ID, ch.Status, ch.Amount)
		}
	}
}
