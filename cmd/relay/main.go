// relay is the storage-and-payments relay daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/scobru/shogun-relay-sub014/relay"
)

const (
	exitOK     = 0
	exitFatal  = 1 // init failures: missing key, unreachable RPC
	exitConfig = 2 // unreadable or malformed configuration
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		Aliases: []string{"c"},
	}
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "relay identity used in reputation records",
	}
	listenFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP listen address",
	}
	relayKeyFlag = &cli.StringFlag{
		Name:    "relaykey",
		Usage:   "hex private key for record signing and transactions",
		EnvVars: []string{"RELAY_KEY"},
	}
	adminTokenFlag = &cli.StringFlag{
		Name:    "admintoken",
		Usage:   "admin token for the protected HTTP surface",
		EnvVars: []string{"RELAY_ADMIN_TOKEN"},
	}
	rpcURLFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "L1 RPC endpoint",
		EnvVars: []string{"RELAY_RPC_URL"},
	}
	bridgeFlag = &cli.StringFlag{
		Name:  "contracts.bridge",
		Usage: "bridge contract address",
	}
	registryFlag = &cli.StringFlag{
		Name:  "contracts.registry",
		Usage: "deal registry contract address",
	}
	usdcFlag = &cli.StringFlag{
		Name:  "contracts.usdc",
		Usage: "USDC token contract address",
	}
	ipfsAPIFlag = &cli.StringFlag{
		Name:  "ipfs.api",
		Usage: "IPFS node API address",
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "root directory for shareable files",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "relay",
		Usage: "decentralized storage and payments relay",
		Flags: []cli.Flag{
			configFlag, hostFlag, listenFlag, relayKeyFlag, adminTokenFlag,
			rpcURLFlag, bridgeFlag, registryFlag, usdcFlag, ipfsAPIFlag,
			datadirFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		code := exitFatal
		var ce configError
		if errors.As(err, &ce) {
			code = exitConfig
		}
		os.Exit(code)
	}
	os.Exit(exitOK)
}

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// loadConfig starts from the defaults, layers the TOML file, then the
// command-line flags.
func loadConfig(c *cli.Context) (relay.Config, error) {
	cfg := relay.DefaultConfig
	if path := c.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, configError{fmt.Errorf("open config: %w", err)}
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, configError{fmt.Errorf("decode %s: %w", path, err)}
		}
	}
	if c.IsSet(hostFlag.Name) {
		cfg.Host = c.String(hostFlag.Name)
	}
	if c.IsSet(listenFlag.Name) {
		cfg.ListenAddr = c.String(listenFlag.Name)
	}
	if c.IsSet(relayKeyFlag.Name) {
		cfg.RelayKey = c.String(relayKeyFlag.Name)
	}
	if c.IsSet(adminTokenFlag.Name) {
		cfg.AdminToken = c.String(adminTokenFlag.Name)
	}
	if c.IsSet(rpcURLFlag.Name) {
		cfg.RPCURL = c.String(rpcURLFlag.Name)
	}
	if c.IsSet(bridgeFlag.Name) {
		cfg.BridgeContract = c.String(bridgeFlag.Name)
	}
	if c.IsSet(registryFlag.Name) {
		cfg.DealRegistry = c.String(registryFlag.Name)
	}
	if c.IsSet(usdcFlag.Name) {
		cfg.USDCToken = c.String(usdcFlag.Name)
	}
	if c.IsSet(ipfsAPIFlag.Name) {
		cfg.IPFSAPI = c.String(ipfsAPIFlag.Name)
	}
	if c.IsSet(datadirFlag.Name) {
		cfg.DataDir = c.String(datadirFlag.Name)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	handler := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, false))
	handler.Verbosity(log.FromLegacyLevel(c.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(handler))

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := relay.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return r.Stop(shutdownCtx)
}
