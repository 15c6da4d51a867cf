package main

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OdyseeTeam/streamproxy/api"
	"github.com/OdyseeTeam/streamproxy/internal/config"
	"github.com/OdyseeTeam/streamproxy/manager"
	"github.com/OdyseeTeam/streamproxy/pkg/logging"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

var CLI struct {
	Serve struct {
		CacheDir string `optional name:"cache_dir" help:"Path to store cached video." type:"existingdir" default:"."`
		Port     int    `optional name:"port" help:"Preferred proxy port." default:"8080"`
		DiagBind string `optional name:"diag_bind" help:"Diagnostics address, empty to disable." default:":2112"`
		Insecure bool   `optional name:"insecure" help:"Skip origin TLS verification. Local testing only."`
		Debug    bool   `optional name:"debug" help:"Debug mode."`
	} `cmd help:"Start the caching proxy."`
}

func main() {
	rand.Seed(time.Now().UTC().UnixNano())

	ctx := kong.Parse(&CLI)
	switch ctx.Command() {
	case "serve":
		if CLI.Serve.Debug {
			// package loggers share the level of the Prod config
			logging.Prod.Level.SetLevel(zap.DebugLevel)
		}
		cfg, err := config.Read()
		if err != nil {
			panic(err)
		}
		if CLI.Serve.CacheDir != "." {
			cfg.CacheDir = CLI.Serve.CacheDir
		}
		if cfg.CacheDir == "" {
			cfg.CacheDir = CLI.Serve.CacheDir
		}
		cfg.Proxy.Port = CLI.Serve.Port
		cfg.Proxy.InsecureSkipVerify = cfg.Proxy.InsecureSkipVerify || CLI.Serve.Insecure
		if CLI.Serve.DiagBind != "" {
			cfg.DiagBind = CLI.Serve.DiagBind
		}

		m, err := manager.New(cfg)
		if err != nil {
			panic(err)
		}

		var diag *api.Server
		if cfg.DiagBind != "" {
			diag = api.NewServer(cfg.DiagBind, m)
			go func() {
				if err := diag.Start(); err != nil {
					panic(err)
				}
			}()
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		if diag != nil {
			diag.Shutdown()
		}
		m.Release()
	default:
		panic(ctx.Command())
	}
}
