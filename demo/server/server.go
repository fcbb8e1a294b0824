package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
	"shpreactor"
	"shpreactor/internal/logging"
)

// config mirrors the command-line flags, a config file overrides the defaults and flags
// given explicitly override the file.
type config struct {
	Port           int    `yaml:"port"`
	Multicore      bool   `yaml:"multicore"`
	Loops          int    `yaml:"loops"`
	ReactorPool    bool   `yaml:"reactor_pool"`
	Workers        int    `yaml:"workers"`
	Greeting       string `yaml:"greeting"`
	Prompt         string `yaml:"prompt"`
	MaxRequestSize int    `yaml:"max_request_size"`
	Upper          bool   `yaml:"upper"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{
		Port:     8848,
		Greeting: shpreactor.DefaultGreeting,
		Prompt:   shpreactor.DefaultPrompt,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

type echoServer struct {
	shpreactor.EventServer
	upper  bool
	logger logging.Logger
	addr   chan string
}

func (es *echoServer) OnInitComplete(srv shpreactor.Server) shpreactor.Action {
	es.logger.Infof("echo server listening on %s (reactor pool: %t, sub-reactors: %d, workers: %d)",
		srv.Addr, srv.ReactorPool, srv.NumEventLoop, srv.WorkerPoolSize)
	es.addr <- srv.Addr.String()
	return shpreactor.None
}

func (es *echoServer) OnOpened(c shpreactor.Conn) {
	es.logger.Infof("connection from %s on reactor %d", c.RemoteAddr(), c.ReactorIndex())
}

func (es *echoServer) OnClosed(c shpreactor.Conn, err error) {
	if err != nil {
		es.logger.Infof("connection from %s closed: %v", c.RemoteAddr(), err)
		return
	}
	es.logger.Infof("connection from %s said goodbye", c.RemoteAddr())
}

func (es *echoServer) OnRequest(request []byte) []byte {
	if es.upper {
		return bytes.ToUpper(request)
	}
	return request
}

func main() {
	var (
		configFile     string
		port           int
		multicore      bool
		loops          int
		pool           bool
		workers        int
		maxRequestSize int
		upper          bool
	)
	flag.StringVar(&configFile, "config", "", "YAML config file")
	flag.IntVar(&port, "port", 8848, "server port")
	flag.BoolVar(&multicore, "multicore", false, "one sub-reactor per CPU")
	flag.IntVar(&loops, "loops", 0, "number of sub-reactors, overrides -multicore")
	flag.BoolVar(&pool, "pool", false, "dedicated main reactor even with a single sub-reactor")
	flag.IntVar(&workers, "workers", 0, "offload processing to a pool of this size")
	flag.IntVar(&maxRequestSize, "max-request", 0, "close connections sending longer requests, 0 for no limit")
	flag.BoolVar(&upper, "upper", false, "echo requests in upper case")
	flag.Parse()

	logger := logging.Named("demo")
	defer logging.Cleanup()

	cfg, err := loadConfig(configFile)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = port
		case "multicore":
			cfg.Multicore = multicore
		case "loops":
			cfg.Loops = loops
		case "pool":
			cfg.ReactorPool = pool
		case "workers":
			cfg.Workers = workers
		case "max-request":
			cfg.MaxRequestSize = maxRequestSize
		case "upper":
			cfg.Upper = upper
		}
	})

	handler := &echoServer{upper: cfg.Upper, logger: logger, addr: make(chan string, 1)}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		addr := <-handler.addr
		sig := <-stop
		logger.Infof("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shpreactor.Stop(ctx, addr); err != nil {
			logger.Errorf("stop: %v", err)
		}
	}()

	err = shpreactor.Serve(handler, cfg.Port,
		shpreactor.WithMulticore(cfg.Multicore),
		shpreactor.WithNumEventLoop(cfg.Loops),
		shpreactor.WithReactorPool(cfg.ReactorPool),
		shpreactor.WithWorkerPool(cfg.Workers),
		shpreactor.WithGreeting(cfg.Greeting),
		shpreactor.WithPrompt(cfg.Prompt),
		shpreactor.WithMaxRequestSize(cfg.MaxRequestSize),
		shpreactor.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}
