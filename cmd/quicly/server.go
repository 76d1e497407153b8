package main

import (
	"flag"
	"io"
	"net/http"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bhesmans/quicly"
	"github.com/bhesmans/quicly/transport"
)

// serverConfig is the TOML file layout for the server command.
type serverConfig struct {
	Listen      string
	MetricsAddr string
	Verbose     bool
	Transport   struct {
		MaxStreamData uint32
		MaxDataKB     uint32
		MaxStreamID   uint32
		IdleTimeout   uint16
		RTOMillis     int
	}
}

func loadServerConfig(path string) (*serverConfig, error) {
	cfg := &serverConfig{Listen: "0.0.0.0:4433"}
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := cmd.String("config", "", "TOML configuration file")
	listenAddr := cmd.String("listen", "", "listen on the given IP:port (overrides config)")
	cmd.Parse(args)

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	config := quicly.NewConfig()
	if t := cfg.Transport; t.MaxStreamData > 0 {
		config.Transport.Params.InitialMaxStreamData = t.MaxStreamData
	}
	if t := cfg.Transport; t.MaxDataKB > 0 {
		config.Transport.Params.InitialMaxData = t.MaxDataKB
	}
	if t := cfg.Transport; t.MaxStreamID > 0 {
		config.Transport.Params.InitialMaxStreamID = t.MaxStreamID
	}
	if t := cfg.Transport; t.IdleTimeout > 0 {
		config.Transport.Params.IdleTimeout = t.IdleTimeout
	}
	if t := cfg.Transport; t.RTOMillis > 0 {
		config.Transport.InitialRTO = time.Duration(t.RTOMillis) * time.Millisecond
	}

	server := quicly.NewServer(config)
	server.SetHandler(&echoHandler{})
	if cfg.Verbose {
		server.SetLogLevel(logrus.DebugLevel)
	}
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := quicly.RegisterMetrics(registry); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go http.ListenAndServe(cfg.MetricsAddr, mux)
	}
	logrus.WithField("addr", cfg.Listen).Info("serving")
	return server.ListenAndServe(cfg.Listen)
}

// echoHandler writes every received byte back on the same stream.
type echoHandler struct{}

func (s *echoHandler) Serve(c *quicly.Conn, st *transport.Stream) {
	st.OnUpdate(func(st *transport.Stream) {
		buf := make([]byte, 4096)
		for {
			n, err := st.Read(buf)
			if n > 0 {
				st.Write(buf[:n])
			}
			if err == io.EOF {
				st.Shutdown()
				st.Close()
				return
			}
			if n == 0 {
				return
			}
		}
	})
}
