package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/orlv/tiny-proxy-chain/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fileConfig mirrors the flag surface; flags explicitly set on the command
// line win over the file.
type fileConfig struct {
	Listen    string `yaml:"listen"`
	Proxy     string `yaml:"proxy"`
	ProxyUser string `yaml:"proxy_user"`
	ProxyPass string `yaml:"proxy_pass"`
	Debug     int    `yaml:"debug"`

	// Durations are flag-syntax strings, e.g. "30s".
	ConnectionTimeout  string `yaml:"connection_timeout"`
	DialTimeout        string `yaml:"dial_timeout"`
	NegotiationTimeout string `yaml:"negotiation_timeout"`

	TCPKeepAlive string `yaml:"tcp_keepalive"`
	Key          string `yaml:"key"`
	Cert         string `yaml:"cert"`
	CA           string `yaml:"ca"`
	DebugListen  string `yaml:"debug_listen"`
}

func run() error {
	var (
		configPath = pflag.String("config", "", "Path to YAML config file. Flags set on the command line take precedence.")

		listen    = pflag.String("listen", "", "Proxy listen address (e.g. 127.0.0.1:8080). Required.")
		proxyURL  = pflag.String("proxy", defaultProxy(), "Default upstream proxy URL: http://host:port | socks4://host:port | socks5://host:port. Empty rejects unrouted requests.")
		proxyUser = pflag.String("proxy-user", "", "Username for the default upstream proxy")
		proxyPass = pflag.String("proxy-pass", "", "Password for the default upstream proxy")

		debug              = pflag.Int("debug", 0, "Log verbosity; 0 is silent, >0 also enables the connection registry")
		connectionTimeout  = pflag.Duration("connection-timeout", 0, "End tunnels whose client is idle for this long; 0 disables")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		keyPath  = pflag.String("key", "", "Path to TLS key PEM; with --cert and --ca the listener terminates TLS")
		certPath = pflag.String("cert", "", "Path to TLS certificate PEM")
		caPath   = pflag.String("ca", "", "Path to TLS CA bundle PEM")

		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *configPath != "" {
		if err := applyFileConfig(*configPath); err != nil {
			return fmt.Errorf("invalid --config: %w", err)
		}
	}

	if *listen == "" {
		return errors.New("--listen is required")
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	opts := proxy.Options{
		ListenAddr:         *listen,
		ProxyURL:           *proxyURL,
		ProxyUsername:      *proxyUser,
		ProxyPassword:      *proxyPass,
		Debug:              *debug,
		ConnectionTimeout:  *connectionTimeout,
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}

	if *keyPath != "" || *certPath != "" || *caPath != "" {
		if *keyPath == "" || *certPath == "" || *caPath == "" {
			return errors.New("--key, --cert and --ca must be set together")
		}
		if opts.Key, err = os.ReadFile(*keyPath); err != nil {
			return fmt.Errorf("read --key: %w", err)
		}
		if opts.Cert, err = os.ReadFile(*certPath); err != nil {
			return fmt.Errorf("read --cert: %w", err)
		}
		if opts.CA, err = os.ReadFile(*caPath); err != nil {
			return fmt.Errorf("read --ca: %w", err)
		}
	}

	srv, err := proxy.NewServer(opts)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

// applyFileConfig loads path and writes its values into any flag the user
// did not set explicitly.
func applyFileConfig(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}

	set := func(name, value string) error {
		if value == "" || pflag.CommandLine.Changed(name) {
			return nil
		}
		return pflag.CommandLine.Set(name, value)
	}

	for name, value := range map[string]string{
		"listen":              fc.Listen,
		"proxy":               fc.Proxy,
		"proxy-user":          fc.ProxyUser,
		"proxy-pass":          fc.ProxyPass,
		"tcp-keepalive":       fc.TCPKeepAlive,
		"key":                 fc.Key,
		"cert":                fc.Cert,
		"ca":                  fc.CA,
		"debug-listen":        fc.DebugListen,
		"connection-timeout":  fc.ConnectionTimeout,
		"dial-timeout":        fc.DialTimeout,
		"negotiation-timeout": fc.NegotiationTimeout,
	} {
		if err := set(name, value); err != nil {
			return err
		}
	}

	if fc.Debug != 0 && !pflag.CommandLine.Changed("debug") {
		return pflag.CommandLine.Set("debug", strconv.Itoa(fc.Debug))
	}
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultProxy() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return ""
}
