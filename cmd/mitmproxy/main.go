package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	coreproxy "github.com/m1tm/coreproxy"
	"github.com/m1tm/coreproxy/version"
)

// cliConfig is the flag-parsed shape of a single-listener run of the
// proxy, translated into a coreproxy.Config/EndpointConfig pair in main.
type cliConfig struct {
	showVersion bool

	addr        string // explicit endpoint listen addr
	transparent string // transparent endpoint listen addr, empty disables it

	bufferSize        int
	enableWindowsAuth bool
	enable100Continue bool
	insecureUpstream  bool

	includeHosts string // comma-separated regexes, ORed together
	excludeHosts string

	certDir                string
	defaultSNIName         string
	genericCertificateName string

	upstreamProxy    string // shared HTTP(S)/SOCKS5 upstream, per net/url scheme
	upstreamBindAddr string

	proxyAuth string // "user:pass|user:pass", or "any" to disable

	debug int // 0 - info, 1 - debug, 2 - debug with source location
}

func loadConfig() cliConfig {
	var c cliConfig

	flag.BoolVar(&c.showVersion, "version", false, "show coreproxy version")

	flag.StringVar(&c.addr, "addr", ":9080", "proxy listen addr for the explicit endpoint")
	flag.StringVar(&c.transparent, "transparent-addr", "", "listen addr for a transparent (SNI-terminating) endpoint; empty disables it")

	flag.IntVar(&c.bufferSize, "buffer-size", 4096, "framed stream buffer size and relay chunk size, in bytes")
	flag.BoolVar(&c.enableWindowsAuth, "enable-windows-auth", false, "enable origin 401 challenge handling and request body pre-buffering")
	flag.BoolVar(&c.enable100Continue, "enable-100-continue", true, "forward Expect: 100-continue interim responses to the client")
	flag.BoolVar(&c.insecureUpstream, "upstream-insecure", false, "skip certificate verification when dialing an HTTPS upstream or TLS origin")

	flag.StringVar(&c.includeHosts, "include-hosts", "", "comma-separated regexes; if set, only matching hosts are decrypted")
	flag.StringVar(&c.excludeHosts, "exclude-hosts", "", "comma-separated regexes of hosts to splice blindly instead of decrypting")

	flag.StringVar(&c.certDir, "cert-dir", "", "directory to persist the local CA root; empty generates an ephemeral one")
	flag.StringVar(&c.defaultSNIName, "default-sni", "", "SNI fallback name for the transparent endpoint when a client sends none")
	flag.StringVar(&c.genericCertificateName, "generic-cert-name", "", "alias for -default-sni, matching spec.md's generic_certificate_name")

	flag.StringVar(&c.upstreamProxy, "upstream-proxy", "", "upstream proxy URL (http://, https://, or socks5://)")
	flag.StringVar(&c.upstreamBindAddr, "upstream-bind-addr", "", "local address recorded in the outbound connection identity when -upstream-proxy is set; outbound sockets are not bound to it")

	flag.StringVar(&c.proxyAuth, "auth", "", "proxy authentication: user:pass[|user:pass...], or \"any\" to disable")

	flag.IntVar(&c.debug, "debug", 0, "debug verbosity: 1 - debug log, 2 - debug log with source location")

	flag.Parse()
	return c
}

func compileHostList(csv string) *regexp.Regexp {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	for i, p := range parts {
		parts[i] = "(?:" + strings.TrimSpace(p) + ")"
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

func main() {
	cli := loadConfig()

	if cli.showVersion {
		fmt.Println("coreproxy " + version.String())
		os.Exit(0)
	}

	level := slog.LevelInfo
	addSource := false
	if cli.debug > 0 {
		level = slog.LevelDebug
		addSource = cli.debug > 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)

	cfg := coreproxy.Config{
		BufferSize:           cli.bufferSize,
		EnableWindowsAuth:    cli.enableWindowsAuth,
		Enable100Continue:    cli.enable100Continue,
		InsecureUpstreamTLS:  cli.insecureUpstream,
		CertStoreDir:         cli.certDir,
		UpstreamBindEndpoint: cli.upstreamBindAddr,
		Hooks:                coreproxy.NewLogHooks(logger),
	}

	if cli.proxyAuth != "" && !strings.EqualFold(cli.proxyAuth, "any") {
		logger.Info("proxy authentication enabled")
		cfg.Auth = coreproxy.NewBasicAuth(cli.proxyAuth)
	}

	if cli.upstreamProxy != "" {
		u, err := url.Parse(cli.upstreamProxy)
		if err != nil {
			logger.Error("invalid -upstream-proxy", "error", err)
			os.Exit(1)
		}
		switch strings.ToLower(u.Scheme) {
		case "https":
			cfg.UpstreamHTTPSProxy = u
		default:
			cfg.UpstreamHTTPProxy = u
		}
	}

	p, err := coreproxy.New(cfg)
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	endpoints := []coreproxy.EndpointConfig{
		{
			Kind:         coreproxy.EndpointExplicit,
			Addr:         cli.addr,
			IncludeRegex: compileHostList(cli.includeHosts),
			ExcludeRegex: compileHostList(cli.excludeHosts),
		},
	}
	if cli.transparent != "" {
		endpoints = append(endpoints, coreproxy.EndpointConfig{
			Kind:                   coreproxy.EndpointTransparent,
			Addr:                   cli.transparent,
			TLSEnabled:             true,
			DefaultSNIName:         cli.defaultSNIName,
			GenericCertificateName: cli.genericCertificateName,
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("coreproxy starting", "version", version.String())
	if err := p.Serve(ctx, endpoints...); err != nil {
		logger.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}
