package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"github.com/codefionn/wiretap/wiretap-srv/pipeline"
	"github.com/codefionn/wiretap/wiretap-srv/proxy"
	"github.com/codefionn/wiretap/wiretap-srv/stats"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runProxy(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("wiretap version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	logger.Info("Starting wiretap proxy server")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if *debugMode {
		cfg.LogLevel = "DEBUG"
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Debug("Configuration loaded successfully")
	logger.Debug("Listening on %s:%d (backlog %d, secure port %d)", cfg.ListenAddress, cfg.Port, cfg.Backlog, cfg.SecurePort)
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)

	return cfg, *configPathPtr
}

// buildRegistry assembles the processors, handlers and identity for cfg.
func buildRegistry(cfg *config.Config) (*pipeline.Registry, error) {
	registry := pipeline.NewRegistry()
	registry.SetStatusPageEnabled(cfg.StatusPage.Enabled)

	identity, err := proxy.LoadIdentity(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		registry.SetIdentity(identity)
	} else {
		logger.Info("No TLS identity configured, CONNECT requests will be refused")
	}

	domains := append([]string(nil), cfg.Blocklist...)
	if cfg.BlocklistFile != "" {
		fromFile, err := pipeline.LoadDomainsFile(cfg.BlocklistFile)
		if err != nil {
			return nil, err
		}
		domains = append(domains, fromFile...)
	}
	if len(domains) > 0 {
		blocklist := pipeline.NewBlocklistProcessor(domains)
		registry.AddRequestProcessor(blocklist)
		logger.Info("Blocking %d domains", blocklist.Len())
	}

	var requestRules, responseRules []pipeline.HeaderRule
	for _, rewrite := range cfg.HeaderRewrites {
		rule, err := pipeline.ParseHeaderRule(rewrite.Line, rewrite.Remove)
		if err != nil {
			return nil, fmt.Errorf("header rewrite %q: %w", rewrite.Line, err)
		}
		if rewrite.Direction == config.RewriteResponse {
			responseRules = append(responseRules, rule)
		} else {
			requestRules = append(requestRules, rule)
		}
	}
	if len(requestRules) > 0 {
		registry.AddRequestProcessor(pipeline.NewHeaderRewriteProcessor(requestRules...))
	}
	if len(responseRules) > 0 {
		registry.AddResponseProcessor(pipeline.NewHeaderRewriteProcessor(responseRules...))
	}

	if logger.IsLevelEnabled(logger.DEBUG) {
		registry.AddHandler(pipeline.LogHandler{})
	}
	return registry, nil
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string) {
	journal, err := stats.NewJournal(&cfg.Journal)
	if err != nil {
		logger.Fatal("Failed to open journal: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("Error closing journal: %v", err)
		}
		logger.Sync()
	}()
	statistics := stats.NewStatistics(cfg.StatusPage.Title)

	startProxy := func(cfg *config.Config) (*proxy.Proxy, error) {
		registry, err := buildRegistry(cfg)
		if err != nil {
			return nil, err
		}
		statistics.SetTitle(cfg.StatusPage.Title)
		p := proxy.NewProxy(cfg, registry, statistics, journal)
		logger.Info("Starting proxy server...")
		if err := p.Start(context.Background()); err != nil {
			return nil, err
		}
		return p, nil
	}

	proxyInstance, err := startProxy(cfg)
	if err != nil {
		logger.Fatal("Proxy server error: %v", err)
	}
	currentCfg := cfg

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting proxy.")
				continue
			}
			if newCfg.Journal != currentCfg.Journal {
				logger.Warn("Journal settings changed; they take effect after a restart")
			}
			logger.SetLevel(logger.GetLevelFromString(newCfg.LogLevel))

			logger.Info("Config changed. Restarting proxy...")
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}
			restarted, err := startProxy(newCfg)
			if err != nil {
				logger.Error("Failed to start proxy with new config: %v (restoring previous config)", err)
				restarted, err = startProxy(currentCfg)
				if err != nil {
					logger.Fatal("Proxy server error: %v", err)
				}
				proxyInstance = restarted
				continue
			}
			proxyInstance = restarted
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
			}
			if err := proxyInstance.Wait(); err != nil {
				logger.Error("Error waiting for listeners: %v", err)
			}
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
