package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/lanwarden/lanwarden/pkg/api"
	"github.com/lanwarden/lanwarden/pkg/config"
	"github.com/lanwarden/lanwarden/pkg/health"
	"github.com/lanwarden/lanwarden/pkg/netmap"
	"github.com/lanwarden/lanwarden/pkg/plugin"
	_ "github.com/lanwarden/lanwarden/pkg/plugin/builtin"
	"github.com/lanwarden/lanwarden/pkg/sandbox"
	"github.com/lanwarden/lanwarden/pkg/security"
)

const (
	appName    = "LanWarden"
	appVersion = "1.0.0"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:    "lanwarden",
		Usage:   "Plugin-driven LAN discovery and monitoring",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"vv"},
				Usage:   "Enable verbose output",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LANWARDEN_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				level = logrus.InfoLevel
			}
			if c.Bool("verbose") {
				level = logrus.DebugLevel
			}
			log.SetLevel(level)
			log.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "2006-01-02 15:04:05",
			})
			return nil
		},
		Commands: []*cli.Command{
			commandScan(),
			commandServe(),
			commandPlugins(),
			commandConfig(),
			commandMonitor(),
			commandInterfaces(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the configuration file named on the command line, falling
// back to defaults when none is given.
func loadConfig(c *cli.Context) config.Config {
	cfg := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfigFromFile(path)
		if err != nil {
			log.Warnf("Failed to load config %s, using defaults: %v", path, err)
		} else {
			cfg = loaded
		}
	}
	if c.Bool("verbose") {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return cfg
}

// buildStack wires the security manager, sandbox, plugin loader, mapper and
// health monitor from a configuration.
func buildStack(cfg config.Config) (*plugin.Loader, *netmap.Mapper, *health.Monitor, error) {
	sec, err := security.NewManager(cfg.ConfigDir, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize security manager: %v", err)
	}

	box := sandbox.New(cfg.SandboxMaxMemoryMB, cfg.SandboxMaxCPUTime, log)
	loader := plugin.NewLoader(cfg.PluginDir, sec, box, log)

	var cipher netmap.FieldCipher
	if cfg.EncryptDeviceFields {
		cipher = sec
	}
	mapper := netmap.NewMapper(netmap.Config{
		MaxConcurrentScans: cfg.MaxConcurrentScans,
		ScanTimeout:        cfg.ScanTimeout,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
	}, netmap.NewARPProber(log), cipher, log)

	monitor := health.NewMonitor(60, health.DefaultThresholds(), log)

	return loader, mapper, monitor, nil
}

func displayBanner() {
	banner := `
╔══════════════════════════════════════════════════╗
║                                                  ║
║                    LanWarden                     ║
║                                                  ║
║          Discover - Monitor - Contain            ║
║                                                  ║
╚══════════════════════════════════════════════════╝
`
	fmt.Println(banner)
}

// commandScan returns the scan command configuration
func commandScan() *cli.Command {
	return &cli.Command{
		Name:    "scan",
		Aliases: []string{"s"},
		Usage:   "Run a single discovery scan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "interface",
				Aliases: []string{"i"},
				Usage:   "Network interface to scan from",
			},
			&cli.StringFlag{
				Name:    "network",
				Aliases: []string{"n"},
				Usage:   "Target network in CIDR notation",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file for discovered devices",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			if c.String("interface") != "" {
				cfg.Interface = c.String("interface")
			}
			if c.String("network") != "" {
				cfg.Network = c.String("network")
			}

			if os.Geteuid() != 0 {
				log.Warn("Not running as root. Discovery probes may be limited.")
			}

			_, mapper, _, err := buildStack(cfg)
			if err != nil {
				return err
			}

			displayBanner()
			color.Yellow("Scanning %s on %s...", cfg.Network, cfg.Interface)

			startTime := time.Now()
			devices, err := mapper.Scan(cfg.Interface, cfg.Network)
			if err != nil {
				return fmt.Errorf("scan failed: %v", err)
			}

			color.Green("Scan completed in %v", time.Since(startTime))
			color.Green("Found %d devices", len(devices))
			for _, device := range devices {
				fmt.Printf("  - %s  %s  %s\n", device.IPAddress, device.MACAddress, device.Hostname)
			}

			if output := c.String("output"); output != "" {
				if err := config.WriteDevicesToFile(devices, output); err != nil {
					return fmt.Errorf("failed to write results: %v", err)
				}
				color.Green("Results saved to %s", output)
			}
			return nil
		},
	}
}

// commandServe returns the serve command configuration
func commandServe() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API server with plugins and continuous scanning",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the HTTP API",
			},
			&cli.BoolFlag{
				Name:  "continuous",
				Usage: "Start continuous scanning on launch",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			if c.String("port") != "" {
				cfg.APIPort = c.String("port")
			}

			loader, mapper, monitor, err := buildStack(cfg)
			if err != nil {
				return err
			}

			if err := loader.Discover(); err != nil {
				return fmt.Errorf("plugin discovery failed: %v", err)
			}
			defer loader.CleanupAll()

			if cfg.WatchPlugins {
				watcher := plugin.NewWatcher(loader, log)
				if err := watcher.Start(); err != nil {
					log.Warnf("Plugin watching disabled: %v", err)
				} else {
					defer watcher.Stop()
				}
			}

			if err := monitor.Start(time.Minute); err != nil {
				return err
			}
			defer monitor.Stop(10 * time.Second)
			monitor.OnStatusChange(func(old, new health.Status) {
				log.Warnf("System health: %s -> %s", old, new)
			})

			if c.Bool("continuous") {
				if err := mapper.StartContinuousScanning(cfg.Interface, cfg.Network, cfg.ScanInterval); err != nil {
					return fmt.Errorf("failed to start continuous scanning: %v", err)
				}
				defer mapper.StopContinuousScanning(10 * time.Second)
			}

			server := api.NewServer(api.ServerConfig{Port: cfg.APIPort, EnableCORS: true}, loader, mapper, monitor, log)
			go func() {
				if err := server.Start(); err != nil {
					log.Errorf("API server error: %v", err)
				}
			}()

			displayBanner()
			color.Green("API running at http://localhost:%s", cfg.APIPort)
			color.Yellow("Press Ctrl+C to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			log.Info("Shutting down...")
			return nil
		},
	}
}

// commandPlugins returns the plugins command configuration
func commandPlugins() *cli.Command {
	return &cli.Command{
		Name:    "plugins",
		Aliases: []string{"p"},
		Usage:   "Manage discovery plugins",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List discovered plugins",
				Action: func(c *cli.Context) error {
					loader, _, _, err := buildStack(loadConfig(c))
					if err != nil {
						return err
					}
					if err := loader.Discover(); err != nil {
						return err
					}

					infos := loader.Infos()
					if len(infos) == 0 {
						color.Yellow("No plugins found")
						return nil
					}
					for _, info := range infos {
						fmt.Printf("%s %s - %s (%s)\n", info.Name, info.Version, info.Description, info.Author)
						fmt.Printf("    sha256: %s\n", info.Hash)
					}
					return nil
				},
			},
			{
				Name:      "activate",
				Usage:     "Discover and activate a plugin by name",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return fmt.Errorf("plugin name required")
					}
					loader, _, _, err := buildStack(loadConfig(c))
					if err != nil {
						return err
					}
					if err := loader.Discover(); err != nil {
						return err
					}
					if err := loader.Activate(name); err != nil {
						return err
					}
					defer loader.CleanupAll()
					color.Green("Plugin %s activated", name)
					return nil
				},
			},
			{
				Name:      "deactivate",
				Usage:     "Deactivate an active plugin by name",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return fmt.Errorf("plugin name required")
					}
					loader, _, _, err := buildStack(loadConfig(c))
					if err != nil {
						return err
					}
					if err := loader.Discover(); err != nil {
						return err
					}
					if err := loader.Deactivate(name); err != nil {
						return err
					}
					color.Green("Plugin %s deactivated", name)
					return nil
				},
			},
			{
				Name:  "reload",
				Usage: "Re-discover all plugins and restore active ones",
				Action: func(c *cli.Context) error {
					loader, _, _, err := buildStack(loadConfig(c))
					if err != nil {
						return err
					}
					if err := loader.Discover(); err != nil {
						return err
					}
					if err := loader.Reload(); err != nil {
						return err
					}
					for _, name := range loader.Available() {
						fmt.Println(name)
					}
					return nil
				},
			},
			{
				Name:  "trust",
				Usage: "Add a plugin file's hash to the whitelist",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Plugin file to trust",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					cfg := loadConfig(c)
					sec, err := security.NewManager(cfg.ConfigDir, log)
					if err != nil {
						return err
					}
					hash, err := security.FileHash(c.String("file"))
					if err != nil {
						return err
					}
					if err := sec.AddToWhitelist(hash); err != nil {
						return err
					}
					color.Green("Whitelisted %s (%s)", c.String("file"), hash)
					return nil
				},
			},
			{
				Name:  "block",
				Usage: "Add a plugin file's hash to the blacklist",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Plugin file to block",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					cfg := loadConfig(c)
					sec, err := security.NewManager(cfg.ConfigDir, log)
					if err != nil {
						return err
					}
					hash, err := security.FileHash(c.String("file"))
					if err != nil {
						return err
					}
					if err := sec.AddToBlacklist(hash); err != nil {
						return err
					}
					color.Red("Blacklisted %s (%s)", c.String("file"), hash)
					return nil
				},
			},
		},
	}
}

// openSecureConfig opens the encrypted settings store under the config
// directory using the master password from the flag or environment.
func openSecureConfig(c *cli.Context) (*security.SecureConfig, error) {
	password := c.String("password")
	if password == "" {
		return nil, fmt.Errorf("master password required (--password or LANWARDEN_MASTER_PASSWORD)")
	}
	cfg := loadConfig(c)
	sc, err := security.NewSecureConfig(filepath.Join(cfg.ConfigDir, "settings.enc"), password, log)
	if err != nil {
		return nil, err
	}
	if err := sc.Load(); err != nil {
		return nil, err
	}
	return sc, nil
}

var passwordFlag = &cli.StringFlag{
	Name:    "password",
	Usage:   "Master password for the encrypted settings store",
	EnvVars: []string{"LANWARDEN_MASTER_PASSWORD"},
}

// commandConfig returns the config command configuration
func commandConfig() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the encrypted settings store",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Read a setting by dot-notation key",
				ArgsUsage: "KEY",
				Flags:     []cli.Flag{passwordFlag},
				Action: func(c *cli.Context) error {
					key := c.Args().First()
					if key == "" {
						return fmt.Errorf("key required")
					}
					sc, err := openSecureConfig(c)
					if err != nil {
						return err
					}
					value := sc.Get(key, nil)
					if value == nil {
						color.Yellow("Key %s not set", key)
						return nil
					}
					fmt.Println(value)
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "Store a setting under a dot-notation key",
				ArgsUsage: "KEY VALUE",
				Flags:     []cli.Flag{passwordFlag},
				Action: func(c *cli.Context) error {
					key, value := c.Args().Get(0), c.Args().Get(1)
					if key == "" || value == "" {
						return fmt.Errorf("key and value required")
					}
					sc, err := openSecureConfig(c)
					if err != nil {
						return err
					}
					if err := sc.Set(key, value); err != nil {
						return err
					}
					if err := sc.Save(); err != nil {
						return err
					}
					color.Green("Stored %s", key)
					return nil
				},
			},
			{
				Name:  "change-password",
				Usage: "Re-encrypt the settings store under a new master password",
				Flags: []cli.Flag{
					passwordFlag,
					&cli.StringFlag{
						Name:     "new-password",
						Usage:    "New master password",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					sc, err := openSecureConfig(c)
					if err != nil {
						return err
					}
					if err := sc.ChangeMasterPassword(c.String("new-password")); err != nil {
						return err
					}
					color.Green("Master password changed")
					return nil
				},
			},
		},
	}
}

// commandMonitor returns the monitor command configuration
func commandMonitor() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Print current process health",
		Action: func(c *cli.Context) error {
			monitor := health.NewMonitor(60, health.DefaultThresholds(), log)
			sample := monitor.Collect()
			status := monitor.Classify(sample)

			switch status {
			case health.StatusOK:
				color.Green("Status: %s", status)
			case health.StatusWarning:
				color.Yellow("Status: %s", status)
			default:
				color.Red("Status: %s", status)
			}
			fmt.Printf("Heap: %.1f%% (%d / %d bytes)\n", sample.MemoryPercent, sample.HeapAllocBytes, sample.HeapSysBytes)
			fmt.Printf("Goroutines: %d\n", sample.Goroutines)
			fmt.Printf("GC cycles: %d\n", sample.GCCycles)
			return nil
		},
	}
}

// commandInterfaces returns the interfaces command configuration
func commandInterfaces() *cli.Command {
	return &cli.Command{
		Name:  "interfaces",
		Usage: "List network interfaces usable for scanning",
		Action: func(c *cli.Context) error {
			_, mapper, _, err := buildStack(loadConfig(c))
			if err != nil {
				return err
			}
			infos := mapper.GetNetworkInterfaces()
			if len(infos) == 0 {
				color.Yellow("No interfaces with IPv4 addresses found")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%-10s %-15s %s\n", info.Name, info.IP, info.Netmask)
			}
			return nil
		},
	}
}
