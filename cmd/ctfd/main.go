package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/cuemby/ctfd/pkg/api"
	"github.com/cuemby/ctfd/pkg/captcha"
	"github.com/cuemby/ctfd/pkg/config"
	"github.com/cuemby/ctfd/pkg/janitor"
	"github.com/cuemby/ctfd/pkg/log"
	"github.com/cuemby/ctfd/pkg/metrics"
	"github.com/cuemby/ctfd/pkg/network"
	"github.com/cuemby/ctfd/pkg/orchestrator"
	"github.com/cuemby/ctfd/pkg/portalloc"
	"github.com/cuemby/ctfd/pkg/ratelimit"
	"github.com/cuemby/ctfd/pkg/resources"
	"github.com/cuemby/ctfd/pkg/runtime"
	"github.com/cuemby/ctfd/pkg/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctfd",
	Short: "ctfd deploys and reaps per-user CTF challenge containers",
	Long: `ctfd is a single-binary orchestrator that hands each visitor their
own disposable challenge container, with rate limiting, CAPTCHA gating,
resource quotas and automatic reclamation on expiry.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ctfd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)

	upCmd.Flags().StringP("config", "u", "ctfd.env", "path to the env-style config file")
	upCmd.Flags().StringP("socket", "s", runtime.DefaultSocketPath, "containerd socket path")
	upCmd.Flags().IntP("port", "p", 0, "override API_PORT from the config file")
	upCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")

	downCmd.Flags().StringP("config", "u", "ctfd.env", "path to the env-style config file used by the running instance")
	downCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
}

// lockDir holds one flock-protected file per port range this binary is
// managing, so two instances never fight over the same port allocation
// table or containerd namespace.
const lockDir = "/var/lock/ctfd"

// instanceID derives a stable short id from the binary's install path, so
// separate deployments of this binary on the same host get separate lock
// identities even if their config files share a port range by accident.
func instanceID() string {
	exe, err := os.Executable()
	if err != nil {
		exe = "ctfd"
	}
	sum := sha256.Sum256([]byte(exe))
	return hex.EncodeToString(sum[:])[:16]
}

func lockPath(cfg *config.Config) string {
	return filepath.Join(lockDir, fmt.Sprintf("%d_%d_%s", cfg.StartRange, cfg.StopRange, instanceID()))
}

// acquireLock takes an exclusive, non-blocking flock on the port range's
// lock file and writes this process's pid into it. The lock is released
// automatically when the fd closes at process exit.
func acquireLock(cfg *config.Config) (*os.File, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := lockPath(cfg)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("port range %d-%d already managed by another instance (%s)", cfg.StartRange, cfg.StopRange, path)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func readLockPid(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(lockPath(cfg))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the challenge orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		socketPath, _ := cmd.Flags().GetString("socket")
		portOverride, _ := cmd.Flags().GetInt("port")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := log.InfoLevel
		if verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if portOverride != 0 {
			cfg.APIPort = portOverride
		}

		lockFile, err := acquireLock(cfg)
		if err != nil {
			return err
		}
		defer lockFile.Close()

		return run(cfg, socketPath)
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Signal a running instance to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := log.InfoLevel
		if verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		pid, err := readLockPid(cfg)
		if err != nil {
			return fmt.Errorf("no running instance found for port range %d-%d: %w", cfg.StartRange, cfg.StopRange, err)
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		fmt.Printf("sent shutdown signal to pid %d\n", pid)
		return nil
	},
}

// run performs the full startup sequence, blocks until asked to shut down,
// then unwinds every component in reverse dependency order.
func run(cfg *config.Config, socketPath string) error {
	l := log.WithComponent("main")

	st, err := store.Open(cfg.DSN(), cfg.PoolMin, cfg.PoolMax, cfg.MaintenancePoolMin, cfg.MaintenancePoolMax)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := st.Init(initCtx, cfg.StartRange, cfg.StopRange); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	netPub, err := network.NewPublisher(cfg.NetworkSubnet)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	driver, err := runtime.New(socketPath, runtime.DefaultNamespace, netPub)
	if err != nil {
		return fmt.Errorf("container engine: %w", err)
	}
	defer driver.Close()

	ports := portalloc.New(st.Pool(), cfg.PortAllocationMaxAttempts)
	limiter := ratelimit.New(st.Pool(), cfg.MaxContainersPerSourcePerWindow, cfg.RateLimitWindowSec)
	quota := resources.New(st.Pool(), driver, cfg.EnableResourceQuotas, cfg.MaxTotalContainers,
		cfg.MaxTotalCPUPercent, cfg.MaxTotalMemoryBytes,
		time.Duration(cfg.ResourceCheckIntervalSec)*time.Second, cfg.ResourceSoftLimitPercent)
	cb := captcha.New(time.Duration(cfg.CaptchaTTLSec)*time.Second, cfg.BypassCaptcha)

	jan := janitor.New(st, driver, ports, janitor.Config{
		ThreadPoolSize:      cfg.ThreadPoolSize,
		MaintenanceInterval: time.Duration(cfg.MaintenanceIntervalSec) * time.Second,
		MaintenanceBatch:    cfg.MaintenanceBatchSize,
		StalePortMaxAge:     time.Duration(cfg.StalePortMaxAgeSec) * time.Second,
		RateLimitWindow:     time.Duration(cfg.RateLimitWindowSec) * time.Second,
	})

	orch := orchestrator.New(cfg, st, ports, driver, limiter, quota, cb, jan)
	server := api.New(cfg, orch, st, cb, driver, quota)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	metrics.DeployerInfo.WithLabelValues(Version, cfg.ChallengeTitle, hostname).Set(1)

	quotaCtx, quotaCancel := context.WithCancel(context.Background())
	defer quotaCancel()
	quota.Start(quotaCtx)
	l.Info().Msg("resource monitor started")

	janCtx, janCancel := context.WithCancel(context.Background())
	defer janCancel()
	if err := jan.Start(janCtx); err != nil {
		return fmt.Errorf("janitor start: %w", err)
	}
	l.Info().Msg("janitor started")

	if cfg.DirectTestPort != 0 {
		refSpec := orchestrator.BuildSpec(cfg, "ctfd-reference", cfg.DirectTestPort)
		refSpec.Role = runtime.RoleReference
		refCtx, refCancel := context.WithTimeout(context.Background(), 30*time.Second)
		refID, err := driver.EnsureReferenceInstance(refCtx, refSpec)
		refCancel()
		if err != nil {
			l.Warn().Err(err).Msg("reference instance start failed, continuing without it")
		} else {
			l.Info().Str("container_id", refID).Int("port", cfg.DirectTestPort).Msg("reference instance ready")
		}
	}

	errCh := make(chan error, 1)
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	l.Info().Str("addr", addr).Msg("api server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		l.Info().Msg("shutdown signal received")
	case err := <-errCh:
		l.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("api server shutdown error")
	}
	janCancel()
	jan.Stop()
	quotaCancel()
	quota.Stop()

	l.Info().Msg("shutdown complete")
	return nil
}
