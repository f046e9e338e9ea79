// Command macplusd is the update-engine process of spec.md §6: a
// long-lived --headless server talking the command/event channel over a
// Unix domain socket, a --check-now one-shot scan+check, or a --version
// print, with internal/cli's cobra subcommands as the scripting fallback
// when none of those flags are given — mirroring the teacher's
// cmd/keg/main.go thinness, just dispatching to more than one mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/smallsimplesuper/macplus/internal/buildinfo"
	"github.com/smallsimplesuper/macplus/internal/checker"
	"github.com/smallsimplesuper/macplus/internal/cli"
	"github.com/smallsimplesuper/macplus/internal/config"
	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/executors"
	"github.com/smallsimplesuper/macplus/internal/ipc"
	"github.com/smallsimplesuper/macplus/internal/logger"
	"github.com/smallsimplesuper/macplus/internal/notifier"
	"github.com/smallsimplesuper/macplus/internal/orchestrator"
	"github.com/smallsimplesuper/macplus/internal/runner"
	"github.com/smallsimplesuper/macplus/internal/selfupdate"
	"github.com/smallsimplesuper/macplus/internal/service"
	"github.com/smallsimplesuper/macplus/internal/store"
)

func main() {
	headless := flag.Bool("headless", false, "run the engine without a UI, serving the command/event channel")
	checkNow := flag.Bool("check-now", false, "perform one scan+check and exit (0=no updates, 1=updates available, 2=error)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		buildinfo.PrintVersion()
		return
	}

	if *checkNow {
		os.Exit(runCheckNow())
	}

	if *headless {
		if err := runHeadless(); err != nil {
			logger.LogError("engine exited: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := cli.Execute(mustOrchestrator()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildDeps constructs every dependency the Orchestrator needs: the data
// directory, the embedded store, the HTTP fetcher, one Checker per
// spec.md §4.3 source_type, one Executor per spec.md §4.4 route, and (when
// the publishing environment variables are set) a selfupdate.Manager.
func buildDeps() (orchestrator.Deps, error) {
	dataDir, err := config.EnsureDataDirs()
	if err != nil {
		return orchestrator.Deps{}, fmt.Errorf("prepare data directory: %w", err)
	}

	st, err := store.Open(filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		return orchestrator.Deps{}, fmt.Errorf("open store: %w", err)
	}

	r := &runner.ExecRunner{}
	fetcher := service.NewFetcher(
		service.NewHTTPClient(config.HTTPTimeout()),
		config.DefaultGlobalHTTPConcurrency,
		config.DefaultPerHostHTTPConcurrency,
		5*time.Minute,
	)

	checkers := []checker.Checker{
		checker.NewSparkleChecker(fetcher),
		checker.NewHomebrewCaskChecker(r),
		checker.NewHomebrewAPIChecker(fetcher),
		checker.NewMASChecker(fetcher),
		checker.NewGitHubChecker(fetcher, githubReposFromEnv()),
		checker.NewKeystoneChecker(),
		checker.NewMicrosoftAutoUpdateChecker(),
		checker.NewJetBrainsToolboxChecker(),
		checker.NewAdobeCCChecker(),
		checker.NewMozillaChecker(),
		checker.NewElectronChecker(),
	}

	locks := executors.NewBundleLocks()
	delegated := executors.NewDelegatedExecutor(r)
	execs := map[executors.Kind]executors.Executor{
		executors.KindDirect:          executors.NewDirectExecutor(fetcher, r, locks, filepath.Join(dataDir, "downloads"), filepath.Join(dataDir, "quarantine")),
		executors.KindHomebrew:        executors.NewHomebrewExecutor(r),
		executors.KindHomebrewFormula: executors.NewHomebrewFormulaExecutor(r),
		executors.KindAppStore:        executors.NewAppStoreExecutor(r, delegated, hasMASInstalled),
		executors.KindDelegated:       delegated,
	}

	deps := orchestrator.Deps{
		Store:        st,
		Checkers:     checkers,
		Executors:    execs,
		Runner:       r,
		AskpassPath:  filepath.Join(dataDir, "askpass"),
		IconCacheDir: filepath.Join(dataDir, "icons"),
		HasMAS:       hasMASInstalled,
	}

	if mgr, err := buildSelfUpdateManager(fetcher, dataDir); err != nil {
		logger.Debug("self-update not configured: %v", err)
	} else {
		deps.SelfUpdate = mgr
		deps.RelaunchSelfFunc = relaunchViaLaunchctl
	}

	return deps, nil
}

func mustOrchestrator() *orchestrator.Orchestrator {
	deps, err := buildDeps()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return orchestrator.New(deps)
}

// hasMASInstalled reports whether the mas CLI is on PATH, the prerequisite
// AppStoreExecutor checks before attempting `mas upgrade` instead of
// degrading to a DelegatedExecutor (spec §4.4).
func hasMASInstalled(ctx context.Context) bool {
	_, err := exec.LookPath("mas")
	return err == nil
}

// githubReposFromEnv reads MACPLUS_GITHUB_REPOS, a comma-separated
// bundle_id=owner/repo list, the one piece of per-installation GitHub
// checker configuration this engine cannot discover on its own (spec §4.3
// names the source_type but not how a bundle id maps to a repository).
func githubReposFromEnv() map[string]string {
	out := map[string]string{}
	raw := os.Getenv("MACPLUS_GITHUB_REPOS")
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

// buildSelfUpdateManager wires internal/selfupdate from the publishing
// environment: MACPLUS_SELFUPDATE_MANIFEST_URL and
// MACPLUS_SELFUPDATE_PUBLIC_KEY (hex-encoded ed25519 key). Absent either,
// self-update stays disabled (CheckSelfUpdate/ExecuteSelfUpdate return
// errs.Unsupported) rather than failing engine startup.
func buildSelfUpdateManager(fetcher *service.Fetcher, dataDir string) (*selfupdate.Manager, error) {
	manifestURL := os.Getenv("MACPLUS_SELFUPDATE_MANIFEST_URL")
	pubHex := os.Getenv("MACPLUS_SELFUPDATE_PUBLIC_KEY")
	if manifestURL == "" || pubHex == "" {
		return nil, fmt.Errorf("MACPLUS_SELFUPDATE_MANIFEST_URL/MACPLUS_SELFUPDATE_PUBLIC_KEY not set")
	}
	pub, err := decodeHexKey(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	binaryPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary path: %w", err)
	}
	return selfupdate.NewManager(fetcher, manifestURL, buildinfo.Version, pub, filepath.Join(dataDir, "selfupdate"), binaryPath)
}

func decodeHexKey(s string) (ed25519.PublicKey, error) {
	if len(s) != ed25519.PublicKeySize*2 {
		return nil, fmt.Errorf("expected %d hex chars, got %d", ed25519.PublicKeySize*2, len(s))
	}
	key := make([]byte, ed25519.PublicKeySize)
	for i := range key {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		key[i] = hi<<4 | lo
	}
	return key, nil
}

func hexNibble(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", b)
	}
}

// relaunchViaLaunchctl restarts the engine through its launchd job, the
// host-cooperation RelaunchSelf needs (spec.md §4.5: relaunch_self is a
// separate, explicit step from execute_self_update).
func relaunchViaLaunchctl(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "launchctl", "kickstart", "-k", "gui/"+fmt.Sprint(os.Getuid())+"/com.macplus.app")
	return cmd.Run()
}

// runHeadless starts the Orchestrator's periodic schedule and serves the
// command/event channel until interrupted.
func runHeadless() error {
	orc := mustOrchestrator()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orc.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orc.Stop()

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	server := ipc.NewServer(orc, filepath.Join(dataDir, "macplusd.sock"))
	return server.Serve(ctx)
}

// runCheckNow performs one scan+check and returns the exit code named in
// spec.md §6: 0 no updates, 1 updates available, 2 on error.
func runCheckNow() int {
	orc := mustOrchestrator()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ch, unsub := orc.Events().Subscribe(16)
	defer unsub()

	orc.TriggerFullScan(ctx)
	if err := awaitScanComplete(ctx, ch); err != nil {
		logger.LogError("scan failed: %v", err)
		return 2
	}

	orc.CheckAllUpdates(ctx)
	if err := awaitCheckComplete(ctx, ch); err != nil {
		logger.LogError("check failed: %v", err)
		return 2
	}

	count, err := orc.GetUpdateCount(ctx)
	if err != nil {
		logger.LogError("get update count: %v", err)
		return 2
	}
	if count > 0 {
		notifier.UpdatesAvailable(count)
		return 1
	}
	notifier.NoUpdates()
	return 0
}

// awaitScanComplete blocks until a ScanComplete event arrives on ch or ctx
// is cancelled, the one-shot --check-now equivalent of internal/cli's
// helpers.go of the same name.
func awaitScanComplete(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case ev := <-ch:
			if ev.Kind != events.ScanComplete {
				continue
			}
			p, ok := ev.Payload.(events.ScanCompletePayload)
			if !ok {
				return fmt.Errorf("scan-complete: unexpected payload type %T", ev.Payload)
			}
			if !p.Success {
				return fmt.Errorf("%s", p.Message)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitCheckComplete mirrors awaitScanComplete for check_all_updates.
func awaitCheckComplete(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case ev := <-ch:
			if ev.Kind != events.UpdateCheckComplete {
				continue
			}
			p, ok := ev.Payload.(events.UpdateCheckCompletePayload)
			if !ok {
				return fmt.Errorf("update-check-complete: unexpected payload type %T", ev.Payload)
			}
			if !p.Success {
				return fmt.Errorf("%s", p.Message)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
