// Package doctor runs environment diagnostics for the chorus doctor
// subcommand: config, provider keys, ledger, repository, docker, voice
// synthesizer, intent module, and network reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/crewline/chorus/internal/config"
	"github.com/crewline/chorus/internal/ledger"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkLedger,
		checkPermissions,
		checkRepo,
		checkDocker,
		checkVoice,
		checkIntentModule,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; starter roster will be used"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider, _, apiKey := cfg.ResolveLLM()
	if apiKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key present for provider %q", provider)}
	}

	envVars := map[string]string{
		"google":     "GOOGLE_API_KEY (or GEMINI_API_KEY)",
		"openai":     "OPENAI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	hint, ok := envVars[provider]
	if !ok {
		hint = "providers." + provider + ".api_key in config.yaml"
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("No key for provider %q; agents will answer with fallback text", provider),
		Detail:  "Set " + hint,
	}
}

func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Ledger", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "chorus.db")
	store, err := ledger.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	open := counts[ledger.StatusPending] + counts[ledger.StatusRunning]
	return CheckResult{
		Name:    "Ledger",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("open_tasks=%d completed=%d", open, counts[ledger.StatusCompleted]),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkRepo(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Repository", Status: "SKIP", Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Repo.Path) == "" {
		return CheckResult{Name: "Repository", Status: "SKIP", Message: "repo.path not set (commit directives disabled)"}
	}

	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "Repository", Status: "FAIL", Message: "git binary not found on PATH"}
	}

	cmd := exec.CommandContext(ctx, "git", "-C", cfg.Repo.Path, "rev-parse", "--git-dir")
	if out, err := cmd.CombinedOutput(); err != nil {
		return CheckResult{
			Name:    "Repository",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s is not a git repository", cfg.Repo.Path),
			Detail:  strings.TrimSpace(string(out)),
		}
	}
	return CheckResult{Name: "Repository", Status: "PASS", Message: fmt.Sprintf("Git repository at %s", cfg.Repo.Path)}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Repo.Verify {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "repo.verify disabled (no sandbox needed)"}
	}

	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "docker binary not found (required for commit verification)"}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: fmt.Sprintf("Daemon reachable, image %s", cfg.Sandbox.Image)}
}

func checkVoice(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Voice.Enabled {
		return CheckResult{Name: "Voice", Status: "SKIP", Message: "voice.enabled is false"}
	}

	fields := strings.Fields(cfg.Voice.Command)
	if len(fields) == 0 {
		return CheckResult{Name: "Voice", Status: "FAIL", Message: "voice.command is empty"}
	}
	bin := fields[0]
	if _, err := exec.LookPath(bin); err != nil {
		return CheckResult{
			Name:    "Voice",
			Status:  "WARN",
			Message: fmt.Sprintf("synthesizer %q not found on PATH", bin),
			Detail:  "Playback will fail per utterance; the conversation continues",
		}
	}
	return CheckResult{Name: "Voice", Status: "PASS", Message: fmt.Sprintf("Synthesizer %q found", bin)}
}

func checkIntentModule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || strings.TrimSpace(cfg.Intent.WASMModule) == "" {
		return CheckResult{Name: "Intent Module", Status: "SKIP", Message: "keyword classifier in use (no wasm_module)"}
	}

	fi, err := os.Stat(cfg.Intent.WASMModule)
	if err != nil {
		return CheckResult{Name: "Intent Module", Status: "FAIL", Message: fmt.Sprintf("wasm_module unreadable: %v", err)}
	}
	if fi.IsDir() {
		return CheckResult{Name: "Intent Module", Status: "FAIL", Message: "intent.wasm_module points at a directory"}
	}
	return CheckResult{Name: "Intent Module", Status: "PASS", Message: fmt.Sprintf("Module present (%d bytes)", fi.Size())}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider, _, _ := cfg.ResolveLLM()
	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openrouter":        "openrouter.ai",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
