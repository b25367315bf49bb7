package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/events"
	"github.com/bittrance/kitops/internal/git"
	"github.com/bittrance/kitops/internal/githubapp"
	"github.com/bittrance/kitops/internal/statestore"
	"github.com/bittrance/kitops/internal/supervisor"
	"github.com/bittrance/kitops/internal/task"
	"github.com/bittrance/kitops/internal/urlprovider"
	"github.com/bittrance/kitops/internal/workload"
)

// defaultPollInterval is the Supervisor's outer-loop idle sleep. It is not
// operator-configurable; --interval governs a task's own cadence.
const defaultPollInterval = time.Second

func run(o cliOptions) error {
	file, err := assembleConfig(o)
	if err != nil {
		return err
	}
	if errs := config.Validate(file); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return fmt.Errorf("invalid configuration (%d error(s))", len(errs))
	}

	repoDirRoot, err := resolveRepoDir(o.repoDir)
	if err != nil {
		return err
	}

	store, err := statestore.Load(o.stateFile)
	if err != nil {
		return err
	}

	gateway := git.New()
	tasks := make([]*task.ScheduledTask, 0, len(file.Tasks))
	for _, t := range file.Tasks {
		bus := events.NewBus()
		bus.Watch(logWatcher)

		provider, err := newProvider(t)
		if err != nil {
			return err
		}
		if t.GitHub != nil && t.GitHub.StatusContext != "" {
			slug := githubapp.RepoSlug(t.Git.URL)
			cfg := githubapp.Config{
				AppID:          t.GitHub.AppID,
				PrivateKeyFile: t.GitHub.PrivateKeyFile,
				StatusContext:  t.GitHub.StatusContext,
			}
			bus.Watch(githubapp.StatusWatcher(slug, cfg))
		}

		repoDir := filepath.Join(repoDirRoot, sanitizeDirName(t.Name))
		w := workload.New(t, provider, repoDir, gateway, bus)
		st := task.New(t.Name, t.Interval.Duration(), w.Perform)
		tasks = append(tasks, st)
	}

	sup := supervisor.New(tasks, store)
	return sup.Run(o.onceOnly, defaultPollInterval)
}

func newProvider(t config.Task) (urlprovider.Provider, error) {
	if t.GitHub == nil {
		return urlprovider.NewDefault(t.Git.URL), nil
	}
	return githubapp.NewProvider(t.Git.URL, githubapp.Config{
		AppID:          t.GitHub.AppID,
		PrivateKeyFile: t.GitHub.PrivateKeyFile,
		StatusContext:  t.GitHub.StatusContext,
	}), nil
}

// assembleConfig validates the mutually-exclusive config-file vs
// single-task flag groups and builds a config.File from whichever was
// supplied.
func assembleConfig(o cliOptions) (*config.File, error) {
	singleTaskFlags := o.url != "" || o.action != "" || len(o.environment) > 0
	if o.configFile != "" && singleTaskFlags {
		return nil, fmt.Errorf("provide --config-file or single-task options (--url/--action/--environment), not both")
	}
	if o.onceOnly && o.intervalStr != "" {
		return nil, fmt.Errorf("--once-only and --interval are mutually exclusive")
	}
	if (o.githubAppID == "") != (o.githubPrivateKeyFile == "") {
		return nil, fmt.Errorf("--github-app-id and --github-private-key-file must be provided together")
	}

	if o.configFile != "" {
		return config.Load(o.configFile)
	}

	if o.url == "" {
		return nil, fmt.Errorf("provide --config-file or --url")
	}

	env, err := parseEnvironment(o.environment)
	if err != nil {
		return nil, err
	}

	synthetic := config.Task{
		Name: o.url,
		Git:  config.Git{URL: o.url, Branch: o.branch},
		Commands: []config.Command{
			{
				Name:        "action",
				Entrypoint:  "/bin/sh",
				Args:        []string{"-c", o.action},
				Environment: env,
			},
		},
	}
	if o.intervalStr != "" {
		d, err := time.ParseDuration(o.intervalStr)
		if err != nil {
			return nil, fmt.Errorf("parsing --interval: %w", err)
		}
		synthetic.Interval = config.Duration(d)
	}
	if o.timeoutStr != "" {
		d, err := time.ParseDuration(o.timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("parsing --timeout: %w", err)
		}
		synthetic.Timeout = config.Duration(d)
	}
	if o.githubAppID != "" {
		synthetic.GitHub = &config.GitHub{
			AppID:          o.githubAppID,
			PrivateKeyFile: o.githubPrivateKeyFile,
			StatusContext:  o.githubStatusContext,
		}
	}

	file := &config.File{Tasks: []config.Task{synthetic}}
	for i := range file.Tasks {
		applyTaskDefaults(&file.Tasks[i])
	}
	return file, nil
}

func applyTaskDefaults(t *config.Task) {
	if t.Git.Branch == "" {
		t.Git.Branch = config.DefaultBranch
	}
	if t.Interval == 0 {
		t.Interval = config.Duration(config.DefaultInterval)
	}
	if t.Timeout == 0 {
		t.Timeout = config.Duration(config.DefaultTimeout)
	}
}

func parseEnvironment(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --environment %q, expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

// sanitizeDirName turns a task name (free-form, possibly a raw URL in
// single-task mode) into a single safe path component.
func sanitizeDirName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(name)
}

func resolveRepoDir(repoDir string) (string, error) {
	if repoDir == "" {
		return os.MkdirTemp("", "kitops-repos-")
	}
	info, err := os.Stat(repoDir)
	if err != nil {
		return "", fmt.Errorf("--repo-dir %q: %w", repoDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("--repo-dir %q is not a directory", repoDir)
	}
	return repoDir, nil
}
