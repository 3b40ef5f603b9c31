// AuraBot is a Telegram companion bot with persona-driven chat, image
// generation and usage quotas, kept alive by a watchdog and a process
// guardian.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/denvoros/aurabot/internal/commands"
	"github.com/denvoros/aurabot/internal/config"
	"github.com/denvoros/aurabot/internal/engage"
	"github.com/denvoros/aurabot/internal/errmon"
	"github.com/denvoros/aurabot/internal/imagegen"
	"github.com/denvoros/aurabot/internal/llm"
	. "github.com/denvoros/aurabot/internal/logging"
	"github.com/denvoros/aurabot/internal/pipeline"
	"github.com/denvoros/aurabot/internal/quota"
	"github.com/denvoros/aurabot/internal/session"
	"github.com/denvoros/aurabot/internal/store"
	"github.com/denvoros/aurabot/internal/supervisor"
)

var version = "dev"

var cli struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:""`

	Run       RunCmd       `cmd:"" help:"Run the bot in the foreground."`
	Supervise SuperviseCmd `cmd:"" help:"Run the bot under the restarting process guardian."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

func initLogging(level string) {
	cfg := DefaultConfig()
	cfg.Level = ParseLevel(level)
	Init(cfg)
}

type RunCmd struct{}

func (c *RunCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	initLogging(level)

	L_info("aurabot starting", "version", version)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	gate := quota.New(st, cfg.Limits.DailyMessages, cfg.Limits.MonthlyImages)
	client := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.MaxTokens, cfg.LLM.Temperature)

	var images imagegen.Generator
	if cfg.Image.Endpoint != "" {
		images = imagegen.NewRestGenerator(cfg.Image.Endpoint, cfg.Image.APIKey, cfg.Image.Timeout)
	} else {
		L_warn("no image endpoint configured, image directives will be dropped")
	}

	sess := session.New(cfg.Telegram, cfg.Watchdog)
	monitor := errmon.New(sess, 5*time.Minute)

	pipe := pipeline.New(st, gate, client, images, monitor, sess, cfg.LLM.Model,
		pipeline.Limits{
			ContextEntries:  cfg.Limits.ContextEntries,
			MaxMessageChars: cfg.Limits.MaxMessageChars,
			MaxPromptChars:  cfg.Limits.MaxPromptChars,
		},
		cfg.LLM.Timeout, cfg.Image.Timeout)

	sess.SetRouter(commands.NewRouter(st, gate, pipe, sess))

	jobs := engage.New(cfg.Engage, st, client, cfg.LLM.Model, sess, monitor)
	if err := jobs.Start(); err != nil {
		return err
	}
	defer jobs.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err = sess.Run(ctx)

	// Let in-flight replies finish before the process goes away. The error,
	// restart requests included, travels back to main so the deferred store
	// and cron teardown still run.
	SetShuttingDown()
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Watchdog.StreamGrace)
	defer cancel()
	_ = pipe.Wait(drainCtx)

	return err
}

type SuperviseCmd struct {
	DataDir string `help:"Directory for guardian state and crash logs." default:"." type:"existingdir"`
}

func (c *SuperviseCmd) Run() error {
	initLogging(cli.LogLevel)
	return supervisor.New(c.DataDir, nil).Run()
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("aurabot", version)
	return nil
}

// exitCode maps a command error to the process exit code. A requested restart
// uses the code the guardian treats as "restart quickly"; everything else that
// fails exits 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, session.ErrRestartRequested):
		L_warn("exiting for requested restart")
		return supervisor.ExitRestartRequested
	default:
		L_error("fatal", "error", err)
		return 1
	}
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("aurabot"),
		kong.Description("Persona-driven Telegram companion bot."),
		kong.UsageOnError(),
	)
	os.Exit(exitCode(ctx.Run()))
}
