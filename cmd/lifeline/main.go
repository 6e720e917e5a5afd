// Command lifeline runs the gateway control plane.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/sevlyar/go-daemon"
	"golang.org/x/term"

	"github.com/roelfdiedericks/lifeline/internal/auth"
	"github.com/roelfdiedericks/lifeline/internal/bus"
	"github.com/roelfdiedericks/lifeline/internal/channels"
	"github.com/roelfdiedericks/lifeline/internal/config"
	"github.com/roelfdiedericks/lifeline/internal/gateway"
	lhttp "github.com/roelfdiedericks/lifeline/internal/http"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/paths"
	"github.com/roelfdiedericks/lifeline/internal/supervisor"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

// Globals are flags shared by every command.
type Globals struct {
	Config   string `short:"c" help:"Config file (default: $LIFELINE_CONFIG, ./lifeline.yaml, ~/.lifeline/lifeline.yaml)."`
	EnvFile  string `name:"env-file" help:"Environment file loaded before the config." default:".env"`
	LogLevel string `name:"log-level" help:"trace|debug|info|warn|error, overrides logging.level."`
	Debug    bool   `help:"Shorthand for --log-level=debug with caller info."`
}

type CLI struct {
	Globals

	Gateway      GatewayCmd      `cmd:"" default:"1" help:"Run the gateway control plane."`
	Supervise    SuperviseCmd    `cmd:"" help:"Run the gateway under the crash-restart supervisor."`
	ConfigTools  ConfigCmd       `cmd:"" name:"config" help:"Configuration tools."`
	HashPassword HashPasswordCmd `cmd:"" name:"hash-password" help:"Print a bcrypt hash for channels.websocket.users."`
	Version      VersionCmd      `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("lifeline"),
		kong.Description("Out-of-band control plane for an AI agent gateway."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// openConfig loads the env file and the config document, then initializes
// logging from it.
func (g *Globals) openConfig(b *bus.Bus) (*config.Store, error) {
	Init(&Config{Level: LevelInfo, TimeFormat: "15:04:05", ShowCaller: g.Debug})
	if err := godotenv.Load(g.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		L_warn("lifeline: env file not loaded", "path", g.EnvFile, "error", err)
	}

	path, err := paths.ConfigPath(g.Config)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = bus.New()
	}
	store, err := config.Open(path, b)
	if err != nil {
		return nil, err
	}

	cfg := store.Snapshot()
	logCfg := &Config{Level: ParseLevel(cfg.Logging.Level), TimeFormat: "15:04:05", ShowCaller: g.Debug}
	if g.LogLevel != "" {
		logCfg.Level = ParseLevel(g.LogLevel)
	}
	if g.Debug {
		logCfg.Level = LevelDebug
	}
	if cfg.Logging.File != "" {
		f, err := openLogFile(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		logCfg.Output = f
	}
	Init(logCfg)
	return store, nil
}

func openLogFile(path string) (io.Writer, error) {
	path, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

type GatewayCmd struct{}

func (c *GatewayCmd) Run(g *Globals) error {
	b := bus.New()
	store, err := g.openConfig(b)
	if err != nil {
		return err
	}
	L_info("lifeline: starting", "version", version, "config", store.Path(), "supervised", supervisor.Supervised())

	gw, err := gateway.New(store, b, gateway.Options{})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return err
	}
	mgr := channels.NewManager(gw, channels.Options{})
	mgr.StartAll(ctx)

	cfg := store.Snapshot()
	var srv *lhttp.Server
	if cfg.Gateway.HTTPListen != "" {
		srv = lhttp.NewServer(lhttp.ServerConfig{
			Listen:        cfg.Gateway.HTTPListen,
			WebSocketPath: cfg.Channels.WebSocket.Path,
			WebSocket:     mgr.WebSocket(),
			Metrics:       gw.Metrics,
		}, mgr.Challenge(), gw.Status)
		if err := srv.Start(); err != nil {
			L_error("lifeline: http server not started", "error", err)
			srv = nil
		}
	}

	L_info("lifeline: ready")
	<-ctx.Done()
	SetShuttingDown()
	L_info("lifeline: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			L_warn("lifeline: http shutdown", "error", err)
		}
	}
	mgr.StopAll()
	return gw.Shutdown(shutdownCtx)
}

type SuperviseCmd struct {
	Daemon bool `help:"Detach and run in the background." short:"d"`
}

func (c *SuperviseCmd) Run(g *Globals) error {
	store, err := g.openConfig(nil)
	if err != nil {
		return err
	}
	dataDir, err := paths.ExpandTilde(store.Snapshot().Gateway.DataDir)
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(dataDir); err != nil {
		return err
	}

	if c.Daemon {
		dctx := &daemon.Context{
			PidFileName: filepath.Join(dataDir, "supervisor.pid"),
			PidFilePerm: 0o644,
			LogFileName: filepath.Join(dataDir, "supervisor.log"),
			LogFilePerm: 0o640,
			WorkDir:     "/",
			Umask:       0o027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("lifeline supervisor started (pid %d)\n", child.Pid)
			return nil
		}
		defer func() { _ = dctx.Release() }()
	}

	args := []string{"--config", store.Path()}
	if g.EnvFile != "" {
		if abs, err := filepath.Abs(g.EnvFile); err == nil {
			args = append(args, "--env-file", abs)
		}
	}
	if g.LogLevel != "" {
		args = append(args, "--log-level", g.LogLevel)
	}
	if g.Debug {
		args = append(args, "--debug")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return supervisor.New(dataDir, args...).Run(ctx)
}

type ConfigCmd struct {
	Check   ConfigCheckCmd   `cmd:"" help:"Validate the config file."`
	Backups ConfigBackupsCmd `cmd:"" help:"List saved versions of the config file."`
	Restore ConfigRestoreCmd `cmd:"" help:"Restore a saved version of the config file."`
}

type ConfigCheckCmd struct{}

func (c *ConfigCheckCmd) Run(g *Globals) error {
	store, err := g.openConfig(nil)
	if err != nil {
		return err
	}
	cfg := store.Snapshot()
	fmt.Printf("%s: OK (%d providers, priority %s)\n",
		store.Path(), len(cfg.LLM.Providers), strings.Join(cfg.LLM.Ordered(), " > "))
	return nil
}

type ConfigBackupsCmd struct{}

func (c *ConfigBackupsCmd) Run(g *Globals) error {
	path, err := paths.ConfigPath(g.Config)
	if err != nil {
		return err
	}
	backups := config.ListBackups(path)
	if len(backups) == 0 {
		fmt.Printf("%s: no backups\n", path)
		return nil
	}
	for _, b := range backups {
		fmt.Printf("%2d  %s  %6d bytes  %s\n", b.Index, b.ModTime.Format("2006-01-02 15:04:05"), b.Size, b.Path)
	}
	return nil
}

type ConfigRestoreCmd struct {
	Index int `arg:"" help:"Backup index from 'config backups' (0 is the newest)."`
}

func (c *ConfigRestoreCmd) Run(g *Globals) error {
	path, err := paths.ConfigPath(g.Config)
	if err != nil {
		return err
	}
	if err := config.RestoreBackup(path, c.Index); err != nil {
		return err
	}
	fmt.Printf("%s: restored backup %d; a running gateway picks it up on /config reload\n", path, c.Index)
	return nil
}

type HashPasswordCmd struct{}

func (c *HashPasswordCmd) Run() error {
	password, err := readPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// readPassword prompts twice on a terminal and reads one line otherwise.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(os.Stderr, "Again: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("lifeline", version)
	return nil
}
