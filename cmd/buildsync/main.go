package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gamenest/buildsync/internal/api"
	"github.com/gamenest/buildsync/internal/auth"
	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/bus"
	"github.com/gamenest/buildsync/internal/config"
	"github.com/gamenest/buildsync/internal/devbus"
	"github.com/gamenest/buildsync/internal/health"
	"github.com/gamenest/buildsync/internal/livesync"
	"github.com/gamenest/buildsync/internal/logging"
	"github.com/gamenest/buildsync/internal/mirror"
	"github.com/gamenest/buildsync/internal/render"
	"github.com/gamenest/buildsync/internal/version"
)

const usage = `usage: buildsync <command> [flags]

commands:
  watch    follow a game's builds live until interrupted
  builds   list a game's builds
  latest   show a game's latest successful build
  mirror   show a game's builds as mirrored in Redis
  devbus   run a local broker and build API for development
  version  print version information
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(os.Args[2:])
	case "builds":
		err = runBuilds(os.Args[2:])
	case "latest":
		err = runLatest(os.Args[2:])
	case "mirror":
		err = runMirror(os.Args[2:])
	case "devbus":
		err = runDevBus(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Println(version.String())
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every command that talks to the build service.
type commonFlags struct {
	game       int64
	configPath string
	dev        bool
	token      string
	endpoint   string
	apiURL     string
}

func addCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.Int64Var(&c.game, "game", 0, "game id")
	fs.StringVar(&c.configPath, "config", "", "path to config.toml")
	fs.BoolVar(&c.dev, "dev", false, "use development defaults (local devbus)")
	fs.StringVar(&c.token, "token", "", "bearer token (default: $GAMENEST_TOKEN or the token file)")
	fs.StringVar(&c.endpoint, "endpoint", "", "override the STOMP WebSocket endpoint")
	fs.StringVar(&c.apiURL, "api", "", "override the REST API base URL")
	return c
}

func (c *commonFlags) load() (*config.Config, error) {
	if c.game <= 0 {
		return nil, errors.New("--game is required")
	}
	cfg, err := config.Load(c.configPath, c.dev)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		cfg.Auth.Token = c.token
	}
	if c.endpoint != "" {
		cfg.Bus.Endpoint = c.endpoint
	}
	if c.apiURL != "" {
		cfg.API.Endpoint = c.apiURL
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tokenSource(cfg *config.Config) auth.Source {
	return auth.Source{Token: cfg.Auth.Token, Env: cfg.Auth.TokenEnv, File: cfg.Auth.TokenFile}
}

// resolveToken finds the token and refuses one that has already expired.
func resolveToken(cfg *config.Config) (string, error) {
	token, err := tokenSource(cfg).Resolve()
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return "", fmt.Errorf("%w: pass --token or set $%s", err, cfg.Auth.TokenEnv)
		}
		return "", err
	}
	if err := auth.Check(token, time.Now()); err != nil {
		return "", err
	}
	return token, nil
}

func newClient(cfg *config.Config, token string) *api.Client {
	return api.NewClient(cfg.API.Endpoint, cfg.API.Timeout.Std()).WithToken(token)
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addCommon(fs)
	format := fs.String("format", "text", "format of the final table: text, json or yaml")
	redisAddr := fs.String("redis", "", "mirror builds into this Redis server")
	fs.Parse(args)

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if *redisAddr != "" {
		cfg.Mirror.RedisAddr = *redisAddr
	}
	f, err := render.ParseFormat(*format)
	if err != nil {
		return err
	}

	logFile, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	token, err := resolveToken(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A devbus started alongside may still be binding its port.
	if cfg.Dev {
		if err := health.Wait(ctx, cfg.API.Endpoint, 10*time.Second, 250*time.Millisecond, ""); err != nil {
			return err
		}
	}

	sync := livesync.New(livesync.Config{
		Source: newClient(cfg, token),
		Dialer: livesync.BusDialer{Options: bus.Options{
			Endpoint:          cfg.Bus.Endpoint,
			HeartbeatOutgoing: cfg.Bus.HeartbeatOutgoing.Std(),
			HeartbeatIncoming: cfg.Bus.HeartbeatIncoming.Std(),
			ConnectTimeout:    cfg.Bus.ConnectTimeout.Std(),
			ReadLimit:         cfg.Bus.ReadLimit,
		}},
		Backoff: livesync.Backoff{
			Delay:       cfg.Bus.ReconnectDelay.Std(),
			MaxDelay:    cfg.Bus.ReconnectMaxDelay.Std(),
			MaxAttempts: cfg.Bus.ReconnectMaxAttempts,
		},
		StatePath: cfg.State.Path,
	})

	conn, err := sync.Watch(ctx, cf.game, token)
	if err != nil {
		sync.Close()
		return err
	}
	log.Printf("%s watching game %d (pid=%d)", version.String(), cf.game, os.Getpid())

	printer := logging.NewBuildPrinter(cf.game, os.Stdout)
	printer.Log("%d builds loaded", sync.Store().Len())
	if latest, ok := sync.Store().LatestSuccess(); ok {
		printer.Log("latest successful build #%d %s", latest.ID, latest.Path)
	} else {
		printer.Log("no successful build yet")
	}

	changes, unsubscribe := sync.Changes(cf.game)
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ch := range changes {
			printChange(printer, ch)
		}
	}()

	mirrorDone := startMirror(cfg, sync, cf.game)

	mon := auth.NewMonitor(tokenSource(cfg), cfg.Auth.CheckInterval.Std())
	mon.Start()
	defer mon.Stop()

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("shutting down...")
	case err := <-mon.Expired():
		runErr = err
	case <-conn.Done():
		if conn.State() == livesync.StateFailed {
			runErr = fmt.Errorf("could not reach %s", cfg.Bus.Endpoint)
		}
	}

	// Closing the synchronizer closes both feeds; wait for them to drain.
	if err := sync.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	<-printed
	<-mirrorDone
	if n := sync.DroppedChanges(); n > 0 {
		log.Printf("watch: %d changes were dropped by slow consumers (terminal or mirror)", n)
	}

	list := sync.Store().List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	fmt.Println()
	if err := render.Builds(os.Stdout, f, list); err != nil {
		return err
	}
	return runErr
}

func printChange(p *logging.BuildPrinter, ch livesync.Change) {
	switch ch.Kind {
	case livesync.BuildUpdated:
		p.Status(ch.Build.ID, ch.Build.Status.Label())
		if ch.Build.Status == builds.StatusSuccess && ch.Build.Path != "" {
			p.Line(ch.Build.ID, "artifact: "+ch.Build.Path)
		}
	case livesync.LogAppended:
		p.Line(ch.Build.ID, ch.Line)
	}
}

// startMirror copies the change feed into Redis when a mirror is configured.
// The returned channel closes once the mirror has drained.
func startMirror(cfg *config.Config, sync *livesync.Synchronizer, gameID int64) <-chan struct{} {
	done := make(chan struct{})
	if cfg.Mirror.RedisAddr == "" {
		close(done)
		return done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sink, err := mirror.Dial(ctx, cfg.Mirror.RedisAddr, cfg.Mirror.RedisDB, cfg.Mirror.TTL.Std())
	cancel()
	if err != nil {
		log.Printf("mirror: disabled: %v", err)
		close(done)
		return done
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, feed, _, err := sync.Follow(ctx, gameID)
	if err != nil {
		log.Printf("mirror: disabled: %v", err)
		sink.Close()
		close(done)
		return done
	}
	if err := sink.Seed(ctx, gameID, list); err != nil {
		log.Printf("%v", err)
	}

	go func() {
		defer close(done)
		defer sink.Close()
		sink.Run(context.Background(), feed)
	}()
	log.Printf("mirror: writing to redis %s db %d", cfg.Mirror.RedisAddr, cfg.Mirror.RedisDB)
	return done
}

func runBuilds(args []string) error {
	fs := flag.NewFlagSet("builds", flag.ExitOnError)
	cf := addCommon(fs)
	format := fs.String("format", "text", "output format: text, json or yaml")
	offline := fs.Bool("offline", false, "read the saved state file instead of calling the API")
	fs.Parse(args)

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	f, err := render.ParseFormat(*format)
	if err != nil {
		return err
	}

	var list []builds.Build
	if *offline {
		if cfg.State.Path == "" {
			return errors.New("--offline needs state.path in the config")
		}
		list, err = builds.LoadSnapshot(cfg.State.Path)
	} else {
		var token string
		if token, err = resolveToken(cfg); err != nil {
			return err
		}
		list, err = newClient(cfg, token).Builds(context.Background(), cf.game)
	}
	if err != nil {
		return err
	}
	return render.Builds(os.Stdout, f, list)
}

func runLatest(args []string) error {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	cf := addCommon(fs)
	format := fs.String("format", "text", "output format: text, json or yaml")
	fs.Parse(args)

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	f, err := render.ParseFormat(*format)
	if err != nil {
		return err
	}
	token, err := resolveToken(cfg)
	if err != nil {
		return err
	}

	b, err := newClient(cfg, token).LatestSuccess(context.Background(), cf.game)
	if errors.Is(err, api.ErrNotFound) {
		fmt.Printf("game %d has no successful build\n", cf.game)
		return nil
	}
	if err != nil {
		return err
	}
	return render.Build(os.Stdout, f, *b)
}

func runMirror(args []string) error {
	fs := flag.NewFlagSet("mirror", flag.ExitOnError)
	cf := addCommon(fs)
	format := fs.String("format", "text", "output format: text, json or yaml")
	redisAddr := fs.String("redis", "", "Redis server (default: mirror.redis_addr)")
	buildID := fs.Int64("build", 0, "show one build with its logs")
	fs.Parse(args)

	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if *redisAddr != "" {
		cfg.Mirror.RedisAddr = *redisAddr
	}
	if cfg.Mirror.RedisAddr == "" {
		return errors.New("no mirror configured: pass --redis or set mirror.redis_addr")
	}
	f, err := render.ParseFormat(*format)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, err := mirror.Dial(ctx, cfg.Mirror.RedisAddr, cfg.Mirror.RedisDB, cfg.Mirror.TTL.Std())
	if err != nil {
		return err
	}
	defer sink.Close()

	if *buildID > 0 {
		b, ok, err := sink.Build(ctx, *buildID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("build %d is not in the mirror\n", *buildID)
			return nil
		}
		return render.Build(os.Stdout, f, b)
	}

	list, err := sink.GameSnapshot(ctx, cf.game)
	if err != nil {
		return err
	}
	return render.Builds(os.Stdout, f, list)
}

func runDevBus(args []string) error {
	fs := flag.NewFlagSet("devbus", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	listen := fs.String("listen", "", "override listen address")
	secret := fs.String("secret", "", "override the token signing secret")
	mint := fs.Bool("mint", false, "print a signed token for this broker and exit")
	user := fs.String("user", "dev", "username claim for --mint")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime for --mint")
	fs.Parse(args)

	cfg, err := config.Load(*configPath, true)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.DevBus.Listen = *listen
	}
	if *secret != "" {
		cfg.DevBus.Secret = *secret
	}
	if cfg.DevBus.Secret == "" {
		return errors.New("devbus: a signing secret is required")
	}

	if *mint {
		token, err := auth.Mint([]byte(cfg.DevBus.Secret), *user, *ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	logFile, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	srv := devbus.New(devbus.Options{
		Listen:    cfg.DevBus.Listen,
		Secret:    []byte(cfg.DevBus.Secret),
		HeartBeat: cfg.Bus.HeartbeatOutgoing.Std(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return err
	}
	log.Printf("%s devbus started (pid=%d)", version.String(), os.Getpid())

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("devbus stopped")
	return nil
}
