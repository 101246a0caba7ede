package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var version = "dev"

var (
	logger      = log.Default.WithNames("pico-gate").FilterLevel(log.Info)
	debugLogger = logger.FilterLevel(log.Debug)
)

// debugEnabled is an atomic boolean for thread-safe debug toggle
var debugEnabled atomic.Bool

// Hot path callers should check debugEnabled.Load() first
// to avoid expensive argument evaluation.
func debug(format string, v ...any) {
	if debugEnabled.Load() {
		debugLogger.Levelf(log.Debug, format, v...)
	}
}

func info(format string, v ...any) {
	logger.Levelf(log.Info, format, v...)
}

func warn(format string, v ...any) {
	logger.Levelf(log.Warning, format, v...)
}

func errorLog(format string, v ...any) {
	logger.Levelf(log.Error, format, v...)
}

const envPrefix = "PICO_GATE__"

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Usage:  "path to the YAML config file",
		EnvVar: envPrefix + "CONFIG",
		Value:  "pico-gate.yaml",
	},
	cli.BoolFlag{
		Name:   "debug, d",
		Usage:  "enable debug logs",
		EnvVar: "DEBUG",
	},
	cli.StringFlag{
		Name:   "http-addr",
		Usage:  "HTTP announce address",
		EnvVar: envPrefix + "HTTP_ADDR",
	},
	cli.StringFlag{
		Name:   "command-addr",
		Usage:  "command listener address",
		EnvVar: envPrefix + "COMMAND_ADDR",
	},
	cli.StringFlag{
		Name:   "passkey-file",
		Usage:  "file with one passkey per line",
		EnvVar: envPrefix + "PASSKEY_FILE",
	},
	cli.StringFlag{
		Name:   "passkey-db",
		Usage:  "bbolt passkey database",
		EnvVar: envPrefix + "PASSKEY_DB",
	},
	cli.StringFlag{
		Name:   "backend-addr",
		Usage:  "accounting backend host:port",
		EnvVar: envPrefix + "BACKEND_ADDR",
	},
	cli.StringFlag{
		Name:   "secret, s",
		Usage:  "secret key for signing backend reports",
		EnvVar: envPrefix + "SECRET",
	},
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "pico-gate"
	app.Usage = "Private BitTorrent tracker gate (HTTP)"
	app.Version = version
	app.Flags = globalFlags
	app.Before = func(c *cli.Context) error {
		debugEnabled.Store(c.Bool("debug"))
		return nil
	}
	app.Action = serveAction
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the tracker (default)",
			Action: serveAction,
		},
		{
			Name:  "passkey",
			Usage: "manage the passkey database",
			Subcommands: []cli.Command{
				{
					Name:      "add",
					Usage:     "add or update an account passkey",
					ArgsUsage: "<passkey>",
					Flags: []cli.Flag{
						cli.Uint64Flag{Name: "role", Usage: "role bits, bit 1 allows announcing", Value: roleActive},
					},
					Action: passkeyAddAction,
				},
				{
					Name:      "remove",
					Usage:     "remove an account passkey",
					ArgsUsage: "<passkey>",
					Action:    passkeyRemoveAction,
				},
				{
					Name:   "list",
					Usage:  "list every account passkey",
					Action: passkeyListAction,
				},
			},
		},
		{
			Name:      "announce",
			Usage:     "send one command to a running command listener",
			ArgsUsage: "<torrent_id> <user_id> <ipv4|none> <ipv6|none> <port> [numwant] [event]",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
			},
			Action: announceAction,
		},
	}
	return app
}

// flagValue returns a string flag set on the command line or in the
// environment, looking through the command and then the global flags.
func flagValue(c *cli.Context, name string) (string, bool) {
	if c.IsSet(name) {
		return c.String(name), true
	}
	if c.GlobalIsSet(name) {
		return c.GlobalString(name), true
	}
	return "", false
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig(c *cli.Context) (*Config, error) {
	path, ok := flagValue(c, "config")
	if !ok {
		if path = c.String("config"); path == "" {
			path = c.GlobalString("config")
		}
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"http-addr":    &cfg.HTTPAddr,
		"command-addr": &cfg.CommandAddr,
		"passkey-file": &cfg.PasskeyFile,
		"passkey-db":   &cfg.PasskeyDB,
		"backend-addr": &cfg.BackendAddr,
		"secret":       &cfg.Secret,
	}
	for name, dst := range overrides {
		if v, ok := flagValue(c, name); ok {
			*dst = v
		}
	}
	if cfg.Debug {
		debugEnabled.Store(true)
	}
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	srv, err := NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := setupSignalHandling()
	defer stop()
	return srv.Run(ctx)
}

func openPasskeyDB(c *cli.Context) (*BoltPasskeys, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if cfg.PasskeyDB == "" {
		return nil, errors.New("passkey_db is not configured")
	}
	return OpenBoltPasskeys(cfg.PasskeyDB)
}

func passkeyAddAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected exactly one passkey", 2)
	}
	db, err := openPasskeyDB(c)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Put(c.Args().First(), c.Uint64("role"))
}

func passkeyRemoveAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected exactly one passkey", 2)
	}
	db, err := openPasskeyDB(c)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Delete(c.Args().First())
}

func passkeyListAction(c *cli.Context) error {
	db, err := openPasskeyDB(c)
	if err != nil {
		return err
	}
	defer db.Close()
	entries, err := db.List()
	if err != nil {
		return err
	}
	active := 0
	w := bufio.NewWriter(c.App.Writer)
	for _, e := range entries {
		state := "inactive"
		if e.Active() {
			state = "active"
			active++
		}
		fmt.Fprintf(w, "%s\t%#x\t%s\n", e.Passkey, e.Role, state)
	}
	fmt.Fprintf(w, "%s accounts, %s active\n", humanize.Comma(int64(len(entries))), humanize.Comma(int64(active)))
	return w.Flush()
}

func announceAction(c *cli.Context) error {
	args := []string(c.Args())
	if _, err := parseAnnounceArgs(args); err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	timeout := c.Duration("timeout")
	conn, err := net.DialTimeout("tcp", cfg.CommandAddr, timeout)
	if err != nil {
		return errors.Wrap(err, "dial command listener")
	}
	defer conn.Close()
	//nolint:errcheck // Deadline errors surface on the next read or write
	conn.SetDeadline(time.Now().Add(timeout))

	line := commandAnnounce + " " + strings.Join(args, " ") + "\n"
	if _, err := conn.Write([]byte(line)); err != nil {
		return errors.Wrap(err, "send command")
	}
	reply, err := readCommandReply(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	if reply.Failure != "" {
		return cli.NewExitError("tracker: "+reply.Failure, 1)
	}

	peers := decodeCompactPeers(reply.Peers, reply.Peers6)
	fmt.Fprintf(c.App.Writer, "interval %ds, %d peers\n", reply.Interval, len(peers))
	for _, p := range peers {
		fmt.Fprintln(c.App.Writer, p)
	}
	return nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		errorLog("%v", err)
		os.Exit(1)
	}
}
