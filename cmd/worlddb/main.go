// Command worlddb inspects and repairs world database directories offline.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/andreyvit/worlddb"
)

var (
	Version   = "development"
	BuildTime = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "worlddb: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "worlddb",
		Usage:   "inspect and recover world database directories",
		Version: fmt.Sprintf("%s.%s", Version, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON config file providing the database directory",
				EnvVars: []string{"WORLDDB_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "database directory (overrides the config)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log at debug level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "inspect",
				Usage:  "print a summary of the database files",
				Action: inspect,
			},
			{
				Name:   "recover",
				Usage:  "finish or discard an interrupted save pass",
				Action: recoverDB,
			},
		},
	}
}

func databaseDir(c *cli.Context) (string, error) {
	if dir := c.String("dir"); dir != "" {
		return dir, nil
	}
	if path := c.String("config"); path != "" {
		cfg, err := worlddb.LoadConfig(path)
		if err != nil {
			return "", err
		}
		return cfg.Dir, nil
	}
	return "", cli.Exit("either --dir or --config is required", 2)
}

func logger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func inspect(c *cli.Context) error {
	dir, err := databaseDir(c)
	if err != nil {
		return err
	}
	ins, err := worlddb.Inspect(dir)
	if err != nil {
		return err
	}
	ins.Print(c.App.Writer)
	if ins.State != worlddb.UpToDate {
		fmt.Fprintf(c.App.Writer, "needs recovery: run `worlddb recover`\n")
	}
	return nil
}

func recoverDB(c *cli.Context) error {
	dir, err := databaseDir(c)
	if err != nil {
		return err
	}
	res, err := worlddb.Recover(dir, logger(c))
	if err != nil {
		return err
	}
	switch {
	case res.Replayed:
		fmt.Fprintf(c.App.Writer, "replayed interrupted commit from %s: %d files, %d chunks, %d bytes\n", res.PriorState, res.Files, res.Chunks, res.Bytes)
	case res.PriorState != worlddb.UpToDate:
		fmt.Fprintf(c.App.Writer, "discarded interrupted save pass (%s)\n", res.PriorState)
	default:
		fmt.Fprintf(c.App.Writer, "database is up to date\n")
	}
	return nil
}
