package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

const usage = `Groupware client.

Usage:
    gwclient browse [options] [--folder=<entryid>] [--store=<entryid>]
    gwclient import [options] <file> [--folder=<entryid>] [--save]
    gwclient watch [options]
    gwclient login [options]
    gwclient logout [options]
    gwclient -h | --help
    gwclient --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    -c --config=<path>      Configuration file.
    --folder=<entryid>      Folder to browse or import into. Defaults to the configured inbox.
    --store=<entryid>       Message store of the folder.
    --save                  Upload the imported message.
    --metrics=<addr>        Serve Prometheus metrics on addr, e.g. :9090.
    -v --verbose            Log at debug level.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		logrus.WithError(err).Error("gwclient failed")
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	configPath, _ := opts.String("--config")
	verbose, _ := opts.Bool("--verbose")

	if login, _ := opts.Bool("login"); login {
		return runLogin(configPath)
	}

	env, err := newEnv(configPath, verbose)
	if err != nil {
		return err
	}
	defer env.Close()

	if addr, _ := opts.String("--metrics"); addr != "" {
		env.ServeMetrics(addr)
	}

	switch {
	case isSet(opts, "browse"):
		return runBrowse(env, folderScope(env, opts))
	case isSet(opts, "import"):
		file, _ := opts.String("<file>")
		save, _ := opts.Bool("--save")
		return runImport(env, folderScope(env, opts), file, save)
	case isSet(opts, "watch"):
		return runWatch(env)
	case isSet(opts, "logout"):
		return runLogout(env)
	}
	return nil
}

func isSet(opts docopt.Opts, command string) bool {
	v, _ := opts.Bool(command)
	return v
}

// scope identifies the folder a command works on.
type scope struct {
	FolderID string
	StoreID  string
}

func folderScope(env *env, opts docopt.Opts) scope {
	s := scope{
		FolderID: env.cfg.Account.InboxID,
		StoreID:  env.cfg.Account.StoreID,
	}
	if folder, _ := opts.String("--folder"); folder != "" {
		s.FolderID = folder
	}
	if store, _ := opts.String("--store"); store != "" {
		s.StoreID = store
	}
	return s
}
