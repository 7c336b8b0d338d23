// cartctl keeps a guest cart on disk and reconciles it with the authenticated cart when a
// user signs in. Each command performs a single operation so it composes in scripts.
//
// Commands:
//
//	cartctl show   [-dir DIR]
//	cartctl add    [-dir DIR] -product ID [-qty N] [-var key=value ...]
//	cartctl update [-dir DIR] -key LINEKEY -qty N
//	cartctl remove [-dir DIR] -key LINEKEY
//	cartctl clear  [-dir DIR]
//	cartctl login  [-dir DIR] -api URL -uid UID -token TOKEN [-action current|previous|merge]
//
// login exits with status 3 when the carts conflict and no -action was given.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mobishop/api/internal/cartapi"
	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/guestcart"
	"github.com/mobishop/api/internal/platform/observability"
	"github.com/mobishop/api/internal/reconcile"
)

const exitConflict = 3

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "show":
		err = runShow(args)
	case "add":
		err = runAdd(args)
	case "update":
		err = runUpdate(args)
	case "remove":
		err = runRemove(args)
	case "clear":
		err = runClear(args)
	case "login":
		err = runLogin(args)
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	var exit *exitError
	switch {
	case errors.As(err, &exit):
		fmt.Fprintln(os.Stderr, exit.msg)
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintf(os.Stderr, "cartctl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `cartctl - guest cart and sign-in reconciliation tool

Usage:
  cartctl <command> [options]

Commands:
  show     Print the guest cart
  add      Add a product to the guest cart
  update   Set the quantity of a guest cart line
  remove   Remove a guest cart line
  clear    Empty the guest cart
  login    Sign in and reconcile the guest cart with the saved cart

Run 'cartctl <command> -h' for command options.
`)
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type commonFlags struct {
	dir     string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	common := &commonFlags{}
	fs.StringVar(&common.dir, "dir", defaultDir(), "directory holding the guest cart")
	fs.BoolVar(&common.verbose, "v", false, "verbose logging to stderr")
	return fs, common
}

func defaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cartctl")
	}
	return ".cartctl"
}

func (c *commonFlags) logger() *zap.Logger {
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(observability.WithLevel(level), observability.WithOutputPaths("stderr"))
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("cartctl")
}

func (c *commonFlags) openStore(logger *zap.Logger) (*guestcart.Store, error) {
	storage, err := guestcart.NewFileStorage(c.dir)
	if err != nil {
		return nil, err
	}
	return guestcart.NewStore(storage, guestcart.WithLogger(logger)), nil
}

func runShow(args []string) error {
	fs, common := newFlagSet("show")
	_ = fs.Parse(args)
	store, err := common.openStore(common.logger())
	if err != nil {
		return err
	}
	return printLines(store.Read())
}

func runAdd(args []string) error {
	fs, common := newFlagSet("add")
	product := fs.String("product", "", "product id (required)")
	qty := fs.Int("qty", 1, "quantity to add")
	variation := domain.Variation{}
	fs.Func("var", "variation attribute key=value (repeatable)", func(raw string) error {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("expected key=value, got %q", raw)
		}
		variation[strings.TrimSpace(key)] = parseVariationValue(value)
		return nil
	})
	_ = fs.Parse(args)

	store, err := common.openStore(common.logger())
	if err != nil {
		return err
	}
	if len(variation) == 0 {
		variation = nil
	}
	lines, err := store.Add(*product, *qty, variation)
	if err != nil {
		return err
	}
	return printLines(lines)
}

// parseVariationValue keeps numbers and booleans typed so price and stock attributes behave
// like the ones clients send.
func parseVariationValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		switch value.(type) {
		case float64, bool:
			return value
		}
	}
	return raw
}

func runUpdate(args []string) error {
	fs, common := newFlagSet("update")
	key := fs.String("key", "", "line key or product id (required)")
	qty := fs.Int("qty", 0, "new quantity (required, at least 1)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*key) == "" || *qty < 1 {
		return errors.New("-key and a -qty of at least 1 are required")
	}

	store, err := common.openStore(common.logger())
	if err != nil {
		return err
	}
	lines, err := store.UpdateQuantity(*key, *qty)
	if err != nil {
		return err
	}
	return printLines(lines)
}

func runRemove(args []string) error {
	fs, common := newFlagSet("remove")
	key := fs.String("key", "", "line key or product id (required)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*key) == "" {
		return errors.New("-key is required")
	}

	store, err := common.openStore(common.logger())
	if err != nil {
		return err
	}
	lines, err := store.Remove(*key)
	if err != nil {
		return err
	}
	return printLines(lines)
}

func runClear(args []string) error {
	fs, common := newFlagSet("clear")
	_ = fs.Parse(args)
	store, err := common.openStore(common.logger())
	if err != nil {
		return err
	}
	return store.Clear()
}

func runLogin(args []string) error {
	fs, common := newFlagSet("login")
	apiURL := fs.String("api", "http://localhost:8080", "API base URL")
	uid := fs.String("uid", "", "signed-in user id (required)")
	token := fs.String("token", os.Getenv("CARTCTL_ID_TOKEN"), "Firebase ID token (defaults to $CARTCTL_ID_TOKEN)")
	action := fs.String("action", "", "resolution applied when carts conflict: current, previous or merge")
	timeout := fs.Duration("timeout", 10*time.Second, "per-call timeout")
	_ = fs.Parse(args)
	if strings.TrimSpace(*uid) == "" || strings.TrimSpace(*token) == "" {
		return errors.New("-uid and -token are required")
	}

	logger := common.logger()
	defer func() { _ = logger.Sync() }()

	store, err := common.openStore(logger)
	if err != nil {
		return err
	}
	client, err := cartapi.NewClient(*apiURL, cartapi.WithTimeout(*timeout))
	if err != nil {
		return err
	}
	reconciler, err := reconcile.New(reconcile.Config{
		Guest:   store,
		API:     client,
		Logger:  logger,
		Timeout: *timeout,
	})
	if err != nil {
		return err
	}
	cancel := reconciler.Subscribe(func(s reconcile.Snapshot) {
		logger.Debug("cart state", zap.Stringer("state", s.State), zap.Int("count", s.Count))
	})
	defer cancel()

	ctx := context.Background()
	reconciler.IdentityChanged(ctx, reconcile.Identity{UID: *uid, Tokens: cartapi.StaticToken(*token)})

	snapshot := reconciler.Snapshot()
	if snapshot.State == reconcile.StateAwaitingDecision {
		if *action == "" {
			return &exitError{
				code: exitConflict,
				msg: fmt.Sprintf("saved cart has %d line(s) and guest cart has %d; rerun with -action current|previous|merge",
					snapshot.Conflict.SavedCount, snapshot.Conflict.GuestCount),
			}
		}
		if err := reconciler.Resolve(ctx, domain.MergeAction(*action)); err != nil {
			return err
		}
		snapshot = reconciler.Snapshot()
	}

	if snapshot.State == reconcile.StateDegraded {
		fmt.Fprintf(os.Stderr, "cart service unreachable, guest cart kept: %v\n", snapshot.Err)
	}
	fmt.Printf("%s\t%d\n", snapshot.State, snapshot.Count)
	return nil
}

func printLines(lines []domain.CartLine) error {
	total := 0
	for _, line := range lines {
		variation := ""
		if len(line.Variation) > 0 {
			raw, err := json.Marshal(line.Variation)
			if err != nil {
				return err
			}
			variation = string(raw)
		}
		fmt.Printf("%s\t%d\t%s\n", line.Key(), line.Quantity, variation)
		total += line.Quantity
	}
	fmt.Printf("total\t%d\n", total)
	return nil
}
