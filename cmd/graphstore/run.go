package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	graphstore "github.com/nlstn/go-graphstore"
	"github.com/nlstn/go-graphstore/catalog"
	"github.com/nlstn/go-graphstore/internal/config"
	"github.com/nlstn/go-graphstore/internal/logging"
)

const usage = `usage:
  graphstore import [-mode writer-closure|writer-named|main-line] [-writer name] [-no-wait] <file>
  graphstore reset
  graphstore dump [-fingerprint]`

var errUsage = errors.New("usage")

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Import.Timeout)
	defer cancel()

	switch args[0] {
	case "import":
		return runImport(ctx, cfg, logger, args[1:], out)
	case "reset":
		return withStore(ctx, cfg, logger, func(s *graphstore.Store) error {
			return runReset(ctx, s, out)
		})
	case "dump":
		return runDump(ctx, cfg, logger, args[1:], out)
	default:
		return errUsage
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (*graphstore.Store, error) {
	model, err := catalog.Model()
	if err != nil {
		return nil, err
	}
	opts := append(cfg.Options(), graphstore.WithLogger(logger))
	return graphstore.Open(model, cfg.Store.Location(), opts...)
}

func withStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*graphstore.Store) error) error {
	s, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()
	if err := s.Ready(ctx); err != nil {
		return err
	}
	return fn(s)
}

func runImport(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	modeName := fs.String("mode", cfg.Import.Mode, "persistence mode")
	writer := fs.String("writer", cfg.Import.WriterName, "writer context name in writer-named mode")
	noWait := fs.Bool("no-wait", false, "return before the main context has merged the import")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	mode, err := graphstore.ParseMode(*modeName)
	if err != nil {
		return err
	}
	path := fs.Arg(0)

	batch, err := catalog.ReadBatchFile(path)
	if err != nil {
		return err
	}
	cmdLogger := logger.With("command", "import", "file", path)

	return withStore(ctx, cfg, logger, func(s *graphstore.Store) error {
		opts := []catalog.ImporterOption{
			catalog.WithWriterName(*writer),
			catalog.WithImportLogger(cmdLogger),
		}
		if *noWait {
			opts = append(opts, catalog.WithoutMergeWait())
		}
		report, err := catalog.NewImporter(s, opts...).Import(ctx, mode, batch)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "imported %d categories, %d products, %d carts, %d inventory items in %s (%s)\n",
			report.Categories, report.Products, report.Carts, report.InventoryItems,
			report.Duration.Round(time.Millisecond), report.Mode)
		for _, d := range report.Dropped {
			fmt.Fprintf(out, "  dropped category %q referenced by inventory item %q\n", d.CategoryID, d.InventoryID)
		}
		return nil
	})
}

func runReset(ctx context.Context, s *graphstore.Store, out io.Writer) error {
	counts, err := catalog.DeleteAll(ctx, s)
	if err != nil {
		return err
	}
	logging.WithFields(ctx, "command", "reset").Info("store reset")
	for _, entity := range catalog.DeleteOrder {
		fmt.Fprintf(out, "deleted %d %s\n", counts[entity], entity)
	}
	return nil
}

func runDump(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	onlyFingerprint := fs.Bool("fingerprint", false, "print only the graph fingerprint")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}

	return withStore(ctx, cfg, logger, func(s *graphstore.Store) error {
		g, err := catalog.LoadGraph(ctx, s.MainContext())
		if err != nil {
			return err
		}
		if *onlyFingerprint {
			fmt.Fprintln(out, g.Fingerprint())
			return nil
		}
		fmt.Fprint(out, g.String())

		rows := g.Rows()
		entities := make([]string, 0, len(rows))
		for entity := range rows {
			entities = append(entities, entity)
		}
		sort.Strings(entities)
		for _, entity := range entities {
			fmt.Fprintf(out, "# %s: %d\n", entity, rows[entity])
		}
		fmt.Fprintf(out, "# fingerprint: %s\n", g.Fingerprint())
		return nil
	})
}
