// Command ledger inspects a LevelDB audit chain offline. The server holds
// an exclusive lock on the database, so run it against a stopped instance
// or a copy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/mesikahq/medvault/internal/config"
	"github.com/mesikahq/medvault/internal/ledger"
)

const usage = `usage: ledger [-path DIR] <verify | dump [-from N] [-limit N] | lookup HASH>`

func main() {
	_ = godotenv.Load()

	path := flag.String("path", "", "LevelDB directory (defaults to ledger.path from config)")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	dir := *path
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		dir = cfg.Ledger.Path
	}

	store, err := ledger.OpenLevelDBStore(dir)
	if err != nil {
		log.Fatalf("Failed to open ledger at %s: %v", dir, err)
	}
	defer store.Close()

	ctx := context.Background()
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "verify":
		ok, err := verify(ctx, store, os.Stdout)
		if err != nil {
			log.Fatalf("verify: %v", err)
		}
		if !ok {
			store.Close()
			os.Exit(1)
		}
	case "dump":
		fs := flag.NewFlagSet("dump", flag.ExitOnError)
		from := fs.Int("from", 0, "first block index")
		limit := fs.Int("limit", 100, "maximum blocks to print")
		_ = fs.Parse(args)
		if err := dump(ctx, store, *from, *limit, os.Stdout); err != nil {
			log.Fatalf("dump: %v", err)
		}
	case "lookup":
		if len(args) != 1 {
			flag.Usage()
			os.Exit(2)
		}
		if err := lookup(ctx, store, args[0], os.Stdout); err != nil {
			log.Fatalf("lookup: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func verify(ctx context.Context, store ledger.Store, w io.Writer) (bool, error) {
	report, err := ledger.VerifyStore(ctx, store)
	if err != nil {
		return false, err
	}
	if report.Valid {
		fmt.Fprintf(w, "chain valid: %d blocks\n", report.Blocks)
		return true, nil
	}
	fmt.Fprintf(w, "chain INVALID at block %d: %s\n", report.FirstInvalid, report.Reason)
	return false, nil
}

// dump writes one JSON object per block.
func dump(ctx context.Context, store ledger.Store, from, limit int, w io.Writer) error {
	blocks, err := store.Range(ctx, from, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, b := range blocks {
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	return nil
}

// lookup prints the block indexed under hash after checking that the block
// stored at its index carries the same hash.
func lookup(ctx context.Context, store *ledger.LevelDBStore, hash string, w io.Writer) error {
	b, err := store.GetByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("block %s: %w", hash, err)
	}
	at, err := store.Get(ctx, b.Index)
	if err != nil {
		return fmt.Errorf("block %d: %w", b.Index, err)
	}
	if at.BlockHash != hash {
		return fmt.Errorf("hash index disagrees with block %d", b.Index)
	}
	return json.NewEncoder(w).Encode(b)
}
