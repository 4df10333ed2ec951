package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/database"
	"github.com/snarg/audioscribe/internal/transcribe"
)

// defaultStaleAge is how long a record may sit in pending or processing
// before fix-stuck considers it abandoned.
const defaultStaleAge = time.Hour

const usage = `usage: scribecheck [command]

commands:
  (none)                 record counts by status
  fix-stuck [age] [apply]
                         fail records pending/processing for longer than age
                         (default 1h); dry run unless "apply" is given
`

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, dsn, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	args := os.Args[1:]
	if len(args) == 0 {
		if err := printCounts(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	switch args[0] {
	case "fix-stuck":
		age, apply, err := parseFixArgs(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
			os.Exit(2)
		}
		if err := fixStuck(ctx, db, age, apply); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		os.Exit(2)
	}
}

func printCounts(ctx context.Context, db *database.DB) error {
	counts, err := db.CountByStatus(ctx)
	if err != nil {
		return err
	}
	var total int64
	fmt.Println("Status                   Count")
	fmt.Println("─────────────────────────────────")
	for _, s := range database.Statuses {
		fmt.Printf("%-25s %d\n", s, counts[s])
		total += counts[s]
	}
	fmt.Printf("%-25s %d\n", "total", total)
	return nil
}

func fixStuck(ctx context.Context, db *database.DB, age time.Duration, apply bool) error {
	transcript := transcribe.ErrorPrefix + "abandoned after " + age.String() + " without a result"
	n, err := db.FailStale(ctx, age, transcript, apply)
	if err != nil {
		return err
	}
	if !apply {
		fmt.Printf("%d record(s) stuck for more than %s (dry run, pass \"apply\" to fail them)\n", n, age)
		return nil
	}
	fmt.Printf("Marked %d stuck record(s) as failed\n", n)
	return nil
}

// parseFixArgs accepts an optional duration and an optional "apply", in
// either order.
func parseFixArgs(args []string) (time.Duration, bool, error) {
	age := defaultStaleAge
	apply := false
	for _, a := range args {
		if a == "apply" {
			apply = true
			continue
		}
		d, err := time.ParseDuration(a)
		if err != nil || d <= 0 {
			return 0, false, fmt.Errorf("invalid age %q", a)
		}
		age = d
	}
	return age, apply, nil
}
