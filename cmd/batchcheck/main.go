package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"colony-experiment/gatekeeper/internal/colony"
	"colony-experiment/gatekeeper/internal/config"
	"colony-experiment/gatekeeper/internal/evaluator"
	"colony-experiment/gatekeeper/internal/logging"
	"colony-experiment/gatekeeper/internal/ratelimit"
	"colony-experiment/gatekeeper/internal/repcache"
	"colony-experiment/gatekeeper/internal/store"
)

// batchcheck evaluates gates for many users of one guild from the command
// line and prints one JSON result per user. Role mutation is left to the
// gateway shell; this is the audit/dry-run path.
func main() {
	guildID := flag.Uint64("guild", 0, "guild id to evaluate")
	flag.Parse()

	if *guildID == 0 || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: batchcheck -guild <id> <user-id> [user-id...]")
		os.Exit(2)
	}

	userIDs := make([]uint64, 0, flag.NArg())
	for _, arg := range flag.Args() {
		userID, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			log.Fatalf("invalid user id %q: %v", arg, err)
		}
		userIDs = append(userIDs, userID)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	defer cfg.ZeroKey()

	if err := logging.Init(cfg.AppEnv); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logging.Close()

	st, err := store.Open(store.Options{
		Path: cfg.DatabasePath,
		DSN:  cfg.DatabaseDSN,
		Key:  cfg.EncryptionKey,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	oracle := colony.NewClient(cfg.OracleBaseURL, cfg.OracleTimeout, nil)
	eval := evaluator.New(
		st,
		repcache.New(cfg.CacheTTL, nil),
		ratelimit.New(cfg.RatePerSecond, cfg.RateBurst),
		oracle,
		cfg.Workers,
		nil,
	)

	out := make(chan evaluator.BatchResult)
	go eval.EvaluateBatch(context.Background(), *guildID, userIDs, out)

	type line struct {
		UserID    uint64            `json:"user_id"`
		NotLinked bool              `json:"not_linked,omitempty"`
		Error     string            `json:"error,omitempty"`
		Result    *evaluator.Result `json:"result,omitempty"`
	}

	enc := json.NewEncoder(os.Stdout)
	exitCode := 0
	for res := range out {
		l := line{UserID: res.UserID, Result: res.Result}
		switch {
		case res.Err == evaluator.ErrNotLinked:
			l.NotLinked = true
		case res.Err != nil:
			l.Error = res.Err.Error()
			exitCode = 1
		}
		_ = enc.Encode(l)
	}
	os.Exit(exitCode)
}
