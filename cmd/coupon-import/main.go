// Command coupon-import bulk loads coupons from gzip compressed CSV files.
//
//	coupon-import -database-url postgres://... campaign1.csv.gz campaign2.csv.gz
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/readiness-billing/internal/couponimport"
	"github.com/xenking/readiness-billing/internal/repository"
)

func main() {
	var (
		databaseURL string
		dataDir     string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or BILLING_DATABASE_URL, DATABASE_URL env)")
	flag.StringVar(&dataDir, "data-dir", "", "import every *.gz file in this directory")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	databaseURL = firstNonEmpty(databaseURL, os.Getenv("BILLING_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set -database-url or BILLING_DATABASE_URL")
	}

	files := flag.Args()
	if dataDir != "" {
		matches, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
		if err != nil {
			lg.Fatal("Bad data dir", zap.Error(err))
		}
		files = append(files, matches...)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, databaseURL, files); err != nil {
		lg.Error("Coupon import failed", zap.Error(err))
		_ = lg.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL string, files []string) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	res, err := couponimport.New(repository.NewCouponRepository(pool)).Run(ctx, files)
	if err != nil {
		return err
	}
	for _, code := range res.Conflicting {
		zctx.From(ctx).Warn("Rejected conflicting code", zap.String("code", code))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
