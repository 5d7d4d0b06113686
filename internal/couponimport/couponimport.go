// Package couponimport loads coupons in bulk from gzip compressed CSV files.
//
// Each line is code,discountPercentage,maxDiscount,maxUses,expiresAt with an
// optional header. A code defined in more than one file is ambiguous and is
// rejected. Files are scanned concurrently: a bloom filter per file prefilters
// cross-file candidates, which are then confirmed against exact code sets.
package couponimport

import (
	"context"
	"encoding/csv"
	"io"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/readiness-billing/internal/domain/coupon"
)

const (
	bloomFPR     = 0.001
	minCapacity  = 1024
	batchSize    = 1000
	maxFiles     = 64
	fieldsPerRow = 5
)

// Store persists imported coupons, skipping codes that already exist.
type Store interface {
	Import(ctx context.Context, coupons []coupon.Coupon) (int, error)
}

// Result summarises an import run.
type Result struct {
	// Parsed counts valid rows across all files.
	Parsed int
	// Invalid counts rows that failed to parse or validate.
	Invalid int
	// Conflicting lists codes present in more than one file, sorted.
	Conflicting []string
	// Inserted counts new rows, Skipped rows whose code already existed.
	Inserted int
	Skipped  int
}

// Importer reads coupon files and writes them to a Store.
type Importer struct {
	store Store
	now   func() time.Time
}

// New creates an Importer.
func New(store Store) *Importer {
	return &Importer{store: store, now: time.Now}
}

type fileCoupons struct {
	coupons []coupon.Coupon
	invalid int
	filter  *bloom.BloomFilter
	codes   map[string]struct{}
}

// Run imports every file. Parsing happens before any write, so a read
// error leaves the database untouched.
func (im *Importer) Run(ctx context.Context, files []string) (*Result, error) {
	switch {
	case len(files) == 0:
		return nil, errors.New("no input files")
	case len(files) > maxFiles:
		return nil, errors.Errorf("too many input files: %d > %d", len(files), maxFiles)
	}
	lg := zctx.From(ctx)

	parsed := make([]*fileCoupons, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			fc, err := im.parseFile(gCtx, path)
			if err != nil {
				return errors.Wrapf(err, "parse %s", path)
			}
			parsed[i] = fc
			lg.Info("Parsed coupon file",
				zap.String("file", path),
				zap.Int("coupons", len(fc.coupons)),
				zap.Int("invalid", fc.invalid),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	conflicts := findConflicts(parsed)
	res := &Result{Conflicting: make([]string, 0, len(conflicts))}
	for code := range conflicts {
		res.Conflicting = append(res.Conflicting, code)
	}
	sort.Strings(res.Conflicting)
	if len(conflicts) > 0 {
		lg.Warn("Rejecting codes defined in several files", zap.Int("count", len(conflicts)))
	}

	var accepted []coupon.Coupon
	for _, fc := range parsed {
		res.Parsed += len(fc.coupons)
		res.Invalid += fc.invalid
		for _, c := range fc.coupons {
			if _, bad := conflicts[c.Code]; !bad {
				accepted = append(accepted, c)
			}
		}
	}

	for start := 0; start < len(accepted); start += batchSize {
		batch := accepted[start:min(start+batchSize, len(accepted))]
		n, err := im.store.Import(ctx, batch)
		if err != nil {
			return nil, errors.Wrap(err, "import batch")
		}
		res.Inserted += n
		res.Skipped += len(batch) - n
	}

	lg.Info("Coupon import finished",
		zap.Int("parsed", res.Parsed),
		zap.Int("invalid", res.Invalid),
		zap.Int("conflicting", len(res.Conflicting)),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// findConflicts returns codes present in two or more files. A bloom hit in
// another file's filter only nominates a candidate; the exact set decides.
func findConflicts(files []*fileCoupons) map[string]struct{} {
	masks := make(map[string]uint64)
	for i, fc := range files {
		for code := range fc.codes {
			for j, other := range files {
				if j == i || !other.filter.TestString(code) {
					continue
				}
				if _, ok := other.codes[code]; ok {
					masks[code] |= 1<<uint(i) | 1<<uint(j)
				}
			}
		}
	}

	out := make(map[string]struct{})
	for code, mask := range masks {
		if bits.OnesCount64(mask) >= 2 {
			out[code] = struct{}{}
		}
	}
	return out
}

func (im *Importer) parseFile(ctx context.Context, path string) (*fileCoupons, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	lg := zctx.From(ctx).With(zap.String("file", path))
	now := im.now().UTC()
	fc := &fileCoupons{codes: make(map[string]struct{})}

	r := csv.NewReader(gz)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				lg.Warn("Skip unreadable row", zap.Int("line", line), zap.Error(err))
				fc.invalid++
				continue
			}
			return nil, errors.Wrap(err, "read")
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}

		c, err := parseRow(rec, now)
		if err != nil {
			lg.Warn("Skip invalid row", zap.Int("line", line), zap.Error(err))
			fc.invalid++
			continue
		}
		if _, dup := fc.codes[c.Code]; dup {
			lg.Warn("Skip repeated code", zap.Int("line", line), zap.String("code", c.Code))
			fc.invalid++
			continue
		}
		fc.codes[c.Code] = struct{}{}
		fc.coupons = append(fc.coupons, c)
	}

	fc.filter = bloom.NewWithEstimates(uint(max(len(fc.codes), minCapacity)), bloomFPR)
	for code := range fc.codes {
		fc.filter.AddString(code)
	}
	return fc, nil
}

// parseRow validates one CSV record. An empty maxDiscount means uncapped.
func parseRow(rec []string, now time.Time) (coupon.Coupon, error) {
	if len(rec) != fieldsPerRow {
		return coupon.Coupon{}, errors.Errorf("want %d fields, got %d", fieldsPerRow, len(rec))
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}

	code := coupon.NormalizeCode(rec[0])
	if code == "" {
		return coupon.Coupon{}, errors.New("empty code")
	}
	pct, err := decimal.NewFromString(rec[1])
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "discountPercentage")
	}

	var maxDiscount *decimal.Decimal
	if rec[2] != "" {
		md, err := decimal.NewFromString(rec[2])
		if err != nil {
			return coupon.Coupon{}, errors.Wrap(err, "maxDiscount")
		}
		maxDiscount = &md
	}
	if err := coupon.CheckTerms(pct, maxDiscount); err != nil {
		return coupon.Coupon{}, err
	}

	maxUses, err := strconv.Atoi(rec[3])
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "maxUses")
	}
	if maxUses < 1 {
		return coupon.Coupon{}, errors.Errorf("maxUses %d below 1", maxUses)
	}

	expiresAt, err := time.Parse(time.RFC3339, rec[4])
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "expiresAt")
	}
	if !expiresAt.After(now) {
		return coupon.Coupon{}, errors.Errorf("already expired at %s", rec[4])
	}

	return coupon.Coupon{
		ID:                 uuid.New().String(),
		Code:               code,
		DiscountPercentage: pct,
		MaxDiscount:        maxDiscount,
		MaxUses:            maxUses,
		ExpiresAt:          expiresAt.UTC(),
		CreatedAt:          now,
	}, nil
}
