package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
	"github.com/xenking/revenue-ledger/internal/domain/user"
	"github.com/xenking/revenue-ledger/internal/storage/postgres"
)

type seed struct {
	Purchasables []catalog.Purchasable
	Users        []user.User
}

func main() {
	var (
		databaseURL string
		seedFile    string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/catalog.json", "path to the seed JSON file")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, seedFile); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, seedFile string) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	data, err := os.ReadFile(seedFile)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	s, err := parseSeed(data)
	if err != nil {
		return errors.Wrap(err, "parse seed file")
	}

	if err := postgres.NewCatalogRepository(pool).Upsert(ctx, s.Purchasables); err != nil {
		return errors.Wrap(err, "seed purchasables")
	}
	lg.Info("Upserted purchasables", zap.Int("count", len(s.Purchasables)))

	if err := postgres.NewUserRepository(pool).Upsert(ctx, s.Users); err != nil {
		return errors.Wrap(err, "seed users")
	}
	lg.Info("Upserted users", zap.Int("count", len(s.Users)))
	return nil
}

func parseSeed(data []byte) (*seed, error) {
	var s seed
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "purchasables":
			return d.Arr(func(d *jx.Decoder) error {
				p, err := parsePurchasable(d)
				if err != nil {
					return err
				}
				s.Purchasables = append(s.Purchasables, p)
				return nil
			})
		case "users":
			return d.Arr(func(d *jx.Decoder) error {
				u := user.User{Status: user.StatusActive}
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "username":
						u.Username, err = d.Str()
					case "email":
						u.Email, err = d.Str()
					case "admin":
						u.Admin, err = d.Bool()
					case "status":
						var v string
						v, err = d.Str()
						u.Status = user.Status(v)
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				s.Users = append(s.Users, u)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func parsePurchasable(d *jx.Decoder) (catalog.Purchasable, error) {
	var p catalog.Purchasable
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = d.Int64()
		case "product_id":
			p.ProductID, err = d.Int64()
		case "sku":
			p.SKU, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "price":
			var v string
			if v, err = d.Str(); err == nil {
				p.BasePrice, err = decimal.NewFromString(v)
			}
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return p, err
	}
	if p.ID <= 0 || p.SKU == "" {
		return p, errors.Errorf("purchasable %d: id and sku are required", p.ID)
	}
	return p, nil
}
