package repository

import (
	"context"
	"time"

	"bidding-tracker/internal/biddingerrors"
	model "bidding-tracker/internal/models"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS auctions (
	id                TEXT PRIMARY KEY,
	seller_id         TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	current_price     DOUBLE PRECISION NOT NULL,
	bid_increment     DOUBLE PRECISION NOT NULL,
	start_date        TIMESTAMPTZ NOT NULL,
	end_date          TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL,
	highest_bidder_id TEXT,
	version           BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bids (
	id         TEXT PRIMARY KEY,
	auction_id TEXT NOT NULL REFERENCES auctions(id),
	bidder_id  TEXT NOT NULL,
	amount     DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids(auction_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder_id, created_at);
CREATE INDEX IF NOT EXISTS idx_auctions_status ON auctions(status);
`

const auctionColumns = `id, seller_id, title, current_price, bid_increment, start_date, end_date, status, highest_bidder_id, version`

const bidColumns = `id, auction_id, bidder_id, amount, created_at, status, is_deleted`

// PostgresConfig holds the pool settings for NewPostgresRepo
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// PostgresRepo implements AuctionStore on PostgreSQL. The version check and
// the bid changes of one update commit in a single transaction.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepo connects, pings and migrates the schema
func NewPostgresRepo(ctx context.Context, cfg PostgresConfig) (*PostgresRepo, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse connection string")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	repo := &PostgresRepo{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return repo, nil
}

func (r *PostgresRepo) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close releases the pool
func (r *PostgresRepo) Close() {
	r.pool.Close()
}

// Ping checks the database is reachable
func (r *PostgresRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepo) CreateAuction(ctx context.Context, auction model.Auction) (model.Auction, error) {
	if auction.Version == 0 {
		auction.Version = 1
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO auctions (`+auctionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		auction.ID, auction.SellerID, auction.Title, auction.CurrentPrice, auction.BidIncrement,
		auction.StartDate, auction.EndDate, string(auction.Status), auction.HighestBidderID, auction.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Auction{}, errors.Wrapf(biddingerrors.ErrAuctionExists, "create auction %s", auction.ID)
		}
		return model.Auction{}, errors.Wrapf(err, "create auction %s", auction.ID)
	}
	return auction, nil
}

func (r *PostgresRepo) GetAuction(ctx context.Context, auctionID string) (model.Auction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Auction{}, errors.Wrapf(biddingerrors.ErrAuctionNotFound, "get auction %s", auctionID)
	}
	if err != nil {
		return model.Auction{}, errors.Wrapf(err, "get auction %s", auctionID)
	}
	return a, nil
}

func (r *PostgresRepo) WriteIfVersion(ctx context.Context, update AuctionUpdate) (model.Auction, error) {
	var committed model.Auction
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE auctions
			SET current_price = $3, highest_bidder_id = $4, end_date = $5, status = $6, version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING `+auctionColumns,
			update.AuctionID, update.ExpectedVersion, update.CurrentPrice,
			update.HighestBidderID, update.EndDate, string(update.Status),
		)
		a, err := scanAuction(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missOrMismatch(ctx, tx, update)
		}
		if err != nil {
			return errors.Wrap(err, "update auction")
		}

		if update.NewBid != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE bids SET status = $2 WHERE auction_id = $1 AND status = $3`,
				update.AuctionID, string(model.BidOutbid), string(model.BidActive),
			); err != nil {
				return errors.Wrap(err, "mark previous bid outbid")
			}
			b := update.NewBid
			if _, err := tx.Exec(ctx,
				`INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				b.ID, b.AuctionID, b.BidderID, b.Amount, b.CreatedAt, string(model.BidActive), b.IsDeleted,
			); err != nil {
				return errors.Wrap(err, "insert bid")
			}
		}

		if update.Settle {
			if _, err := tx.Exec(ctx, `
				UPDATE bids SET status = CASE status WHEN $2 THEN $3 WHEN $4 THEN $5 END
				WHERE auction_id = $1 AND status IN ($2, $4)`,
				update.AuctionID,
				string(model.BidActive), string(model.BidWon),
				string(model.BidOutbid), string(model.BidLost),
			); err != nil {
				return errors.Wrap(err, "settle bids")
			}
		}

		committed = a
		return nil
	})
	if err != nil {
		return model.Auction{}, errors.Wrapf(err, "write auction %s", update.AuctionID)
	}
	return committed, nil
}

// missOrMismatch tells a missing auction apart from a stale version after
// the conditional update matched no row
func (r *PostgresRepo) missOrMismatch(ctx context.Context, tx pgx.Tx, update AuctionUpdate) error {
	var stored int64
	err := tx.QueryRow(ctx, `SELECT version FROM auctions WHERE id = $1`, update.AuctionID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return biddingerrors.ErrAuctionNotFound
	}
	if err != nil {
		return errors.Wrap(err, "read stored version")
	}
	return errors.Wrapf(biddingerrors.ErrVersionMismatch, "expected version %d, stored %d", update.ExpectedVersion, stored)
}

func (r *PostgresRepo) ListBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, auctionID).Scan(&exists); err != nil {
		return nil, errors.Wrapf(err, "list bids for auction %s", auctionID)
	}
	if !exists {
		return nil, errors.Wrapf(biddingerrors.ErrAuctionNotFound, "list bids for auction %s", auctionID)
	}
	return r.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY created_at, id`, auctionID)
}

func (r *PostgresRepo) ListBidsByBidder(ctx context.Context, bidderID string) ([]model.Bid, error) {
	return r.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE bidder_id = $1 ORDER BY created_at, id`, bidderID)
}

func (r *PostgresRepo) ListActiveAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE status = $1 ORDER BY id`, string(model.AuctionActive))
	if err != nil {
		return nil, errors.Wrap(err, "list active auctions")
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan auction")
		}
		auctions = append(auctions, a)
	}
	return auctions, errors.Wrap(rows.Err(), "list active auctions")
}

func (r *PostgresRepo) queryBids(ctx context.Context, query string, arg string) ([]model.Bid, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query bids")
	}
	defer rows.Close()

	bids := []model.Bid{}
	for rows.Next() {
		var b model.Bid
		var status string
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.CreatedAt, &status, &b.IsDeleted); err != nil {
			return nil, errors.Wrap(err, "scan bid")
		}
		b.Status = model.BidStatus(status)
		b.CreatedAt = b.CreatedAt.UTC()
		bids = append(bids, b)
	}
	return bids, errors.Wrap(rows.Err(), "query bids")
}

func scanAuction(row pgx.Row) (model.Auction, error) {
	var a model.Auction
	var status string
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &a.CurrentPrice, &a.BidIncrement,
		&a.StartDate, &a.EndDate, &status, &a.HighestBidderID, &a.Version)
	if err != nil {
		return model.Auction{}, err
	}
	a.Status = model.AuctionStatus(status)
	a.StartDate = a.StartDate.UTC()
	a.EndDate = a.EndDate.UTC()
	return a, nil
}
