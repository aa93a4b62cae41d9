package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Schema creates the tables PostgresStore uses. Every fixed-point quantity
// is NUMERIC(39,0): wide enough for a 128-bit magnitude, never a float.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
	market_index                  BIGINT PRIMARY KEY,
	name                          TEXT NOT NULL UNIQUE,
	base_asset_reserve            NUMERIC(39,0) NOT NULL,
	quote_asset_reserve           NUMERIC(39,0) NOT NULL,
	sqrt_k                        NUMERIC(39,0) NOT NULL,
	peg_multiplier                NUMERIC(39,0) NOT NULL,
	margin_ratio_initial          NUMERIC(39,0) NOT NULL,
	margin_ratio_partial          NUMERIC(39,0) NOT NULL,
	margin_ratio_maintenance      NUMERIC(39,0) NOT NULL,
	cumulative_funding_rate       NUMERIC(39,0) NOT NULL,
	base_asset_amount             NUMERIC(39,0) NOT NULL,
	base_asset_amount_long        NUMERIC(39,0) NOT NULL,
	base_asset_amount_short       NUMERIC(39,0) NOT NULL,
	funding_period                BIGINT NOT NULL,
	last_funding_rate             NUMERIC(39,0) NOT NULL,
	last_funding_rate_ts          BIGINT NOT NULL,
	last_mark_price_twap          NUMERIC(39,0) NOT NULL,
	last_mark_price_twap_ts       BIGINT NOT NULL,
	last_oracle_price             NUMERIC(39,0) NOT NULL,
	last_oracle_price_twap        NUMERIC(39,0) NOT NULL,
	last_oracle_price_twap_ts     BIGINT NOT NULL,
	minimum_base_asset_trade_size NUMERIC(39,0) NOT NULL,
	total_fee                     NUMERIC(39,0) NOT NULL DEFAULT 0,
	total_fee_minus_distributions NUMERIC(39,0) NOT NULL DEFAULT 0,
	created_at                    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	address             TEXT PRIMARY KEY,
	collateral          NUMERIC(39,0) NOT NULL,
	cumulative_deposits NUMERIC(39,0) NOT NULL,
	total_fee_paid      NUMERIC(39,0) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS positions (
	address                      TEXT NOT NULL REFERENCES accounts (address),
	market_index                 BIGINT NOT NULL REFERENCES markets (market_index),
	base_asset_amount            NUMERIC(39,0) NOT NULL,
	quote_asset_amount           NUMERIC(39,0) NOT NULL,
	last_cumulative_funding_rate NUMERIC(39,0) NOT NULL,
	last_funding_rate_ts         BIGINT NOT NULL,
	open_orders                  BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (address, market_index)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq          BIGSERIAL PRIMARY KEY,
	id           UUID NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	user_address TEXT NOT NULL DEFAULT '',
	market_index BIGINT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	record       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_kind_user ON ledger_entries (kind, user_address, seq);

ALTER TABLE markets ADD COLUMN IF NOT EXISTS total_fee NUMERIC(39,0) NOT NULL DEFAULT 0;
ALTER TABLE markets ADD COLUMN IF NOT EXISTS total_fee_minus_distributions NUMERIC(39,0) NOT NULL DEFAULT 0;
ALTER TABLE accounts ADD COLUMN IF NOT EXISTS total_fee_paid NUMERIC(39,0) NOT NULL DEFAULT 0;
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All fixed-point values are stored as NUMERIC and read back as text so no
// precision is lost in transit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates any missing tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const marketColumns = `market_index, name,
	base_asset_reserve::TEXT, quote_asset_reserve::TEXT, sqrt_k::TEXT, peg_multiplier::TEXT,
	margin_ratio_initial::TEXT, margin_ratio_partial::TEXT, margin_ratio_maintenance::TEXT,
	cumulative_funding_rate::TEXT,
	base_asset_amount::TEXT, base_asset_amount_long::TEXT, base_asset_amount_short::TEXT,
	funding_period, last_funding_rate::TEXT, last_funding_rate_ts,
	last_mark_price_twap::TEXT, last_mark_price_twap_ts,
	last_oracle_price::TEXT, last_oracle_price_twap::TEXT, last_oracle_price_twap_ts,
	minimum_base_asset_trade_size::TEXT,
	total_fee::TEXT, total_fee_minus_distributions::TEXT, created_at`

// numeric collects NUMERIC::TEXT scan targets and parses them once the row
// has been read.
type numeric struct {
	raw  []*string
	dsts []func(fixed.Int)
}

func (n *numeric) col(dst func(fixed.Int)) *string {
	s := new(string)
	n.raw = append(n.raw, s)
	n.dsts = append(n.dsts, dst)
	return s
}

func (n *numeric) parse() error {
	for i, s := range n.raw {
		v, err := fixed.ParseInt(*s)
		if err != nil {
			return fmt.Errorf("store: numeric column: %w", err)
		}
		n.dsts[i](v)
	}
	return nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var n numeric
	err := row.Scan(&m.Index, &m.Name,
		n.col(func(v fixed.Int) { m.BaseAssetReserve = fixed.Of[fixed.ReserveScale](v) }),
		n.col(func(v fixed.Int) { m.QuoteAssetReserve = fixed.Of[fixed.ReserveScale](v) }),
		n.col(func(v fixed.Int) { m.SqrtK = fixed.Of[fixed.ReserveScale](v) }),
		n.col(func(v fixed.Int) { m.PegMultiplier = fixed.Of[fixed.PegScale](v) }),
		n.col(func(v fixed.Int) { m.MarginRatioInitial = fixed.Of[fixed.RatioScale](v) }),
		n.col(func(v fixed.Int) { m.MarginRatioPartial = fixed.Of[fixed.RatioScale](v) }),
		n.col(func(v fixed.Int) { m.MarginRatioMaintenance = fixed.Of[fixed.RatioScale](v) }),
		n.col(func(v fixed.Int) { m.CumulativeFundingRate = fixed.Of[fixed.FundingRateScale](v) }),
		n.col(func(v fixed.Int) { m.BaseAssetAmount = fixed.Of[fixed.BaseScale](v) }),
		n.col(func(v fixed.Int) { m.BaseAssetAmountLong = fixed.Of[fixed.BaseScale](v) }),
		n.col(func(v fixed.Int) { m.BaseAssetAmountShort = fixed.Of[fixed.BaseScale](v) }),
		&m.FundingPeriod,
		n.col(func(v fixed.Int) { m.LastFundingRate = fixed.Of[fixed.FundingRateScale](v) }),
		&m.LastFundingRateTs,
		n.col(func(v fixed.Int) { m.LastMarkPriceTwap = fixed.Of[fixed.PriceScale](v) }),
		&m.LastMarkPriceTwapTs,
		n.col(func(v fixed.Int) { m.LastOraclePrice = fixed.Of[fixed.PriceScale](v) }),
		n.col(func(v fixed.Int) { m.LastOraclePriceTwap = fixed.Of[fixed.PriceScale](v) }),
		&m.LastOraclePriceTwapTs,
		n.col(func(v fixed.Int) { m.MinimumBaseAssetTradeSize = fixed.Of[fixed.BaseScale](v) }),
		n.col(func(v fixed.Int) { m.TotalFee = fixed.Of[fixed.QuoteScale](v) }),
		n.col(func(v fixed.Int) { m.TotalFeeMinusDistributions = fixed.Of[fixed.QuoteScale](v) }),
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := n.parse(); err != nil {
		return nil, err
	}
	return &m, nil
}

func marketArgs(m *model.Market) []any {
	return []any{
		m.Index, m.Name,
		m.BaseAssetReserve.String(), m.QuoteAssetReserve.String(), m.SqrtK.String(), m.PegMultiplier.String(),
		m.MarginRatioInitial.String(), m.MarginRatioPartial.String(), m.MarginRatioMaintenance.String(),
		m.CumulativeFundingRate.String(),
		m.BaseAssetAmount.String(), m.BaseAssetAmountLong.String(), m.BaseAssetAmountShort.String(),
		m.FundingPeriod, m.LastFundingRate.String(), m.LastFundingRateTs,
		m.LastMarkPriceTwap.String(), m.LastMarkPriceTwapTs,
		m.LastOraclePrice.String(), m.LastOraclePriceTwap.String(), m.LastOraclePriceTwapTs,
		m.MinimumBaseAssetTradeSize.String(),
		m.TotalFee.String(), m.TotalFeeMinusDistributions.String(), m.CreatedAt,
	}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (market_index, name,
			base_asset_reserve, quote_asset_reserve, sqrt_k, peg_multiplier,
			margin_ratio_initial, margin_ratio_partial, margin_ratio_maintenance,
			cumulative_funding_rate,
			base_asset_amount, base_asset_amount_long, base_asset_amount_short,
			funding_period, last_funding_rate, last_funding_rate_ts,
			last_mark_price_twap, last_mark_price_twap_ts,
			last_oracle_price, last_oracle_price_twap, last_oracle_price_twap_ts,
			minimum_base_asset_trade_size,
			total_fee, total_fee_minus_distributions, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
			$7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			$11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
			$14, $15::NUMERIC, $16, $17::NUMERIC, $18,
			$19::NUMERIC, $20::NUMERIC, $21, $22::NUMERIC,
			$23::NUMERIC, $24::NUMERIC, $25)`,
		marketArgs(m)...,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: market %d (%s)", ErrConflict, m.Index, m.Name)
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, index uint64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE market_index = $1`, index))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("market %d", index))
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByName(ctx context.Context, name string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, "market "+name)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY market_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := []model.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, address string) (*model.UserAccount, error) {
	a := model.UserAccount{Address: address}
	var n numeric
	err := s.pool.QueryRow(ctx,
		`SELECT collateral::TEXT, cumulative_deposits::TEXT, total_fee_paid::TEXT
		 FROM accounts WHERE address = $1`, address).
		Scan(
			n.col(func(v fixed.Int) { a.Collateral = fixed.Of[fixed.QuoteScale](v) }),
			n.col(func(v fixed.Int) { a.CumulativeDeposits = fixed.Of[fixed.QuoteScale](v) }),
			n.col(func(v fixed.Int) { a.TotalFeePaid = fixed.Of[fixed.QuoteScale](v) }),
		)
	if err != nil {
		return nil, notFound(err, "account "+address)
	}
	if err := n.parse(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT market_index, base_asset_amount::TEXT, quote_asset_amount::TEXT,
		        last_cumulative_funding_rate::TEXT, last_funding_rate_ts, open_orders
		 FROM positions WHERE address = $1 ORDER BY market_index`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p model.UserPosition
		var n numeric
		if err := rows.Scan(&p.MarketIndex,
			n.col(func(v fixed.Int) { p.BaseAssetAmount = fixed.Of[fixed.BaseScale](v) }),
			n.col(func(v fixed.Int) { p.QuoteAssetAmount = fixed.Of[fixed.QuoteScale](v) }),
			n.col(func(v fixed.Int) { p.LastCumulativeFundingRate = fixed.Of[fixed.FundingRateScale](v) }),
			&p.LastFundingRateTs, &p.OpenOrders); err != nil {
			return nil, err
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		a.Positions = append(a.Positions, p)
	}
	return &a, rows.Err()
}

// Commit applies cs in a single transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range cs.Markets {
			if err := updateMarket(ctx, tx, &cs.Markets[i]); err != nil {
				return err
			}
		}
		for i := range cs.Accounts {
			if err := upsertAccount(ctx, tx, &cs.Accounts[i]); err != nil {
				return err
			}
		}
		for _, e := range cs.Entries {
			if err := insertLedgerEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func updateMarket(ctx context.Context, tx pgx.Tx, m *model.Market) error {
	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET base_asset_reserve = $3::NUMERIC, quote_asset_reserve = $4::NUMERIC,
		     sqrt_k = $5::NUMERIC, peg_multiplier = $6::NUMERIC,
		     margin_ratio_initial = $7::NUMERIC, margin_ratio_partial = $8::NUMERIC,
		     margin_ratio_maintenance = $9::NUMERIC, cumulative_funding_rate = $10::NUMERIC,
		     base_asset_amount = $11::NUMERIC, base_asset_amount_long = $12::NUMERIC,
		     base_asset_amount_short = $13::NUMERIC,
		     funding_period = $14, last_funding_rate = $15::NUMERIC, last_funding_rate_ts = $16,
		     last_mark_price_twap = $17::NUMERIC, last_mark_price_twap_ts = $18,
		     last_oracle_price = $19::NUMERIC, last_oracle_price_twap = $20::NUMERIC,
		     last_oracle_price_twap_ts = $21, minimum_base_asset_trade_size = $22::NUMERIC,
		     total_fee = $23::NUMERIC, total_fee_minus_distributions = $24::NUMERIC,
		     created_at = $25
		 WHERE market_index = $1 AND name = $2`,
		marketArgs(m)...,
	)
	if err != nil {
		return fmt.Errorf("update market %d: %w", m.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %d", ErrNotFound, m.Index)
	}
	return nil
}

func upsertAccount(ctx context.Context, tx pgx.Tx, a *model.UserAccount) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO accounts (address, collateral, cumulative_deposits, total_fee_paid)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (address) DO UPDATE
		 SET collateral = EXCLUDED.collateral, cumulative_deposits = EXCLUDED.cumulative_deposits,
		     total_fee_paid = EXCLUDED.total_fee_paid`,
		a.Address, a.Collateral.String(), a.CumulativeDeposits.String(), a.TotalFeePaid.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.Address, err)
	}

	batch := &pgx.Batch{}
	for _, p := range a.Positions {
		batch.Queue(
			`INSERT INTO positions (address, market_index, base_asset_amount, quote_asset_amount,
			                        last_cumulative_funding_rate, last_funding_rate_ts, open_orders)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
			 ON CONFLICT (address, market_index) DO UPDATE
			 SET base_asset_amount = EXCLUDED.base_asset_amount,
			     quote_asset_amount = EXCLUDED.quote_asset_amount,
			     last_cumulative_funding_rate = EXCLUDED.last_cumulative_funding_rate,
			     last_funding_rate_ts = EXCLUDED.last_funding_rate_ts,
			     open_orders = EXCLUDED.open_orders`,
			a.Address, p.MarketIndex, p.BaseAssetAmount.String(), p.QuoteAssetAmount.String(),
			p.LastCumulativeFundingRate.String(), p.LastFundingRateTs, p.OpenOrders,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert positions of %s: %w", a.Address, err)
	}
	return nil
}

// ledgerRecord returns the one record set on e.
func ledgerRecord(e *model.LedgerEntry) any {
	switch e.Kind {
	case model.KindTrade:
		return e.Trade
	case model.KindDeposit:
		return e.Deposit
	case model.KindFundingPayment:
		return e.FundingPayment
	case model.KindLiquidation:
		return e.Liquidation
	default:
		return e.FundingRate
	}
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	record, err := json.Marshal(ledgerRecord(e))
	if err != nil {
		return fmt.Errorf("encode %s entry %s: %w", e.Kind, e.ID, err)
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, kind, user_address, market_index, ts, record)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		e.ID, string(e.Kind), e.UserAddress, e.MarketIndex, e.Timestamp, record,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert %s entry %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, q LedgerQuery) ([]model.LedgerEntry, error) {
	q = q.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id::TEXT, kind, user_address, market_index, ts, record
		 FROM ledger_entries
		 WHERE kind = $1 AND seq > $2
		   AND ($3::TEXT = '' OR user_address = $3::TEXT)
		   AND ($4::BIGINT = 0 OR market_index = $4::BIGINT)
		 ORDER BY seq
		 LIMIT $5`,
		string(q.Kind), q.StartAfter, q.UserAddress, q.MarketIndex, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	entries := []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		var record []byte

		if err := rows.Scan(&e.Seq, &e.ID, &kind, &e.UserAddress, &e.MarketIndex, &e.Timestamp, &record); err != nil {
			return nil, err
		}
		e.Kind = model.LedgerKind(kind)
		if err := decodeRecord(&e, record); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func decodeRecord(e *model.LedgerEntry, record []byte) error {
	var dst any
	switch e.Kind {
	case model.KindTrade:
		e.Trade = &model.TradeRecord{}
		dst = e.Trade
	case model.KindDeposit:
		e.Deposit = &model.DepositRecord{}
		dst = e.Deposit
	case model.KindFundingPayment:
		e.FundingPayment = &model.FundingPaymentRecord{}
		dst = e.FundingPayment
	case model.KindFundingRate:
		e.FundingRate = &model.FundingRateRecord{}
		dst = e.FundingRate
	case model.KindLiquidation:
		e.Liquidation = &model.LiquidationRecord{}
		dst = e.Liquidation
	default:
		return fmt.Errorf("store: unknown ledger kind %q at seq %d", e.Kind, e.Seq)
	}
	if err := json.Unmarshal(record, dst); err != nil {
		return fmt.Errorf("store: decode %s entry %d: %w", e.Kind, e.Seq, err)
	}
	return nil
}
