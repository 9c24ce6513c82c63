package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// postgresStore implements Store on PostgreSQL with raw SQL.
type postgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		return nil, err
	}
	return &postgresStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coupons (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			total_odds NUMERIC(10,2) NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			points_awarded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS picks (
			id UUID PRIMARY KEY,
			coupon_id UUID NOT NULL REFERENCES coupons(id),
			fixture_id BIGINT NOT NULL,
			home_team TEXT NOT NULL,
			away_team TEXT NOT NULL,
			market TEXT NOT NULL,
			selection TEXT NOT NULL,
			odds NUMERIC(8,2) NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			kickoff_time TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_picks_coupon ON picks(coupon_id)`,
		`CREATE INDEX IF NOT EXISTS idx_picks_pending ON picks(status) WHERE status = 'PENDING'`,
		`CREATE TABLE IF NOT EXISTS prediction_sessions (
			id UUID PRIMARY KEY,
			fixture_id BIGINT NOT NULL,
			home_team TEXT NOT NULL,
			away_team TEXT NOT NULL,
			league TEXT,
			kickoff_time TIMESTAMPTZ NOT NULL,
			lang TEXT,
			consensus JSONB NOT NULL,
			agent_reports JSONB NOT NULL,
			is_settled BOOLEAN NOT NULL DEFAULT FALSE,
			actual_home_score INT,
			actual_away_score INT,
			result_correct BOOLEAN,
			over_under_correct BOOLEAN,
			btts_correct BOOLEAN,
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_fixture ON prediction_sessions(fixture_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS model_accuracy (
			model TEXT NOT NULL,
			market TEXT NOT NULL,
			made INT NOT NULL DEFAULT 0,
			settled INT NOT NULL DEFAULT 0,
			correct INT NOT NULL DEFAULT 0,
			PRIMARY KEY (model, market)
		)`,
		`CREATE TABLE IF NOT EXISTS accuracy_keys (
			key TEXT NOT NULL,
			phase TEXT NOT NULL,
			PRIMARY KEY (key, phase)
		)`,
		`CREATE TABLE IF NOT EXISTS user_points (
			user_id TEXT PRIMARY KEY,
			points INT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) CreateCoupon(ctx context.Context, c *Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = CouponPending

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO coupons (id, user_id, total_odds, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserID, c.TotalOdds, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert coupon: %w", err)
	}

	for i := range c.Picks {
		p := &c.Picks[i]
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CouponID = c.ID
		p.Status = PickPending
		p.CreatedAt = c.CreatedAt

		_, err = tx.ExecContext(ctx,
			`INSERT INTO picks (id, coupon_id, fixture_id, home_team, away_team, market, selection, odds, status, kickoff_time, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID, p.CouponID, p.FixtureID, p.HomeTeam, p.AwayTeam, string(p.Market), p.Selection, p.Odds, p.Status, p.KickoffTime, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert pick: %w", err)
		}
	}

	return tx.Commit()
}

func (s *postgresStore) Coupon(ctx context.Context, id uuid.UUID) (*Coupon, error) {
	c := &Coupon{}
	var settledAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, total_odds, status, points_awarded, created_at, settled_at FROM coupons WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.TotalOdds, &c.Status, &c.PointsAwarded, &c.CreatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query coupon: %w", err)
	}
	if settledAt.Valid {
		c.SettledAt = &settledAt.Time
	}

	picks, err := s.picksForCoupon(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Picks = picks
	return c, nil
}

func (s *postgresStore) picksForCoupon(ctx context.Context, couponID uuid.UUID) ([]Pick, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, coupon_id, fixture_id, home_team, away_team, market, selection, odds, status, kickoff_time, settled_at, created_at
		 FROM picks WHERE coupon_id = $1 ORDER BY created_at, id`, couponID)
	if err != nil {
		return nil, fmt.Errorf("query picks: %w", err)
	}
	defer rows.Close()

	var picks []Pick
	for rows.Next() {
		p, err := scanPick(rows)
		if err != nil {
			return nil, err
		}
		picks = append(picks, p)
	}
	return picks, rows.Err()
}

func scanPick(rows *sql.Rows) (Pick, error) {
	var p Pick
	var market string
	var odds string
	var settledAt sql.NullTime
	err := rows.Scan(&p.ID, &p.CouponID, &p.FixtureID, &p.HomeTeam, &p.AwayTeam, &market, &p.Selection, &odds, &p.Status, &p.KickoffTime, &settledAt, &p.CreatedAt)
	if err != nil {
		return p, fmt.Errorf("scan pick: %w", err)
	}
	p.Market = marketFrom(market)
	d, err := decimal.NewFromString(odds)
	if err != nil {
		return p, fmt.Errorf("parse odds %q: %w", odds, err)
	}
	p.Odds = d
	if settledAt.Valid {
		p.SettledAt = &settledAt.Time
	}
	return p, nil
}

func (s *postgresStore) UserCoupons(ctx context.Context, userID string, limit int) ([]*Coupon, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM coupons WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user coupons: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan coupon id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	coupons := make([]*Coupon, 0, len(ids))
	for _, id := range ids {
		c, err := s.Coupon(ctx, id)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, nil
}

func (s *postgresStore) PendingCoupons(ctx context.Context, since time.Time) ([]*Coupon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT c.id, c.created_at FROM coupons c
		 JOIN picks p ON p.coupon_id = c.id
		 WHERE p.status = 'PENDING' AND c.status <> 'CANCELLED' AND c.created_at >= $1
		 ORDER BY c.created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("query pending coupons: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending coupon: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	coupons := make([]*Coupon, 0, len(ids))
	for _, id := range ids {
		c, err := s.Coupon(ctx, id)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, nil
}

func (s *postgresStore) SettlePick(ctx context.Context, pickID uuid.UUID, from, to PickStatus, settledAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE picks SET status = $1, settled_at = $2 WHERE id = $3 AND status = $4`,
		to, settledAt, pickID, from)
	if err != nil {
		return fmt.Errorf("update pick: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM picks WHERE id = $1)`, pickID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *postgresStore) UpdateCouponStatus(ctx context.Context, id uuid.UUID, status CouponStatus, settledAt *time.Time, awardPoints bool) error {
	var t sql.NullTime
	if settledAt != nil {
		t = sql.NullTime{Time: *settledAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE coupons SET status = $1, settled_at = COALESCE($2, settled_at), points_awarded = points_awarded OR $3 WHERE id = $4`,
		status, t, awardPoints, id)
	if err != nil {
		return fmt.Errorf("update coupon: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) CancelCoupon(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var settled int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM picks WHERE coupon_id = $1 AND status IN ('WON', 'LOST')`, id).Scan(&settled)
	if err != nil {
		return fmt.Errorf("count settled picks: %w", err)
	}
	if settled > 0 {
		return ErrStateConflict
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE picks SET status = 'VOID', settled_at = $1 WHERE coupon_id = $2 AND status = 'PENDING'`, now, id); err != nil {
		return fmt.Errorf("void picks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE coupons SET status = 'CANCELLED', settled_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("cancel coupon: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *postgresStore) SaveSession(ctx context.Context, sess *PredictionSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prediction_sessions (id, fixture_id, home_team, away_team, league, kickoff_time, lang, consensus, agent_reports, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.FixtureID, sess.HomeTeam, sess.AwayTeam, sess.League, sess.KickoffTime, sess.Lang,
		[]byte(sess.Consensus), []byte(sess.AgentReports), sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *postgresStore) SessionByFixture(ctx context.Context, fixtureID int64) (*PredictionSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fixture_id, home_team, away_team, league, kickoff_time, lang, consensus, agent_reports,
		        is_settled, actual_home_score, actual_away_score, result_correct, over_under_correct, btts_correct, settled_at, created_at
		 FROM prediction_sessions WHERE fixture_id = $1 ORDER BY created_at DESC LIMIT 1`, fixtureID)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*PredictionSession, error) {
	sess := &PredictionSession{}
	var league, lang sql.NullString
	var homeScore, awayScore sql.NullInt64
	var resultOK, ouOK, bttsOK sql.NullBool
	var settledAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.FixtureID, &sess.HomeTeam, &sess.AwayTeam, &league, &sess.KickoffTime, &lang,
		(*[]byte)(&sess.Consensus), (*[]byte)(&sess.AgentReports),
		&sess.IsSettled, &homeScore, &awayScore, &resultOK, &ouOK, &bttsOK, &settledAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.League = league.String
	sess.Lang = lang.String
	if homeScore.Valid {
		h := int(homeScore.Int64)
		sess.ActualHomeScore = &h
	}
	if awayScore.Valid {
		a := int(awayScore.Int64)
		sess.ActualAwayScore = &a
	}
	if resultOK.Valid {
		v := resultOK.Bool
		sess.ResultCorrect = &v
	}
	if ouOK.Valid {
		v := ouOK.Bool
		sess.OverUnderCorrect = &v
	}
	if bttsOK.Valid {
		v := bttsOK.Bool
		sess.BTTSCorrect = &v
	}
	if settledAt.Valid {
		sess.SettledAt = &settledAt.Time
	}
	return sess, nil
}

func (s *postgresStore) PendingSessions(ctx context.Context, kickoffBefore time.Time) ([]*PredictionSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fixture_id, home_team, away_team, league, kickoff_time, lang, consensus, agent_reports,
		        is_settled, actual_home_score, actual_away_score, result_correct, over_under_correct, btts_correct, settled_at, created_at
		 FROM prediction_sessions WHERE is_settled = FALSE AND kickoff_time < $1 ORDER BY kickoff_time`, kickoffBefore)
	if err != nil {
		return nil, fmt.Errorf("query pending sessions: %w", err)
	}
	defer rows.Close()

	var out []*PredictionSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *postgresStore) SettleSession(ctx context.Context, id uuid.UUID, settlement SessionSettlement) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prediction_sessions
		 SET is_settled = TRUE, actual_home_score = $1, actual_away_score = $2,
		     result_correct = $3, over_under_correct = $4, btts_correct = $5, settled_at = $6
		 WHERE id = $7 AND is_settled = FALSE`,
		settlement.HomeScore, settlement.AwayScore,
		settlement.ResultCorrect, settlement.OverUnderCorrect, settlement.BTTSCorrect, settlement.SettledAt, id)
	if err != nil {
		return fmt.Errorf("settle session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM prediction_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *postgresStore) RecordPrediction(ctx context.Context, key, model, market string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO accuracy_keys (key, phase) VALUES ($1, 'made') ON CONFLICT DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // already recorded
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO model_accuracy (model, market, made) VALUES ($1, $2, 1)
		 ON CONFLICT (model, market) DO UPDATE SET made = model_accuracy.made + 1`,
		model, market)
	if err != nil {
		return fmt.Errorf("bump made: %w", err)
	}
	return tx.Commit()
}

func (s *postgresStore) RecordSettlement(ctx context.Context, key, model, market string, correct bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO accuracy_keys (key, phase) VALUES ($1, 'settled') ON CONFLICT DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	inc := 0
	if correct {
		inc = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO model_accuracy (model, market, settled, correct) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (model, market) DO UPDATE
		 SET settled = model_accuracy.settled + 1, correct = model_accuracy.correct + $3`,
		model, market, inc)
	if err != nil {
		return fmt.Errorf("bump settled: %w", err)
	}
	return tx.Commit()
}

func (s *postgresStore) Accuracy(ctx context.Context) ([]ModelAccuracy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, market, made, settled, correct FROM model_accuracy ORDER BY model, market`)
	if err != nil {
		return nil, fmt.Errorf("query accuracy: %w", err)
	}
	defer rows.Close()

	var out []ModelAccuracy
	for rows.Next() {
		var a ModelAccuracy
		var market string
		if err := rows.Scan(&a.Model, &market, &a.Made, &a.Settled, &a.Correct); err != nil {
			return nil, fmt.Errorf("scan accuracy: %w", err)
		}
		a.Market = marketFrom(market)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) AddPoints(ctx context.Context, userID string, points int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_points (user_id, points) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET points = user_points.points + $2`,
		userID, points)
	if err != nil {
		return fmt.Errorf("add points: %w", err)
	}
	return nil
}

func (s *postgresStore) Leaderboard(ctx context.Context, limit int) ([]UserScore, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, points FROM user_points ORDER BY points DESC, user_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []UserScore
	for rows.Next() {
		var u UserScore
		if err := rows.Scan(&u.UserID, &u.Points); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
