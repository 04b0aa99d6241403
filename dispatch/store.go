package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CaptchaSample is one crawled captcha site after the solve attempt.
type CaptchaSample struct {
	ID        string
	Domain    string
	IP        string
	TLD       string
	Country   string
	Timestamp time.Time

	CrawlTime  float64
	Screenshot string

	HasCaptcha     bool
	CaptchaType    *string
	CaptchaSolved  bool
	CaptchaSitekey *string
	CaptchaDetTime float64
	CaptchaRecTime float64
	CaptchaSolTime float64
	GroundCaptcha  bool

	PhishPred       bool
	PhishTarget     *string
	PhishDetTime    float64
	VTAnalysisID    *string
	VTAnalysisTimes int
	PollOpen        bool
}

// BaselineSample is a phishing site re-crawled as a group of observations.
type BaselineSample struct {
	ID        string
	Domain    string
	IP        string
	TLD       string
	Country   string
	Timestamp time.Time

	CrawlTimes  []float64
	Screenshots []string
	Groups      []bool

	PhishPred       bool
	PhishTarget     *string
	PhishDetTime    float64
	VTAnalysisID    *string
	VTAnalysisTimes int
	PollOpen        bool
}

type Store interface {
	InsertCaptcha(ctx context.Context, s *CaptchaSample) error
	InsertBaseline(ctx context.Context, s *BaselineSample) error
}

const schema = `
CREATE TABLE IF NOT EXISTS captcha_samples (
	id                TEXT PRIMARY KEY,
	domain            TEXT NOT NULL,
	ip                TEXT,
	tld               TEXT,
	country           TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	crawl_time        DOUBLE PRECISION,
	screenshot        TEXT,
	has_captcha       BOOLEAN NOT NULL DEFAULT FALSE,
	captcha_type      TEXT,
	captcha_solved    BOOLEAN NOT NULL DEFAULT FALSE,
	captcha_sitekey   TEXT,
	captcha_det_time  DOUBLE PRECISION,
	captcha_rec_time  DOUBLE PRECISION,
	captcha_sol_time  DOUBLE PRECISION,
	ground_captcha    BOOLEAN,
	phish_pred        BOOLEAN NOT NULL DEFAULT FALSE,
	phish_target      TEXT,
	phish_det_time    DOUBLE PRECISION,
	vt_analysis_id    TEXT,
	vt_analysis_times INTEGER NOT NULL DEFAULT 0,
	poll_open         BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS baseline_samples (
	id                TEXT PRIMARY KEY,
	domain            TEXT NOT NULL,
	ip                TEXT,
	tld               TEXT,
	country           TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	crawl_times       DOUBLE PRECISION[],
	screenshots       TEXT[],
	groups            BOOLEAN[],
	phish_pred        BOOLEAN NOT NULL DEFAULT FALSE,
	phish_target      TEXT,
	phish_det_time    DOUBLE PRECISION,
	vt_analysis_id    TEXT,
	vt_analysis_times INTEGER NOT NULL DEFAULT 0,
	poll_open         BOOLEAN NOT NULL DEFAULT TRUE
);
`

// PGStore persists samples in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PGStore) InsertCaptcha(ctx context.Context, c *CaptchaSample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO captcha_samples (
			id, domain, ip, tld, country, created_at, crawl_time, screenshot,
			has_captcha, captcha_type, captcha_solved, captcha_sitekey,
			captcha_det_time, captcha_rec_time, captcha_sol_time, ground_captcha,
			phish_pred, phish_target, phish_det_time, vt_analysis_id, vt_analysis_times, poll_open
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, c.ID, c.Domain, c.IP, c.TLD, c.Country, c.Timestamp, c.CrawlTime, c.Screenshot,
		c.HasCaptcha, c.CaptchaType, c.CaptchaSolved, c.CaptchaSitekey,
		c.CaptchaDetTime, c.CaptchaRecTime, c.CaptchaSolTime, c.GroundCaptcha,
		c.PhishPred, c.PhishTarget, c.PhishDetTime, c.VTAnalysisID, c.VTAnalysisTimes, c.PollOpen)
	if err != nil {
		return fmt.Errorf("insert captcha sample: %w", err)
	}
	return nil
}

func (s *PGStore) InsertBaseline(ctx context.Context, b *BaselineSample) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO baseline_samples (
			id, domain, ip, tld, country, created_at, crawl_times, screenshots, groups,
			phish_pred, phish_target, phish_det_time, vt_analysis_id, vt_analysis_times, poll_open
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, b.ID, b.Domain, b.IP, b.TLD, b.Country, b.Timestamp, b.CrawlTimes, b.Screenshots, b.Groups,
		b.PhishPred, b.PhishTarget, b.PhishDetTime, b.VTAnalysisID, b.VTAnalysisTimes, b.PollOpen)
	// a grouped re-crawl supersedes open votes on the same domain
	batch.Queue(`
		UPDATE baseline_samples SET poll_open = FALSE
		WHERE domain = $1 AND id <> $2 AND poll_open
	`, b.Domain, b.ID)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch exec %d: %w", i, err)
		}
	}
	br.Close()

	return tx.Commit(ctx)
}

func (s *PGStore) Close() {
	s.pool.Close()
}
