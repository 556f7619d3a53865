package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sanad/internal/core"
)

// GetBanditStat returns the Thompson-sampling posterior for (strategyID,
// regimeTag), or a fresh Beta(1,1) prior if no row exists yet.
func (s *Store) GetBanditStat(ctx context.Context, strategyID, regimeTag string) (core.BanditStat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, regime_tag, alpha, beta, n FROM bandit_strategy_stats
		WHERE strategy_id = ? AND regime_tag = ?`, strategyID, regimeTag)

	var stat core.BanditStat
	err := row.Scan(&stat.StrategyID, &stat.RegimeTag, &stat.Alpha, &stat.Beta, &stat.N)
	if err == sql.ErrNoRows {
		return core.BanditStat{StrategyID: strategyID, RegimeTag: regimeTag, Alpha: 1, Beta: 1, N: 0}, nil
	}
	if err != nil {
		return core.BanditStat{}, fmt.Errorf("get bandit stat: %w", err)
	}
	return stat, nil
}

// UpdateBanditStat upserts the posterior, called post-trade with the
// updated (alpha, beta, n).
func (s *Store) UpdateBanditStat(ctx context.Context, stat core.BanditStat) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bandit_strategy_stats (strategy_id, regime_tag, alpha, beta, n, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(strategy_id, regime_tag) DO UPDATE SET
				alpha = excluded.alpha, beta = excluded.beta, n = excluded.n, last_updated = excluded.last_updated`,
			stat.StrategyID, stat.RegimeTag, stat.Alpha, stat.Beta, stat.N, nowStr(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("update bandit stat: %w", err)
		}
		return nil
	})
}

// GetSourceUCB returns running reward statistics for a signal source, or a
// zero-value row if none exists yet.
func (s *Store) GetSourceUCB(ctx context.Context, sourceID string) (core.SourceUCB, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source_id, n, reward_sum FROM source_ucb_stats WHERE source_id = ?`, sourceID)

	var stat core.SourceUCB
	err := row.Scan(&stat.SourceID, &stat.N, &stat.RewardSum)
	if err == sql.ErrNoRows {
		return core.SourceUCB{SourceID: sourceID}, nil
	}
	if err != nil {
		return core.SourceUCB{}, fmt.Errorf("get source ucb: %w", err)
	}
	return stat, nil
}

// UpdateSourceUCB upserts running reward statistics for a signal source.
func (s *Store) UpdateSourceUCB(ctx context.Context, stat core.SourceUCB) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO source_ucb_stats (source_id, n, reward_sum, last_updated)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET
				n = excluded.n, reward_sum = excluded.reward_sum, last_updated = excluded.last_updated`,
			stat.SourceID, stat.N, stat.RewardSum, nowStr(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("update source ucb: %w", err)
		}
		return nil
	})
}
