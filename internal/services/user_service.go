package services

import (
	"context"
	"errors"

	"prediction-rounds/internal/models"
	"prediction-rounds/internal/repository"

	"github.com/rs/zerolog"
)

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 100
)

type UserService struct {
	repo    *repository.Repository
	custody TokenCustody
	logger  zerolog.Logger
}

func NewUserService(repo *repository.Repository, custody TokenCustody, logger zerolog.Logger) *UserService {
	return &UserService{repo: repo, custody: custody, logger: logger}
}

// GetProfile returns a wallet's aggregates.
func (s *UserService) GetProfile(ctx context.Context, wallet string) (*models.UserProfile, error) {
	canonical, err := CanonicalAddress(wallet)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserByWallet(ctx, canonical)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, persistenceErr("get user", err)
	}
	return &models.UserProfile{User: *user, WinRate: user.WinRate()}, nil
}

// GetBalance reports the wallet's token balance held outside the ledger next
// to what it has staked and can still claim.
func (s *UserService) GetBalance(ctx context.Context, wallet string) (*models.BalanceResponse, error) {
	canonical, err := CanonicalAddress(wallet)
	if err != nil {
		return nil, err
	}
	balance, err := s.custody.Balance(ctx, canonical)
	if err != nil {
		return nil, ErrCustodyUnavailable.Wrap(err)
	}
	staked, claimable, err := s.repo.UserExposure(ctx, canonical)
	if err != nil {
		return nil, persistenceErr("sum exposure", err)
	}
	return &models.BalanceResponse{
		WalletAddress: canonical,
		TokenBalance:  balance,
		Staked:        staked,
		Claimable:     claimable,
	}, nil
}

// Leaderboard ranks users by total winnings, then current streak.
func (s *UserService) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardSize
	}
	if limit > maxLeaderboardSize {
		limit = maxLeaderboardSize
	}
	users, err := s.repo.GetLeaderboard(ctx, limit)
	if err != nil {
		return nil, persistenceErr("leaderboard", err)
	}

	entries := make([]models.LeaderboardEntry, 0, len(users))
	for i, u := range users {
		entries = append(entries, models.LeaderboardEntry{
			Rank:             i + 1,
			WalletAddress:    u.WalletAddress,
			TotalWinnings:    u.TotalWinnings,
			WinStreak:        u.WinStreak,
			TotalPredictions: u.TotalPredictions,
			WinRate:          u.WinRate(),
		})
	}
	return entries, nil
}
