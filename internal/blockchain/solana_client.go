package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"prediction-rounds/internal/config"
	"prediction-rounds/internal/services"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

var (
	ErrNoServerWallet = errors.New("server wallet not configured")
	ErrNoTokenMint    = errors.New("token mint address not configured")
)

// SolanaClient is the SPL token custody: it verifies that stakes were
// funded into the treasury and releases payouts from it.
type SolanaClient struct {
	rpcClient    *rpc.Client
	rpcURL       string
	network      string
	tokenMint    solana.PublicKey
	treasury     solana.PublicKey
	serverWallet *solana.Wallet
	logger       zerolog.Logger
}

var _ services.TokenCustody = (*SolanaClient)(nil)

// RPCURLForNetwork returns the public RPC endpoint of a cluster.
func RPCURLForNetwork(network string) string {
	switch network {
	case "mainnet-beta":
		return "https://api.mainnet-beta.solana.com"
	case "testnet":
		return "https://api.testnet.solana.com"
	default:
		return "https://api.devnet.solana.com"
	}
}

// NewSolanaClient creates the custody client. Without a server wallet the
// client can verify funding and read balances but not release tokens.
func NewSolanaClient(cfg config.SolanaConfig, logger zerolog.Logger) (*SolanaClient, error) {
	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = RPCURLForNetwork(cfg.Network)
	}

	client := &SolanaClient{
		rpcClient: rpc.New(rpcURL),
		rpcURL:    rpcURL,
		network:   cfg.Network,
		logger:    logger,
	}

	if cfg.TokenMintAddress != "" {
		mint, err := solana.PublicKeyFromBase58(cfg.TokenMintAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid token mint address: %w", err)
		}
		client.tokenMint = mint
	}

	if cfg.ServerWalletPrivateKey != "" {
		wallet, err := solana.WalletFromPrivateKeyBase58(cfg.ServerWalletPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load server wallet: %w", err)
		}
		client.serverWallet = wallet
		client.treasury = wallet.PublicKey()
		logger.Info().Str("wallet", wallet.PublicKey().String()).Msg("server wallet loaded")
	}

	if cfg.TreasuryAddress != "" {
		treasury, err := solana.PublicKeyFromBase58(cfg.TreasuryAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid treasury address: %w", err)
		}
		if client.serverWallet != nil && !treasury.Equals(client.treasury) {
			logger.Warn().
				Str("treasury", treasury.String()).
				Str("server_wallet", client.treasury.String()).
				Msg("treasury differs from server wallet, payouts are sent from the server wallet")
		} else {
			client.treasury = treasury
		}
	}

	return client, nil
}

// VerifyFunding checks that txHash is a confirmed transaction that moved at
// least amount of the staked token from wallet into the treasury.
func (s *SolanaClient) VerifyFunding(ctx context.Context, txHash, wallet string, amount int64) (services.FundingReceipt, error) {
	if s.tokenMint.IsZero() {
		return services.FundingReceipt{}, ErrNoTokenMint
	}
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return services.FundingReceipt{}, fmt.Errorf("invalid funding signature: %w", err)
	}
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return services.FundingReceipt{}, fmt.Errorf("invalid wallet address: %w", err)
	}

	status, err := s.rpcClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return services.FundingReceipt{}, fmt.Errorf("failed to get signature status: %w", err)
	}
	if len(status.Value) == 0 || status.Value[0] == nil {
		return services.FundingReceipt{}, nil
	}
	if status.Value[0].Err != nil {
		s.logger.Warn().Str("tx", txHash).Interface("err", status.Value[0].Err).Msg("funding transaction failed on chain")
		return services.FundingReceipt{}, nil
	}
	conf := status.Value[0].ConfirmationStatus
	if conf != rpc.ConfirmationStatusConfirmed && conf != rpc.ConfirmationStatusFinalized {
		return services.FundingReceipt{}, nil
	}

	maxVersion := uint64(0)
	tx, err := s.rpcClient.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return services.FundingReceipt{}, fmt.Errorf("failed to get transaction details: %w", err)
	}
	if tx == nil || tx.Meta == nil {
		return services.FundingReceipt{}, nil
	}

	received := TokenDelta(tx.Meta, s.treasury, s.tokenMint)
	sent := -TokenDelta(tx.Meta, owner, s.tokenMint)
	if received < amount || sent < amount {
		s.logger.Warn().
			Str("tx", txHash).
			Int64("expected", amount).
			Int64("received", received).
			Int64("sent", sent).
			Msg("funding transaction does not match stake")
		return services.FundingReceipt{}, nil
	}

	return services.FundingReceipt{Confirmed: true, BlockNumber: int64(tx.Slot)}, nil
}

// TokenDelta is the change of owner's balance of mint across a transaction,
// in base units.
func TokenDelta(meta *rpc.TransactionMeta, owner, mint solana.PublicKey) int64 {
	return sumTokenBalances(meta.PostTokenBalances, owner, mint) - sumTokenBalances(meta.PreTokenBalances, owner, mint)
}

func sumTokenBalances(balances []rpc.TokenBalance, owner, mint solana.PublicKey) int64 {
	var total int64
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) || !b.Mint.Equals(mint) || b.UiTokenAmount == nil {
			continue
		}
		n, err := strconv.ParseInt(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// Release transfers amount of the staked token from the server wallet to
// wallet, creating the recipient's associated token account if needed.
func (s *SolanaClient) Release(ctx context.Context, wallet string, amount int64, memo string) (string, error) {
	if s.serverWallet == nil {
		return "", ErrNoServerWallet
	}
	if s.tokenMint.IsZero() {
		return "", ErrNoTokenMint
	}
	if amount <= 0 {
		return "", fmt.Errorf("release amount must be positive, got %d", amount)
	}
	recipient, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}

	payer := s.serverWallet.PublicKey()
	source, _, err := solana.FindAssociatedTokenAddress(payer, s.tokenMint)
	if err != nil {
		return "", fmt.Errorf("failed to derive treasury token account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(recipient, s.tokenMint)
	if err != nil {
		return "", fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	var instructions []solana.Instruction
	if _, err := s.rpcClient.GetAccountInfo(ctx, destination); errors.Is(err, rpc.ErrNotFound) {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(payer, recipient, s.tokenMint).Build())
	} else if err != nil {
		return "", fmt.Errorf("failed to check recipient token account: %w", err)
	}
	instructions = append(instructions,
		token.NewTransferInstruction(uint64(amount), source, destination, payer, []solana.PublicKey{}).Build())

	blockhash, err := s.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &s.serverWallet.PrivateKey
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	// From here on the signed transaction may reach the network even when the
	// RPC call fails, so the caller gets its signature to reconcile with.
	sig, err := s.rpcClient.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", &services.UnconfirmedReleaseError{
			Ref: tx.Signatures[0].String(),
			Err: fmt.Errorf("failed to send transaction: %w", err),
		}
	}

	s.logger.Info().
		Str("recipient", wallet).
		Int64("amount", amount).
		Str("memo", memo).
		Str("signature", sig.String()).
		Msg("tokens released")
	return sig.String(), nil
}

// ReleaseStatus reports whether a transfer signature landed. A signature the
// cluster does not know yet is ReleaseUnknown.
func (s *SolanaClient) ReleaseStatus(ctx context.Context, ref string) (services.ReleaseState, error) {
	sig, err := solana.SignatureFromBase58(ref)
	if err != nil {
		return services.ReleaseUnknown, fmt.Errorf("invalid transfer signature: %w", err)
	}

	status, err := s.rpcClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return services.ReleaseUnknown, fmt.Errorf("failed to get signature status: %w", err)
	}
	if len(status.Value) == 0 || status.Value[0] == nil {
		return services.ReleaseUnknown, nil
	}
	if status.Value[0].Err != nil {
		s.logger.Warn().Str("signature", ref).Interface("error", status.Value[0].Err).Msg("transfer failed on chain")
		return services.ReleaseFailed, nil
	}

	switch status.Value[0].ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return services.ReleaseLanded, nil
	default:
		return services.ReleaseUnknown, nil
	}
}

// Balance returns the wallet's balance of the staked token across all of
// its token accounts.
func (s *SolanaClient) Balance(ctx context.Context, wallet string) (int64, error) {
	if s.tokenMint.IsZero() {
		return 0, ErrNoTokenMint
	}
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return 0, fmt.Errorf("invalid owner address: %w", err)
	}

	resp, err := s.rpcClient.GetTokenAccountsByOwner(
		ctx,
		owner,
		&rpc.GetTokenAccountsConfig{
			Mint: &s.tokenMint,
		},
		&rpc.GetTokenAccountsOpts{
			Encoding: solana.EncodingBase64,
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to get token accounts: %w", err)
	}

	var total uint64
	for _, account := range resp.Value {
		var tokenAccount token.Account
		decoder := bin.NewBinDecoder(account.Account.Data.GetBinary())
		if err := tokenAccount.UnmarshalWithDecoder(decoder); err != nil {
			s.logger.Warn().Err(err).Str("account", account.Pubkey.String()).Msg("failed to decode token account data")
			continue
		}
		total += tokenAccount.Amount
	}
	return int64(total), nil
}
