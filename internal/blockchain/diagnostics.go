package blockchain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// DiagnosticResult holds the result of a custody connectivity check
type DiagnosticResult struct {
	RPCConnected    bool   `json:"rpc_connected"`
	RPCURL          string `json:"rpc_url"`
	RPCError        string `json:"rpc_error,omitempty"`
	LatestBlockhash string `json:"latest_blockhash,omitempty"`
	ServerWalletSet bool   `json:"server_wallet_set"`
	ServerWallet    string `json:"server_wallet,omitempty"`
	Treasury        string `json:"treasury,omitempty"`
	TokenMint       string `json:"token_mint,omitempty"`
	TreasuryBalance *int64 `json:"treasury_balance,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// Healthy reports whether payouts can currently be released.
func (d *DiagnosticResult) Healthy() bool {
	return d.RPCConnected && d.ServerWalletSet && d.TokenMint != ""
}

// RunDiagnostics checks RPC connectivity and the custody configuration
func (s *SolanaClient) RunDiagnostics(ctx context.Context) *DiagnosticResult {
	result := &DiagnosticResult{
		RPCURL:    s.rpcURL,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	blockhash, err := s.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		result.RPCError = err.Error()
		s.logger.Warn().Err(err).Str("rpc_url", s.rpcURL).Msg("custody RPC unreachable")
	} else {
		result.RPCConnected = true
		result.LatestBlockhash = blockhash.Value.Blockhash.String()
	}

	if s.serverWallet != nil {
		result.ServerWalletSet = true
		result.ServerWallet = s.serverWallet.PublicKey().String()
	}
	if !s.treasury.IsZero() {
		result.Treasury = s.treasury.String()
	}
	if !s.tokenMint.IsZero() {
		result.TokenMint = s.tokenMint.String()
		if result.RPCConnected && result.Treasury != "" {
			if bal, err := s.Balance(ctx, result.Treasury); err == nil {
				result.TreasuryBalance = &bal
			}
		}
	}

	return result
}
