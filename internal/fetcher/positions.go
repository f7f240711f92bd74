package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"riskwatch/internal/risk"
	"riskwatch/internal/storage"
)

const (
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// TrackedToken is a token balance that counts as a position in Protocol.
type TrackedToken struct {
	Protocol string
	Token    string
	Decimals int32
}

// WalletResolver maps a portfolio to its on-chain account.
type WalletResolver interface {
	GetPortfolio(ctx context.Context, id string) (storage.Portfolio, error)
}

// ERC20Options parameterise the on-chain position provider.
type ERC20Options struct {
	RPCURL  string
	Tokens  []TrackedToken
	Timeout time.Duration
	// Caller overrides the RPC client; used by tests.
	Caller ethereum.ContractCaller
}

// ERC20Positions reads balanceOf(wallet) for each tracked token.
type ERC20Positions struct {
	opts      ERC20Options
	wallets   WalletResolver
	logger    zerolog.Logger
	caller    ethereum.ContractCaller
	clientMux sync.Mutex
}

// NewERC20Positions builds a position provider.
func NewERC20Positions(opts ERC20Options, wallets WalletResolver, logger zerolog.Logger) *ERC20Positions {
	return &ERC20Positions{
		opts:    opts,
		wallets: wallets,
		caller:  opts.Caller,
		logger:  logger.With().Str("component", "erc20_positions").Logger(),
	}
}

// GetPositions implements PositionProvider. Zero balances are omitted.
func (p *ERC20Positions) GetPositions(ctx context.Context, portfolioID string) ([]risk.Position, error) {
	if p.opts.RPCURL == "" && p.opts.Caller == nil {
		return nil, errors.New("ethereum rpc url not configured")
	}

	portfolio, err := p.wallets.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}
	if !common.IsHexAddress(portfolio.WalletAddress) {
		return nil, fmt.Errorf("portfolio %s has no valid wallet address", portfolioID)
	}
	wallet := common.HexToAddress(portfolio.WalletAddress)

	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := p.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]risk.Position, 0, len(p.opts.Tokens))
	for _, tok := range p.opts.Tokens {
		balance, err := balanceOf(ctx, caller, common.HexToAddress(tok.Token), wallet)
		if err != nil {
			return nil, fmt.Errorf("balanceOf %s: %w", tok.Token, err)
		}
		if balance.Sign() == 0 {
			continue
		}
		positions = append(positions, risk.Position{
			ProtocolAddress: strings.ToLower(tok.Protocol),
			TokenAddress:    normalizeToken(tok.Token),
			Amount:          decimal.NewFromBigInt(balance, -tok.Decimals),
		})
	}

	p.logger.Debug().Str("portfolio_id", portfolioID).Int("positions", len(positions)).Msg("positions fetched")
	return positions, nil
}

func balanceOf(ctx context.Context, caller ethereum.ContractCaller, token, wallet common.Address) (*big.Int, error) {
	payload, err := erc20ABI.Pack("balanceOf", wallet)
	if err != nil {
		return nil, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected balanceOf response")
	}

	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode balanceOf output")
	}
	return balance, nil
}

func (p *ERC20Positions) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.caller != nil {
		return p.caller, nil
	}

	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.caller = client
	return client, nil
}

var _ PositionProvider = (*ERC20Positions)(nil)
