// Package vaultconfig holds the static deployment description of the solver
// vault: supported chains and tokens, contract addresses, wallet networks and
// how to reach each network over JSON-RPC.
package vaultconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("vaultconfig: invalid config")

// EnvProjectID names the environment variable carrying the wallet project id.
const EnvProjectID = "SOLVER_VAULT_PROJECT_ID"

// DefaultProjectID is a public project id that is only meant for localhost use.
const DefaultProjectID = "b56e18d47c72ab683b10814fe9495694"

const rpcGatewayURL = "https://rpc.walletconnect.org/v1/"

var (
	VaultAddress = common.HexToAddress("0x1F2EE6aB0188961465779909a2f51F286dA3cDf7")
	// WETHAddress is the Base Sepolia predeploy.
	WETHAddress = common.HexToAddress("0x4200000000000000000000000000000000000006")
	// NativeTokenAddress is the placeholder address of the chain's base currency.
	NativeTokenAddress = common.Address{}
)

// Chain is a chain the vault accepts deposits on.
type Chain struct {
	ID   uint64
	Name string
}

type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	IsNative bool
}

// Network is a chain the wallet may be connected to. It is a superset of the
// deposit chains.
type Network struct {
	ID   uint64
	Name string
}

const DefaultChainID uint64 = 84532

var chains = []Chain{
	{ID: 84532, Name: "Base Sepolia"},
	{ID: 11155420, Name: "OP Sepolia"},
}

var tokens = []Token{
	{Symbol: "ETH", Address: NativeTokenAddress, Decimals: 18, IsNative: true},
	{Symbol: "WETH", Address: WETHAddress, Decimals: 18, IsNative: false},
}

var networks = []Network{
	{ID: 1, Name: "Ethereum"},
	{ID: 42161, Name: "Arbitrum One"},
	{ID: 84532, Name: "Base Sepolia"},
	{ID: 11155420, Name: "OP Sepolia"},
}

// Chains returns the deposit chains in display order.
func Chains() []Chain { return append([]Chain(nil), chains...) }

// Tokens returns the deposit tokens in display order; the first is the default.
func Tokens() []Token { return append([]Token(nil), tokens...) }

// WalletNetworks returns the networks the wallet may use; the first is the
// network a fresh session starts on.
func WalletNetworks() []Network { return append([]Network(nil), networks...) }

func DefaultToken() Token { return tokens[0] }

func ChainByID(id uint64) (Chain, bool) {
	for _, c := range chains {
		if c.ID == id {
			return c, true
		}
	}
	return Chain{}, false
}

func TokenByAddress(addr common.Address) (Token, bool) {
	for _, t := range tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return Token{}, false
}

func NetworkByID(id uint64) (Network, bool) {
	for _, n := range networks {
		if n.ID == id {
			return n, true
		}
	}
	return Network{}, false
}

// ProjectID returns the wallet project id from getenv, falling back to the
// public default.
func ProjectID(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvProjectID)); v != "" {
		return v
	}
	return DefaultProjectID
}

// GatewayRPCURL is the project-scoped public RPC endpoint for chainID.
func GatewayRPCURL(chainID uint64, projectID string) string {
	q := url.Values{}
	q.Set("chainId", "eip155:"+strconv.FormatUint(chainID, 10))
	q.Set("projectId", projectID)
	return rpcGatewayURL + "?" + q.Encode()
}

// Resolver maps a network to the RPC URL used to reach it.
type Resolver struct {
	ProjectID string
	Overrides map[uint64]string
}

func (r Resolver) RPCURL(chainID uint64) (string, error) {
	if _, ok := NetworkByID(chainID); !ok {
		return "", fmt.Errorf("%w: unsupported network %d", ErrInvalidConfig, chainID)
	}
	if u, ok := r.Overrides[chainID]; ok {
		return u, nil
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return "", fmt.Errorf("%w: missing project id", ErrInvalidConfig)
	}
	return GatewayRPCURL(chainID, r.ProjectID), nil
}

type rpcOverrideFile struct {
	Networks []struct {
		ChainID uint64 `yaml:"chainId"`
		RPCURL  string `yaml:"rpcUrl"`
	} `yaml:"networks"`
}

// ParseRPCOverrides decodes a YAML document of the form
//
//	networks:
//	  - chainId: 84532
//	    rpcUrl: https://sepolia.base.org
func ParseRPCOverrides(doc []byte) (map[uint64]string, error) {
	var f rpcOverrideFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("%w: decode rpc overrides: %v", ErrInvalidConfig, err)
	}
	out := make(map[uint64]string, len(f.Networks))
	for i, n := range f.Networks {
		if _, ok := NetworkByID(n.ChainID); !ok {
			return nil, fmt.Errorf("%w: networks[%d]: unsupported chain id %d", ErrInvalidConfig, i, n.ChainID)
		}
		raw := strings.TrimSpace(n.RPCURL)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: networks[%d]: invalid rpcUrl", ErrInvalidConfig, i)
		}
		if _, dup := out[n.ChainID]; dup {
			return nil, fmt.Errorf("%w: networks[%d]: duplicate chain id %d", ErrInvalidConfig, i, n.ChainID)
		}
		out[n.ChainID] = raw
	}
	return out, nil
}

// LoadRPCOverrides reads ParseRPCOverrides input from path.
func LoadRPCOverrides(path string) (map[uint64]string, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vaultconfig: read %s: %w", path, err)
	}
	return ParseRPCOverrides(doc)
}
