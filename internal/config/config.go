package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedChain = errors.New("unsupported chain")

const (
	ChainMainnet   uint64 = 1
	ChainSepolia   uint64 = 11155111
	ChainLocalhost uint64 = 1337
)

// Deployment lists the contract addresses used on one chain.
type Deployment struct {
	ChainID      uint64 `json:"chainId" toml:"chain_id" yaml:"chain_id"`
	Name         string `json:"name" toml:"name" yaml:"name"`
	NativeSymbol string `json:"nativeSymbol" toml:"native_symbol" yaml:"native_symbol"`
	NFTSymbol    string `json:"nftSymbol" toml:"nft_symbol" yaml:"nft_symbol"`
	PaymentToken string `json:"paymentToken" toml:"payment_token" yaml:"payment_token"`
	HelloPyusd   string `json:"helloPyusd" toml:"hello_pyusd" yaml:"hello_pyusd"`
}

// Registry resolves deployments by chain id.
type Registry struct {
	Deployments []Deployment `json:"deployments" toml:"deployments" yaml:"deployments"`
}

// Addresses are the resolved contracts for the connected chain.
type Addresses struct {
	ChainID      uint64
	NativeSymbol string
	NFTSymbol    string
	PaymentToken common.Address
	HelloPyusd   common.Address
}

// DefaultRegistry carries the public PYUSD and HelloPyusd deployments.
func DefaultRegistry() Registry {
	const (
		pyusdSepolia = "0xCaC524BcA292aaade2DF8A05cC58F0a65B1B3bB9"
		pyusdMainnet = "0x6c3ea9036406852006290770BEdFcAbA0e23A0e8"
		helloSepolia = "0xC3106f588711e4672c43D7C2dD9cE995BD44C231"
	)
	return Registry{Deployments: []Deployment{
		{ChainID: ChainSepolia, Name: "sepolia", PaymentToken: pyusdSepolia, HelloPyusd: helloSepolia},
		{ChainID: ChainLocalhost, Name: "localhost", PaymentToken: pyusdSepolia, HelloPyusd: helloSepolia},
		{ChainID: ChainMainnet, Name: "mainnet", PaymentToken: pyusdMainnet},
	}}
}

// Resolve returns the addresses for chainID. A chain without both contracts
// configured is a deployment error.
func (r Registry) Resolve(chainID uint64) (Addresses, error) {
	for _, d := range r.Deployments {
		if d.ChainID != chainID {
			continue
		}
		if !common.IsHexAddress(d.PaymentToken) {
			return Addresses{}, fmt.Errorf("payment token address not configured for chain %d: %w", chainID, ErrUnsupportedChain)
		}
		if !common.IsHexAddress(d.HelloPyusd) {
			return Addresses{}, fmt.Errorf("HelloPyusd address not configured for chain %d: %w", chainID, ErrUnsupportedChain)
		}
		return Addresses{
			ChainID:      chainID,
			NativeSymbol: orDefault(d.NativeSymbol, "ETH"),
			NFTSymbol:    orDefault(d.NFTSymbol, "HIPYUSD"),
			PaymentToken: common.HexToAddress(d.PaymentToken),
			HelloPyusd:   common.HexToAddress(d.HelloPyusd),
		}, nil
	}
	return Addresses{}, fmt.Errorf("chain %d: %w", chainID, ErrUnsupportedChain)
}

// AppConfig ties together the deployment registry and runtime settings.
type AppConfig struct {
	Registry Registry
	Service  ServiceConfig
	Chain    ChainConfig
	Mint     MintConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	RatePerMinute        int
	AllowedOrigins       []string
}

type ChainConfig struct {
	RPCURL       string
	PrivateKey   string
	ReceiptPoll  time.Duration
	BlockPoll    time.Duration
	DevChainID   uint64
	DevBlockTime time.Duration
}

type MintConfig struct {
	ApprovalGas   uint64
	MintGas       uint64
	StaleTime     time.Duration
	RenderTimeout time.Duration
	RPCTimeout    time.Duration
}

// Load aggregates configuration from .env files, the environment and an
// optional deployments file.
func Load(envFiles ...string) (*AppConfig, error) {
	// a missing .env is fine: variables may come from the process environment
	_ = godotenv.Load(envFiles...)

	registry := DefaultRegistry()
	if path := envOr("DEPLOYMENTS_PATH", ""); path != "" {
		loaded, err := LoadRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		registry = *loaded
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("OWNER_HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 600)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "hellopyusd-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		RatePerMinute:        envOrInt("RATE_PER_MINUTE", 30),
		AllowedOrigins:       splitList(envOr("ALLOWED_ORIGINS", "*")),
	}

	chainCfg := ChainConfig{
		RPCURL:       envOr("CHAIN_RPC_URL", "http://localhost:8545"),
		PrivateKey:   envOr("CHAIN_PRIVATE_KEY", ""),
		ReceiptPoll:  time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
		BlockPoll:    time.Duration(envOrInt("BLOCK_POLL_MS", 4000)) * time.Millisecond,
		DevChainID:   uint64(envOrInt("DEV_CHAIN_ID", int(ChainLocalhost))),
		DevBlockTime: time.Duration(envOrInt("DEV_BLOCK_TIME_MS", 2000)) * time.Millisecond,
	}

	mintCfg := MintConfig{
		ApprovalGas:   uint64(envOrInt("APPROVAL_GAS", 100000)),
		MintGas:       uint64(envOrInt("MINT_GAS", 150000)),
		StaleTime:     time.Duration(envOrInt("QUERY_STALE_MS", 4000)) * time.Millisecond,
		RenderTimeout: time.Duration(envOrInt("RENDER_TIMEOUT_MS", 3000)) * time.Millisecond,
		RPCTimeout:    time.Duration(envOrInt("RPC_TIMEOUT_MS", 15000)) * time.Millisecond,
	}

	return &AppConfig{
		Registry: registry,
		Service:  serviceCfg,
		Chain:    chainCfg,
		Mint:     mintCfg,
	}, nil
}

// LoadRegistry reads a deployments file; the format follows the extension.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var reg Registry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &reg)
	case ".toml":
		err = toml.Unmarshal(raw, &reg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &reg)
	default:
		return nil, fmt.Errorf("unsupported deployments format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(reg.Deployments) == 0 {
		return nil, fmt.Errorf("no deployments in %s", path)
	}
	return &reg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func orDefault(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}
