package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/eip1559"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userops/pkg/logger"
)

// CredentialPlaceholder in a bundler URL is replaced by the value of its credential_env.
const CredentialPlaceholder = "{credential}"

const (
	DefaultOwnerKeyEnv    = "PRIVATE_KEY"
	DefaultRequestTimeout = 30 * time.Second

	// LegacyCredentialEnv stands in for PIMLICO_API_KEY when that is unset.
	LegacyCredentialEnv = "BUNDLER_API_KEY"
	pimlicoCredentialEnv = "PIMLICO_API_KEY"
)

var ErrMissingOwnerKey = errors.New("config: owner private key is not set")

// Config is the resolved configuration used by the CLI.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl string
	// ChainID is nil when the file leaves it to the node.
	ChainID *big.Int

	EntrypointAddress common.Address
	FactoryAddress    common.Address
	SponsorAddress    common.Address
	SponsorValidFor   time.Duration
	AccountSalt       *big.Int

	// OwnerKey is nil when the variable named by owner_key_env is unset. Commands that sign
	// call RequireOwnerKey.
	OwnerKey    *ecdsa.PrivateKey
	OwnerKeyEnv string

	Bundlers            []bundler.Endpoint
	RequestTimeout      time.Duration
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration

	DirectFallback    bool
	StaticGasFallback bool
	FeeFloors         []preset.FeeFloor

	MetricsAddr string
}

// These are read from the config file. Credentials never are.
type ConfigRaw struct {
	Environment         sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`
	EthRpcUrl           string              `yaml:"eth_rpc_url" validate:"required,url"`
	ChainID             int64               `yaml:"chain_id" validate:"gte=0"`
	EntrypointAddress   string              `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress      string              `yaml:"factory_address" validate:"required,eth_addr"`
	SponsorAddress      string              `yaml:"sponsor_address" validate:"omitempty,eth_addr"`
	SponsorValidFor     time.Duration       `yaml:"sponsor_valid_for" validate:"gte=0"`
	AccountSalt         int64               `yaml:"account_salt" validate:"gte=0"`
	OwnerKeyEnv         string              `yaml:"owner_key_env"`
	Bundlers            []BundlerRaw        `yaml:"bundlers" validate:"dive"`
	RequestTimeout      time.Duration       `yaml:"request_timeout" validate:"gte=0"`
	ReceiptTimeout      time.Duration       `yaml:"receipt_timeout" validate:"gte=0"`
	ReceiptPollInterval time.Duration       `yaml:"receipt_poll_interval" validate:"gte=0"`
	DirectFallback      bool                `yaml:"direct_fallback"`
	StaticGasFallback   bool                `yaml:"static_gas_fallback"`
	FeeFloors           []FeeFloorRaw       `yaml:"fee_floors" validate:"dive"`
	MetricsAddr         string              `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

type BundlerRaw struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url" validate:"required"`
	CredentialEnv string `yaml:"credential_env"`
}

type FeeFloorRaw struct {
	Name               string `yaml:"name" validate:"required"`
	MinMaxFeeGwei      string `yaml:"min_max_fee_gwei" validate:"omitempty,numeric"`
	MinPriorityFeeGwei string `yaml:"min_priority_fee_gwei" validate:"omitempty,numeric"`
}

// DefaultBundlers is the endpoint list used when the file configures none: the public
// Sepolia relays, keyed from the environment.
func DefaultBundlers() []BundlerRaw {
	return []BundlerRaw{
		{Name: "pimlico", URL: "https://api.pimlico.io/v2/sepolia/rpc?apikey=" + CredentialPlaceholder, CredentialEnv: pimlicoCredentialEnv},
		{Name: "alchemy", URL: "https://eth-sepolia.g.alchemy.com/v2/" + CredentialPlaceholder, CredentialEnv: "ALCHEMY_API_KEY"},
	}
}

// LoadEnv reads .env files into the process environment without overriding variables that
// are already set. Missing files are ignored.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// ReadYamlConfig decodes path into out.
func ReadYamlConfig(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// NewConfig loads .env, reads the YAML file at configFilePath and resolves it.
func NewConfig(configFilePath string) (*Config, error) {
	LoadEnv()

	var raw ConfigRaw
	if configFilePath != "" {
		if err := ReadYamlConfig(configFilePath, &raw); err != nil {
			return nil, err
		}
	}
	return raw.Resolve()
}

// Resolve validates the raw file, applies defaults, and reads credentials from the
// environment.
func (raw *ConfigRaw) Resolve() (*Config, error) {
	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	env := raw.Environment
	if env == "" {
		env = logger.Production
	}
	lgr, err := logger.New(string(env))
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment:         env,
		Logger:              lgr,
		EthRpcUrl:           raw.EthRpcUrl,
		EntrypointAddress:   aa.DefaultEntrypointAddress,
		FactoryAddress:      common.HexToAddress(raw.FactoryAddress),
		SponsorValidFor:     raw.SponsorValidFor,
		AccountSalt:         big.NewInt(raw.AccountSalt),
		OwnerKeyEnv:         lo.Ternary(raw.OwnerKeyEnv == "", DefaultOwnerKeyEnv, raw.OwnerKeyEnv),
		RequestTimeout:      lo.Ternary(raw.RequestTimeout == 0, DefaultRequestTimeout, raw.RequestTimeout),
		ReceiptTimeout:      lo.Ternary(raw.ReceiptTimeout == 0, preset.DefaultReceiptTimeout, raw.ReceiptTimeout),
		ReceiptPollInterval: lo.Ternary(raw.ReceiptPollInterval == 0, preset.DefaultReceiptPollInterval, raw.ReceiptPollInterval),
		DirectFallback:      raw.DirectFallback,
		StaticGasFallback:   raw.StaticGasFallback,
		MetricsAddr:         raw.MetricsAddr,
	}
	if raw.ChainID > 0 {
		c.ChainID = big.NewInt(raw.ChainID)
	}
	if raw.EntrypointAddress != "" {
		c.EntrypointAddress = common.HexToAddress(raw.EntrypointAddress)
	}
	if raw.SponsorAddress != "" {
		c.SponsorAddress = common.HexToAddress(raw.SponsorAddress)
	}

	if c.FeeFloors, err = resolveFeeFloors(raw.FeeFloors); err != nil {
		return nil, err
	}

	bundlers := raw.Bundlers
	if len(bundlers) == 0 {
		bundlers = DefaultBundlers()
	}
	if c.Bundlers, err = ResolveBundlers(bundlers, lgr); err != nil {
		return nil, err
	}

	if key := lookupCredential(c.OwnerKeyEnv); key != "" {
		if c.OwnerKey, err = signer.ParsePrivateKey(key); err != nil {
			return nil, fmt.Errorf("invalid private key in %s: %w", c.OwnerKeyEnv, err)
		}
	}

	return c, nil
}

// RequireOwnerKey returns the owner key or ErrMissingOwnerKey naming the variable to set.
func (c *Config) RequireOwnerKey() (*ecdsa.PrivateKey, error) {
	if c.OwnerKey == nil {
		return nil, fmt.Errorf("%w: set %s in the environment or .env", ErrMissingOwnerKey, c.OwnerKeyEnv)
	}
	return c.OwnerKey, nil
}

// ResolveBundlers substitutes credentials into the endpoint URLs. An endpoint whose
// credential is missing is skipped with a warning; none left is bundler.ErrNoEndpoints.
func ResolveBundlers(raws []BundlerRaw, lgr logger.Logger) ([]bundler.Endpoint, error) {
	lgr = logger.EnsureLogger(lgr)
	validate := validator.New()

	endpoints := make([]bundler.Endpoint, 0, len(raws))
	for i, raw := range raws {
		ep := bundler.Endpoint{
			Name:               raw.Name,
			URL:                raw.URL,
			RequiresCredential: strings.Contains(raw.URL, CredentialPlaceholder),
		}
		if ep.Name == "" {
			ep.Name = bundler.DetectName(raw.URL, i)
		}

		if ep.RequiresCredential {
			credential := lookupCredential(raw.CredentialEnv)
			if credential == "" && raw.CredentialEnv == pimlicoCredentialEnv {
				credential = lookupCredential(LegacyCredentialEnv)
			}
			if credential == "" {
				lgr.Warn("skipping bundler endpoint without credential", "endpoint", ep.Name, "credential_env", raw.CredentialEnv)
				continue
			}
			ep.URL = strings.ReplaceAll(raw.URL, CredentialPlaceholder, credential)
		}

		if err := validate.Var(ep.URL, "required,url"); err != nil {
			return nil, fmt.Errorf("bundler %s: invalid url: %w", ep.Name, err)
		}
		endpoints = append(endpoints, ep)
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: set %s or %s, or list bundlers in the config file", bundler.ErrNoEndpoints, pimlicoCredentialEnv, "ALCHEMY_API_KEY")
	}
	return endpoints, nil
}

func resolveFeeFloors(raws []FeeFloorRaw) ([]preset.FeeFloor, error) {
	if len(raws) == 0 {
		return preset.DefaultFeeFloors(), nil
	}

	floors := make([]preset.FeeFloor, 0, len(raws))
	for _, raw := range raws {
		floor := preset.FeeFloor{Name: raw.Name}
		var err error
		if raw.MinMaxFeeGwei != "" {
			if floor.MinMaxFee, err = eip1559.Gwei(raw.MinMaxFeeGwei); err != nil {
				return nil, fmt.Errorf("fee floor %s: %w", raw.Name, err)
			}
		}
		if raw.MinPriorityFeeGwei != "" {
			if floor.MinPriorityFee, err = eip1559.Gwei(raw.MinPriorityFeeGwei); err != nil {
				return nil, fmt.Errorf("fee floor %s: %w", raw.Name, err)
			}
		}
		floors = append(floors, floor)
	}
	return floors, nil
}

// lookupCredential reads an environment variable, treating template values such as
// "your_pimlico_api_key_here" as unset.
func lookupCredential(name string) string {
	if name == "" {
		return ""
	}
	v := strings.TrimSpace(os.Getenv(name))
	if strings.HasPrefix(v, "your_") && strings.HasSuffix(v, "_here") {
		return ""
	}
	return v
}
