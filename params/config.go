package params

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Fees are fixed at construction and immutable for the ledger's lifetime.
// PPM is the fee numerator in parts-per-million of each fill's tokenGet
// amount (denominator 1,000,000): 10000 = 1%.
type Fees struct {
	Account common.Address
	PPM     uint64
}

type Node struct {
	DBPath     string
	ListenAddr string
	LogFile    string
}

type Config struct {
	Fees Fees
	Node Node
}

func Default() Config {
	return Config{
		Fees: Fees{
			Account: common.HexToAddress("0xfee0000000000000000000000000000000000000"),
			PPM:     10000, // 1%
		},
		Node: Node{
			DBPath:     "data/ledger.db",
			ListenAddr: ":8080",
			LogFile:    "data/ledgerd.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if acct := os.Getenv("FEE_ACCOUNT"); acct != "" && common.IsHexAddress(acct) {
		cfg.Fees.Account = common.HexToAddress(acct)
	}
	if ppm := os.Getenv("FEE_PPM"); ppm != "" {
		if v, err := strconv.ParseUint(ppm, 10, 64); err == nil {
			cfg.Fees.PPM = v
		}
	}
	if path := os.Getenv("LEDGER_DB_PATH"); path != "" {
		cfg.Node.DBPath = path
	}
	if addr := os.Getenv("API_LISTEN_ADDR"); addr != "" {
		cfg.Node.ListenAddr = addr
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.Node.LogFile = logFile
	}

	return cfg
}
