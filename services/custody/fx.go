package custody

import (
	"fmt"

	"pledgerun/pkg/config"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("custody",
	fx.Provide(NewAdapter, NewEscrow),
)

var HTTP = fx.Module("custody.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

// IsSimulated reports whether cfg selects the in-process simulated custody driver.
func IsSimulated(cfg *config.Config) bool {
	return cfg.Custody.Driver == "" || cfg.Custody.Driver == "simulated"
}

// NewAdapter selects the custody driver configured in CUSTODY.DRIVER.
func NewAdapter(cfg *config.Config) (Adapter, error) {
	switch cfg.Custody.Driver {
	case "", "simulated":
		balance, err := decimal.NewFromString(cfg.Custody.SimulatedBalance)
		if err != nil {
			return nil, fmt.Errorf("CUSTODY.SIMULATED_BALANCE: %w", err)
		}
		zap.L().Warn("using simulated custody, no funds move on chain", zap.String("balance", balance.String()))
		return NewSimulated(balance, cfg.Custody.SimulatedConfirmations), nil
	case "gateway":
		if cfg.Custody.GatewayURL == "" {
			return nil, fmt.Errorf("CUSTODY.GATEWAY_URL is required for the gateway driver")
		}
		return NewGateway(cfg.Custody.GatewayURL, cfg.Custody.GatewayAPIKey, cfg.Custody.EscrowAddress, cfg.Custody.GatewayTimeout), nil
	default:
		return nil, fmt.Errorf("unknown custody driver %q", cfg.Custody.Driver)
	}
}
